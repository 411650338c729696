// Package vault implements the Token Vault (C1): authenticated symmetric
// encryption for OAuth tokens at rest.
package vault

import (
	"encoding/base64"
	"errors"
	"fmt"

	"worker_server/core/port/in"
	"worker_server/pkg/crypto"
)

// ErrCorrupt is returned by Open when the sealed value fails base64
// decoding, is shorter than the nonce size, or fails GCM tag verification.
var ErrCorrupt = errors.New("vault: corrupt or tampered ciphertext")

// Service adapts the process encryptor to the VaultService port. Sealing
// uses a fresh random nonce per call, so two seals of the same plaintext
// never produce the same ciphertext.
type Service struct {
	encryptor *crypto.Encryptor
}

var _ in.VaultService = (*Service)(nil)

// New builds a Service from a key of any length; keys shorter than 32
// bytes are stretched with SHA-256 by the underlying encryptor.
func New(key []byte) (*Service, error) {
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Service{encryptor: enc}, nil
}

func (s *Service) Seal(plaintext string) (string, error) {
	sealed, err := s.encryptor.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("vault: seal: %w", err)
	}
	return sealed, nil
}

func (s *Service) Open(sealed string) (string, error) {
	plaintext, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		var b64Err base64.CorruptInputError
		if errors.Is(err, crypto.ErrInvalidCiphertext) || errors.Is(err, crypto.ErrDecryptionFailed) || errors.As(err, &b64Err) {
			return "", ErrCorrupt
		}
		return "", fmt.Errorf("vault: open: %w", err)
	}
	return plaintext, nil
}
