package vault

import (
	"strings"
	"testing"
)

func TestServiceSealOpenRoundTrip(t *testing.T) {
	svc, err := New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"refresh token", "1//0gAbCdEfGhIjKlMnOpQrStUv"},
		{"access token", "ya29.a0AfH6SMC"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := svc.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			opened, err := svc.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("Open() = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestServiceSealIsRandomized(t *testing.T) {
	svc, err := New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a, err := svc.Seal("same-plaintext")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	b, err := svc.Seal("same-plaintext")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if a == b {
		t.Error("Seal() produced identical ciphertext for two calls, want fresh nonce per call")
	}
}

func TestServiceOpenRejectsCorruptCiphertext(t *testing.T) {
	svc, err := New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sealed, err := svc.Seal("a secret value")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	tampered := strings.Replace(sealed, sealed[:4], "AAAA", 1)
	if _, err := svc.Open(tampered); err != ErrCorrupt {
		t.Errorf("Open(tampered) error = %v, want ErrCorrupt", err)
	}

	if _, err := svc.Open("not-base64!!"); err != ErrCorrupt {
		t.Errorf("Open(invalid base64) error = %v, want ErrCorrupt", err)
	}
}
