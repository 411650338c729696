// Package gmail implements the Mailbox Client Factory (C2) against the
// Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"worker_server/core/domain"
	"worker_server/core/port/in"
	"worker_server/core/port/out"
	"worker_server/pkg/httputil"
	"worker_server/pkg/ratelimit"
)

// supportedAttachmentMIMEs and supportedAttachmentExts are the attachment
// filter used by ListUnreadWithAttachments; MIME OR extension is sufficient.
var (
	supportedAttachmentMIMEs = map[string]bool{
		"application/pdf": true,
		"image/png":       true,
		"image/jpeg":      true,
		"image/tiff":      true,
	}
	supportedAttachmentExts = map[string]bool{
		".pdf": true, ".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true,
	}
)

func isSupportedAttachment(filename, mimeType string) bool {
	if supportedAttachmentMIMEs[strings.ToLower(mimeType)] {
		return true
	}
	lower := strings.ToLower(filename)
	for ext := range supportedAttachmentExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// GmailConfig holds the OAuth client configuration shared by every user's client.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	ProjectID    string
	TopicName    string
}

// GmailClientFactory implements out.MailboxClientFactory for Gmail. It
// serializes token refresh per user so two concurrent callers for the same
// account never race the provider's refresh endpoint.
type GmailClientFactory struct {
	oauthConfig *oauth2.Config
	topicName   string
	users       domain.UserRepository
	vault       in.VaultService
	cb          *gobreaker.CircuitBreaker
	limiter     *ratelimit.SlidingWindowLimiter
	httpClient  *http.Client

	refreshMu sync.Mutex
	perUser   map[uuid.UUID]*sync.Mutex
}

var _ out.MailboxClientFactory = (*GmailClientFactory)(nil)

// NewGmailClientFactory builds the factory; cfg.ClientID/Secret/RedirectURL
// are required, cfg.TopicName is the pub/sub topic passed to RegisterPushWatch.
// redisClient backs the per-user Gmail API rate limiter; Google enforces a
// per-user quota independent of the service-wide one the circuit breaker
// already guards against.
func NewGmailClientFactory(cfg *GmailConfig, users domain.UserRepository, vault in.VaultService, redisClient *redis.Client) *GmailClientFactory {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmailapi.GmailReadonlyScope,
			gmailapi.GmailModifyScope,
		},
		Endpoint: oauthgoogle.Endpoint,
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[gmail] circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &GmailClientFactory{
		oauthConfig: oauthConfig,
		topicName:   cfg.TopicName,
		users:       users,
		vault:       vault,
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		limiter:     ratelimit.NewSlidingWindowLimiter(redisClient, 20, 40),
		httpClient:  httputil.NewOptimizedClient(httputil.HighThroughputConfig()),
		perUser:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// AuthCodeURL returns the OAuth consent URL used by the Operator API's
// auth/gmail/url endpoint (spec §6).
func (f *GmailClientFactory) AuthCodeURL(state string) string {
	return f.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an OAuth authorization code for tokens, used by the
// auth/gmail/callback endpoint.
func (f *GmailClientFactory) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := f.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("gmail: exchange code: %w", err)
	}
	return token, nil
}

// CompleteAuth exchanges an authorization code, seals the resulting tokens,
// and attaches the mailbox to the User named by the callback's state
// (spec §6 auth/gmail/callback: `?code&state=userId`).
func (f *GmailClientFactory) CompleteAuth(ctx context.Context, userID uuid.UUID, code string) (*domain.User, error) {
	token, err := f.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("gmail: exchange returned no refresh token (require prompt=consent)")
	}

	user, err := f.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gmail: load user: %w", err)
	}
	if user == nil {
		return nil, out.ErrUserMissing
	}

	sealedRefresh, err := f.vault.Seal(token.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("gmail: seal refresh token: %w", err)
	}
	sealedAccess, err := f.vault.Seal(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("gmail: seal access token: %w", err)
	}

	user.MailboxConnected = true
	user.RefreshTokenEnc = &sealedRefresh
	user.AccessTokenEnc = &sealedAccess
	expiry := token.Expiry
	user.AccessTokenExp = &expiry

	if err := f.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("gmail: persist connected mailbox: %w", err)
	}
	return user, nil
}

func (f *GmailClientFactory) lockFor(userID uuid.UUID) *sync.Mutex {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()
	mu, ok := f.perUser[userID]
	if !ok {
		mu = &sync.Mutex{}
		f.perUser[userID] = mu
	}
	return mu
}

// ClientFor loads the user, refreshing and persisting the access token if
// needed, and returns an authenticated handle (spec §4.2).
func (f *GmailClientFactory) ClientFor(ctx context.Context, userID uuid.UUID) (out.MailboxClient, error) {
	mu := f.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	user, err := f.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gmail: load user: %w", err)
	}
	if user == nil {
		return nil, out.ErrUserMissing
	}
	if !user.MailboxConnected || user.RefreshTokenEnc == nil {
		return nil, out.ErrNotConnected
	}

	refreshToken, err := f.vault.Open(*user.RefreshTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("gmail: decrypt refresh token: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)

	needsRefresh := user.AccessTokenEnc == nil || user.AccessTokenExp == nil ||
		user.AccessTokenExp.Before(time.Now().Add(60*time.Second))

	var accessToken string
	var expiry time.Time
	if needsRefresh {
		src := f.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		fresh, err := src.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", out.ErrAuth, err)
		}
		accessToken = fresh.AccessToken
		expiry = fresh.Expiry

		sealedAccess, err := f.vault.Seal(accessToken)
		if err != nil {
			return nil, fmt.Errorf("gmail: seal access token: %w", err)
		}
		user.AccessTokenEnc = &sealedAccess
		user.AccessTokenExp = &expiry
		if err := f.users.Update(ctx, user); err != nil {
			return nil, fmt.Errorf("gmail: persist refreshed token: %w", err)
		}
	} else {
		accessToken, err = f.vault.Open(*user.AccessTokenEnc)
		if err != nil {
			return nil, fmt.Errorf("gmail: decrypt access token: %w", err)
		}
		expiry = *user.AccessTokenExp
	}

	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(
		f.oauthConfig.TokenSource(ctx, &oauth2.Token{AccessToken: accessToken, Expiry: expiry}),
	))
	if err != nil {
		return nil, fmt.Errorf("gmail: build service: %w", err)
	}

	return &gmailClient{svc: svc, cb: f.cb, limiter: f.limiter, userID: userID, topicName: f.topicName}, nil
}

// gmailClient is the per-call handle returned by ClientFor.
type gmailClient struct {
	svc       *gmailapi.Service
	cb        *gobreaker.CircuitBreaker
	limiter   *ratelimit.SlidingWindowLimiter
	userID    uuid.UUID
	topicName string
}

var _ out.MailboxClient = (*gmailClient)(nil)

type nonCircuitError struct{ err error }

func (e *nonCircuitError) Error() string { return e.err.Error() }

func (c *gmailClient) withBreaker(ctx context.Context, fn func() error) error {
	if ok, wait := c.limiter.Allow(ctx, c.userID.String()); !ok {
		return fmt.Errorf("gmail: per-user rate limit exceeded, retry in %v", wait)
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				default:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})
	if nce, ok := err.(*nonCircuitError); ok {
		return nce.err
	}
	return err
}

func (c *gmailClient) ListUnreadWithAttachments(ctx context.Context, limit int) ([]out.MessageSummary, error) {
	req := c.svc.Users.Messages.List("me").Q("is:unread has:attachment").MaxResults(int64(limit))

	var resp *gmailapi.ListMessagesResponse
	if err := c.withBreaker(ctx, func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	}); err != nil {
		return nil, fmt.Errorf("gmail: list unread: %w", err)
	}

	summaries := make([]out.MessageSummary, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		var msg *gmailapi.Message
		if err := c.withBreaker(ctx, func() error {
			var apiErr error
			msg, apiErr = c.svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
			return apiErr
		}); err != nil {
			log.Printf("[gmail] fetch message %s failed: %v", ref.Id, err)
			continue
		}

		attachments := extractAttachmentSummaries(msg.Payload)
		var filtered []out.MessageAttachmentSummary
		for _, a := range attachments {
			if isSupportedAttachment(a.Filename, a.MimeType) {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) == 0 {
			continue
		}

		summaries = append(summaries, out.MessageSummary{
			MessageID:   msg.Id,
			Subject:     getHeader(msg.Payload.Headers, "Subject"),
			Sender:      parseSenderAddress(getHeader(msg.Payload.Headers, "From")),
			MessageDate: time.UnixMilli(msg.InternalDate),
			Attachments: filtered,
		})
	}
	return summaries, nil
}

func (c *gmailClient) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var att *gmailapi.MessagePartBody
	if err := c.withBreaker(ctx, func() error {
		var apiErr error
		att, apiErr = c.svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		return apiErr
	}); err != nil {
		return nil, fmt.Errorf("gmail: fetch attachment: %w", err)
	}

	data, err := base64.URLEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, fmt.Errorf("gmail: decode attachment: %w", err)
	}
	return data, nil
}

func (c *gmailClient) MarkRead(ctx context.Context, messageID string) error {
	err := c.withBreaker(ctx, func() error {
		_, apiErr := c.svc.Users.Messages.Modify("me", messageID, &gmailapi.ModifyMessageRequest{
			RemoveLabelIds: []string{"UNREAD"},
		}).Context(ctx).Do()
		return apiErr
	})
	if apiErr, ok := err.(*googleapi.Error); ok && (apiErr.Code == 403 || apiErr.Code == 401) {
		return out.ErrPermissionDenied
	}
	if err != nil {
		return fmt.Errorf("gmail: mark read: %w", err)
	}
	return nil
}

func (c *gmailClient) RegisterPushWatch(ctx context.Context, topic, label string) (*out.WatchRegistration, error) {
	req := &gmailapi.WatchRequest{TopicName: topic, LabelIds: []string{label}}

	var resp *gmailapi.WatchResponse
	if err := c.withBreaker(ctx, func() error {
		var apiErr error
		resp, apiErr = c.svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	}); err != nil {
		return nil, fmt.Errorf("gmail: register watch: %w", err)
	}

	return &out.WatchRegistration{
		Cursor:    fmt.Sprintf("%d", resp.HistoryId),
		ExpiresAt: time.UnixMilli(resp.Expiration),
	}, nil
}

func (c *gmailClient) StopPushWatch(ctx context.Context) error {
	if err := c.withBreaker(ctx, func() error {
		return c.svc.Users.Stop("me").Context(ctx).Do()
	}); err != nil {
		return fmt.Errorf("gmail: stop watch: %w", err)
	}
	return nil
}

func extractAttachmentSummaries(part *gmailapi.MessagePart) []out.MessageAttachmentSummary {
	var attachments []out.MessageAttachmentSummary
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		attachments = append(attachments, out.MessageAttachmentSummary{
			AttachmentID: part.Body.AttachmentId,
			Filename:     part.Filename,
			MimeType:     part.MimeType,
			SizeBytes:    part.Body.Size,
		})
	}
	for _, p := range part.Parts {
		attachments = append(attachments, extractAttachmentSummaries(p)...)
	}
	return attachments
}

func getHeader(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func parseSenderAddress(s string) string {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return s
	}
	return addr.Address
}
