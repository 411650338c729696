package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worker_server/core/domain"
	"worker_server/core/port/out"
)

type fakeUsers struct {
	byEmail map[string]*domain.User
	updated []*domain.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) { return nil, nil }
func (f *fakeUsers) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return f.byEmail[email], nil
}
func (f *fakeUsers) Upsert(ctx context.Context, u *domain.User) (*domain.User, error) { return u, nil }
func (f *fakeUsers) Update(ctx context.Context, u *domain.User) error {
	f.updated = append(f.updated, u)
	return nil
}
func (f *fakeUsers) ListConnected(ctx context.Context) ([]*domain.User, error) { return nil, nil }

type fakeMailboxClient struct {
	messages  []out.MessageSummary
	fetchErr  error
	markRead  []string
	fetched   map[string][]byte
}

func (c *fakeMailboxClient) ListUnreadWithAttachments(ctx context.Context, limit int) ([]out.MessageSummary, error) {
	return c.messages, nil
}
func (c *fakeMailboxClient) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.fetched[attachmentID], nil
}
func (c *fakeMailboxClient) MarkRead(ctx context.Context, messageID string) error {
	c.markRead = append(c.markRead, messageID)
	return nil
}
func (c *fakeMailboxClient) RegisterPushWatch(ctx context.Context, topic, label string) (*out.WatchRegistration, error) {
	return nil, nil
}
func (c *fakeMailboxClient) StopPushWatch(ctx context.Context) error { return nil }

type fakeFactory struct {
	client out.MailboxClient
	err    error
}

func (f *fakeFactory) ClientFor(ctx context.Context, userID uuid.UUID) (out.MailboxClient, error) {
	return f.client, f.err
}

type fakeProcessed struct {
	mu        sync.Mutex
	processed map[string]bool
	markErr   error
}

func newFakeProcessed() *fakeProcessed {
	return &fakeProcessed{processed: make(map[string]bool)}
}
func (p *fakeProcessed) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed[messageID], nil
}
func (p *fakeProcessed) MarkMessageProcessed(ctx context.Context, messageID string, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.markErr != nil {
		return p.markErr
	}
	if p.processed[messageID] {
		return errors.New("duplicate key")
	}
	p.processed[messageID] = true
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []domain.AttachmentExtractPayload
}

func (q *fakeQueue) EnqueueMailboxSync(ctx context.Context, payload domain.MailboxSyncPayload) error {
	return nil
}
func (q *fakeQueue) EnqueueAttachmentExtract(ctx context.Context, payload domain.AttachmentExtractPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, payload)
	return nil
}
func (q *fakeQueue) Counts(ctx context.Context, kind domain.JobKind) (domain.QueueCounts, error) {
	return domain.QueueCounts{}, nil
}
func (q *fakeQueue) snapshot() []domain.AttachmentExtractPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.AttachmentExtractPayload(nil), q.enqueued...)
}

type fakeLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLock() *fakeLock { return &fakeLock{held: make(map[string]bool)} }
func (l *fakeLock) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}
func (l *fakeLock) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func TestProcessSync_UnknownMailbox_IsSoftNoOp(t *testing.T) {
	users := &fakeUsers{byEmail: map[string]*domain.User{}}
	svc := NewService(users, &fakeFactory{}, newFakeProcessed(), &fakeQueue{}, newFakeLock(), zerolog.Nop())

	err := svc.ProcessSync(context.Background(), domain.MailboxSyncPayload{MailboxAddress: "ghost@example.com"})

	require.NoError(t, err)
	assert.Empty(t, users.updated)
}

func TestProcessSync_AdvancesCursorRegardlessOfOutcome(t *testing.T) {
	userID := uuid.New()
	user := &domain.User{ID: userID, Email: "a@example.com", MailboxConnected: true}
	users := &fakeUsers{byEmail: map[string]*domain.User{"a@example.com": user}}
	client := &fakeMailboxClient{}
	svc := NewService(users, &fakeFactory{client: client}, newFakeProcessed(), &fakeQueue{}, newFakeLock(), zerolog.Nop())

	err := svc.ProcessSync(context.Background(), domain.MailboxSyncPayload{MailboxAddress: "a@example.com", CursorAtNotification: "cursor-1"})

	require.NoError(t, err)
	require.Len(t, users.updated, 1)
	assert.Equal(t, "cursor-1", *users.updated[0].MailboxCursor)
}

func TestProcessSync_DedupesAlreadyProcessedMessage(t *testing.T) {
	userID := uuid.New()
	user := &domain.User{ID: userID, Email: "a@example.com", MailboxConnected: true}
	users := &fakeUsers{byEmail: map[string]*domain.User{"a@example.com": user}}
	msg := out.MessageSummary{MessageID: "msg-1", Attachments: []out.MessageAttachmentSummary{{AttachmentID: "att-1", Filename: "f.pdf"}}}
	client := &fakeMailboxClient{messages: []out.MessageSummary{msg}, fetched: map[string][]byte{"att-1": []byte("pdf-bytes")}}
	processed := newFakeProcessed()
	processed.processed["msg-1"] = true
	q := &fakeQueue{}
	svc := NewService(users, &fakeFactory{client: client}, processed, q, newFakeLock(), zerolog.Nop())

	err := svc.ProcessSync(context.Background(), domain.MailboxSyncPayload{MailboxAddress: "a@example.com"})

	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond) // enqueueAttachment runs in its own goroutine
	assert.Empty(t, q.snapshot())
	assert.Empty(t, client.markRead)
}

func TestProcessSync_NewMessage_EnqueuesAttachmentAndMarksRead(t *testing.T) {
	userID := uuid.New()
	user := &domain.User{ID: userID, Email: "a@example.com", MailboxConnected: true}
	users := &fakeUsers{byEmail: map[string]*domain.User{"a@example.com": user}}
	msg := out.MessageSummary{MessageID: "msg-2", Attachments: []out.MessageAttachmentSummary{{AttachmentID: "att-1", Filename: "f.pdf", MimeType: "application/pdf"}}}
	client := &fakeMailboxClient{messages: []out.MessageSummary{msg}, fetched: map[string][]byte{"att-1": []byte("pdf-bytes")}}
	q := &fakeQueue{}
	svc := NewService(users, &fakeFactory{client: client}, newFakeProcessed(), q, newFakeLock(), zerolog.Nop())

	err := svc.ProcessSync(context.Background(), domain.MailboxSyncPayload{MailboxAddress: "a@example.com"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"msg-2"}, client.markRead)
	assert.Equal(t, "f.pdf", q.snapshot()[0].Filename)
}

func TestProcessSync_ClientUnavailable_IsSoftNoOp(t *testing.T) {
	userID := uuid.New()
	user := &domain.User{ID: userID, Email: "a@example.com", MailboxConnected: true}
	users := &fakeUsers{byEmail: map[string]*domain.User{"a@example.com": user}}
	svc := NewService(users, &fakeFactory{err: out.ErrNotConnected}, newFakeProcessed(), &fakeQueue{}, newFakeLock(), zerolog.Nop())

	err := svc.ProcessSync(context.Background(), domain.MailboxSyncPayload{MailboxAddress: "a@example.com"})

	assert.NoError(t, err)
}
