package http

import (
	"encoding/base64"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"worker_server/core/port/in"
	"worker_server/pkg/logger"
	"worker_server/pkg/metrics"
)

// WebhookMetrics tracks push-notification handling outcomes for the
// operator metrics endpoint.
type WebhookMetrics struct {
	Processed int64
	Malformed int64
}

// WebhookHandler is the Notification Webhook's HTTP entrypoint (C8, spec
// §4.8). It always responds 200: a malformed payload or a downstream queue
// failure must never cause the provider to retry forever.
type WebhookHandler struct {
	webhooks in.WebhookService
	metrics  WebhookMetrics
}

func NewWebhookHandler(webhooks in.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

func (h *WebhookHandler) Register(app *fiber.App) {
	app.Post("/webhook/gmail", h.GmailWebhook)
	app.Post("/api/webhook/gmail", h.GmailWebhook)
}

func (h *WebhookHandler) GetMetrics() WebhookMetrics {
	return WebhookMetrics{
		Processed: atomic.LoadInt64(&h.metrics.Processed),
		Malformed: atomic.LoadInt64(&h.metrics.Malformed),
	}
}

// gmailPushEnvelope is the outer Pub/Sub push wrapper Gmail delivers.
type gmailPushEnvelope struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

// gmailPushData is the base64-decoded inner payload.
type gmailPushData struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// GmailWebhook decodes one push envelope and hands it to the webhook
// service, which enqueues the mailbox-sync job (spec §4.8 steps 1-2).
func (h *WebhookHandler) GmailWebhook(c *fiber.Ctx) error {
	start := time.Now()
	defer func() { metrics.RecordLatency("webhook", time.Since(start)) }()

	var envelope gmailPushEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		logger.WithError(err).Warn("[GmailWebhook] failed to parse push envelope")
		atomic.AddInt64(&h.metrics.Malformed, 1)
		return c.SendStatus(fiber.StatusOK)
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		logger.WithError(err).Warn("[GmailWebhook] failed to decode push data")
		atomic.AddInt64(&h.metrics.Malformed, 1)
		return c.SendStatus(fiber.StatusOK)
	}

	var data gmailPushData
	if err := json.Unmarshal(raw, &data); err != nil {
		logger.WithError(err).Warn("[GmailWebhook] failed to unmarshal push data")
		atomic.AddInt64(&h.metrics.Malformed, 1)
		return c.SendStatus(fiber.StatusOK)
	}

	logger.Info("[GmailWebhook] received: email=%s, historyId=%d", data.EmailAddress, data.HistoryID)
	atomic.AddInt64(&h.metrics.Processed, 1)

	notification := in.GmailPushNotification{
		EmailAddress: data.EmailAddress,
		HistoryID:    strconv.FormatUint(data.HistoryID, 10),
	}
	if err := h.webhooks.HandleGmailPush(c.Context(), notification); err != nil {
		logger.WithError(err).Error("[GmailWebhook] handler failed despite always-200 contract")
	}
	return c.SendStatus(fiber.StatusOK)
}
