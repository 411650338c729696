// Package in defines inbound ports: the interfaces adapters (HTTP handlers,
// schedulers) call into the core services through.
package in

import "context"

// GmailPushNotification is the decoded body of a Gmail pub/sub push
// message delivered to the webhook (spec §4.8).
type GmailPushNotification struct {
	EmailAddress string
	HistoryID    string
}

// WebhookService handles inbound mailbox-change push notifications. It
// always resolves without propagating provider or queue errors to the
// caller — the handler returns HTTP 200 regardless (spec §4.8).
type WebhookService interface {
	HandleGmailPush(ctx context.Context, notification GmailPushNotification) error
}
