package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"worker_server/adapter/out/provider/gmail"
	"worker_server/core/domain"
	"worker_server/core/port/in"
	"worker_server/pkg/logger"
)

// AuthHandler is the Gmail OAuth connect/callback/disconnect surface and the
// Watch Manager admin surface (spec §6 auth/gmail/*, gmail/watch/*).
type AuthHandler struct {
	gmail       *gmail.GmailClientFactory
	watches     in.WatchService
	users       domain.UserRepository
	frontendURL string
}

func NewAuthHandler(gmailFactory *gmail.GmailClientFactory, watches in.WatchService, users domain.UserRepository, frontendURL string) *AuthHandler {
	return &AuthHandler{gmail: gmailFactory, watches: watches, users: users, frontendURL: frontendURL}
}

func (h *AuthHandler) Register(app fiber.Router) {
	app.Get("/auth/gmail/url", h.AuthURL)
	app.Get("/auth/gmail/callback", h.Callback)
	app.Post("/auth/gmail/disconnect", h.Disconnect)

	app.Post("/gmail/watch/start", h.WatchStart)
	app.Post("/gmail/watch/stop", h.WatchStop)
	app.Get("/gmail/watch/status", h.WatchStatus)
	app.Post("/gmail/watch/renew-all", h.WatchRenewAll)
	app.Get("/gmail/watch/list", h.WatchList)
}

func (h *AuthHandler) AuthURL(c *fiber.Ctx) error {
	userIDStr := c.Query("userId")
	if userIDStr == "" {
		return ErrorResponse(c, fiber.StatusBadRequest, "userId is required")
	}
	if _, err := uuid.Parse(userIDStr); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "userId is not a valid uuid")
	}

	url := h.gmail.AuthCodeURL(userIDStr)
	return c.JSON(fiber.Map{"url": url})
}

func (h *AuthHandler) Callback(c *fiber.Ctx) error {
	code := c.Query("code")
	state := c.Query("state")

	if code == "" || state == "" {
		return c.Redirect(h.frontendURL + "/settings?gmail=error&reason=missing_code_or_state")
	}

	userID, err := uuid.Parse(state)
	if err != nil {
		return c.Redirect(h.frontendURL + "/settings?gmail=error&reason=invalid_state")
	}

	user, err := h.gmail.CompleteAuth(c.Context(), userID, code)
	if err != nil {
		logger.WithError(err).Error("[AuthHandler.Callback] CompleteAuth failed")
		return c.Redirect(h.frontendURL + "/settings?gmail=error&reason=exchange_failed")
	}

	if _, err := h.watches.StartWatch(c.Context(), user.ID); err != nil {
		logger.WithError(err).Warn("[AuthHandler.Callback] auto-start watch failed")
	}

	return c.Redirect(h.frontendURL + "/settings?gmail=connected")
}

func (h *AuthHandler) Disconnect(c *fiber.Ctx) error {
	var body struct {
		UserID uuid.UUID `json:"userId"`
	}
	if err := c.BodyParser(&body); err != nil || body.UserID == uuid.Nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "userId is required")
	}

	_ = h.watches.StopWatch(c.Context(), body.UserID)

	user, err := h.users.GetByID(c.Context(), body.UserID)
	if err != nil {
		return InternalErrorResponse(c, err, "disconnect")
	}
	if user == nil {
		return ErrorResponse(c, fiber.StatusNotFound, "user not found")
	}
	user.Disconnect()
	if err := h.users.Update(c.Context(), user); err != nil {
		return InternalErrorResponse(c, err, "disconnect")
	}

	return c.JSON(fiber.Map{"success": true})
}

func parseUserIDQuery(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Query("userId"))
}

func parseUserIDBody(c *fiber.Ctx) (uuid.UUID, error) {
	var body struct {
		UserID uuid.UUID `json:"userId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return uuid.Nil, err
	}
	if body.UserID == uuid.Nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "userId is required")
	}
	return body.UserID, nil
}

func (h *AuthHandler) WatchStart(c *fiber.Ctx) error {
	userID, err := parseUserIDBody(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "userId is required")
	}
	expiresAt, err := h.watches.StartWatch(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "watch start")
	}
	return c.JSON(fiber.Map{"success": true, "expiresAt": expiresAt})
}

func (h *AuthHandler) WatchStop(c *fiber.Ctx) error {
	userID, err := parseUserIDBody(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "userId is required")
	}
	if err := h.watches.StopWatch(c.Context(), userID); err != nil {
		return InternalErrorResponse(c, err, "watch stop")
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *AuthHandler) WatchStatus(c *fiber.Ctx) error {
	userID, err := parseUserIDQuery(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "userId is required")
	}
	user, err := h.watches.Status(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "watch status")
	}

	now := time.Now()
	active := user.WatchActive(now)
	resp := fiber.Map{"active": active, "cursor": user.MailboxCursor, "expiresAt": user.WatchExpiry}
	if user.WatchExpiry != nil {
		resp["humanDelta"] = user.WatchExpiry.Sub(now).Round(time.Second).String()
	}
	return c.JSON(resp)
}

func (h *AuthHandler) WatchRenewAll(c *fiber.Ctx) error {
	renewed, failed, err := h.watches.RenewExpiring(c.Context(), 48*time.Hour)
	if err != nil {
		return InternalErrorResponse(c, err, "watch renew-all")
	}
	return c.JSON(fiber.Map{"success": true, "renewed": renewed, "failed": failed})
}

func (h *AuthHandler) WatchList(c *fiber.Ctx) error {
	users, err := h.users.ListConnected(c.Context())
	if err != nil {
		return InternalErrorResponse(c, err, "watch list")
	}

	now := time.Now()
	type watchView struct {
		UserID    uuid.UUID  `json:"userId"`
		Email     string     `json:"email"`
		Active    bool       `json:"active"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}
	watches := make([]watchView, 0, len(users))
	for _, u := range users {
		watches = append(watches, watchView{UserID: u.ID, Email: u.Email, Active: u.WatchActive(now), ExpiresAt: u.WatchExpiry})
	}
	return c.JSON(fiber.Map{"count": len(watches), "watches": watches})
}
