package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/dimm/internal/idgen"
	"github.com/mbd888/dimm/internal/logging"
	"github.com/mbd888/dimm/internal/security"
	"github.com/mbd888/dimm/internal/validation"
	"github.com/mbd888/dimm/internal/vault"
)

const maxURLLength = 2048

// Handler provides HTTP endpoints for managing an owner's webhooks. Routes
// must sit behind vault.RequireCaller.
type Handler struct {
	store    Store
	validate func(ctx context.Context, rawURL string) error
	now      func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store:    store,
		validate: security.ValidateCallbackURL,
		now:      time.Now,
	}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
	r.POST("/webhooks/:id/enable", h.EnableWebhook)
}

func owner(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetHeader(vault.CallerHeader))
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

func (h *Handler) internal(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("webhook request failed", "path", c.FullPath(), "error", err)
	writeError(c, http.StatusInternalServerError, "internal_error", "internal error")
}

type createRequest struct {
	URL    string            `json:"url"`
	Events []vault.EventType `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, maxURLLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	events, err := ValidateEvents(req.Events)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_events", err.Error())
		return
	}
	if err := h.validate(ctx, req.URL); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_url", err.Error())
		return
	}

	who := owner(c)
	existing, err := h.store.ListByOwner(ctx, who)
	if err != nil {
		h.internal(c, err)
		return
	}
	if len(existing) >= MaxSubscriptionsPerOwner {
		writeError(c, http.StatusConflict, "too_many_webhooks", ErrTooMany.Error())
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Owner:     who,
		URL:       req.URL,
		Secret:    idgen.Secret(),
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		h.internal(c, err)
		return
	}

	logging.L(ctx).Info("webhook registered", "subscription", sub.ID, "owner", who.Hex(), "events", len(events))
	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret, // shown once
		"usage": gin.H{
			"signature": "hex HMAC-SHA256 of the raw body keyed by secret",
			"header":    SignatureHeader,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), owner(c))
	if err != nil {
		h.internal(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// owned loads the subscription in the path if the caller owns it. Other
// owners' subscriptions read as missing.
func (h *Handler) owned(c *gin.Context) (*Subscription, bool) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) || (err == nil && sub.Owner != owner(c)) {
		writeError(c, http.StatusNotFound, "not_found", ErrNotFound.Error())
		return nil, false
	}
	if err != nil {
		h.internal(c, err)
		return nil, false
	}
	return sub, true
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil && !errors.Is(err, ErrNotFound) {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": sub.ID})
}

// EnableWebhook handles POST /v1/webhooks/:id/enable, re-activating a
// subscription disabled by delivery failures.
func (h *Handler) EnableWebhook(c *gin.Context) {
	sub, ok := h.owned(c)
	if !ok {
		return
	}
	sub.Active = true
	sub.ConsecutiveFailures = 0
	if err := h.store.Update(c.Request.Context(), sub); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}
