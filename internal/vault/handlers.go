package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/logging"
	"github.com/mbd888/dimm/internal/ratelimit"
	"github.com/mbd888/dimm/internal/validation"
	"github.com/mbd888/dimm/internal/whitelist"
)

// CallerHeader names the identity an upstream gateway has authenticated.
const CallerHeader = "X-Caller-Address"

const callerKey = "callerAddr"

// Handler provides HTTP endpoints for the vault.
type Handler struct {
	service *Service
}

// NewHandler creates a new vault handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	agents := r.Group("/agents/:address", validation.AddressParamMiddleware())
	agents.GET("", h.GetAgent)
	agents.GET("/stats", h.GetStats)
	agents.GET("/rate-limit", h.GetRateLimit)
	agents.GET("/activity", h.ListActivity)
	agents.GET("/delegation", h.GetDelegation)
	agents.GET("/whitelist", h.GetWhitelist)

	r.GET("/owners/:owner/agents", validation.AddressParamMiddleware("owner"), h.ListAgents)
	r.GET("/treasury", h.GetTreasury)
	r.GET("/treasury/fee", h.QuoteFee)
	r.GET("/protocol/emergency", h.GetEmergency)
	r.GET("/protocol/whitelist", h.GetProtocolWhitelist)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.Use(RequireCaller())
	r.POST("/agents", h.CreateAgent)

	agents := r.Group("/agents/:address", validation.AddressParamMiddleware())
	agents.POST("/fund", h.FundAgent)
	agents.POST("/request-funds", h.RequestFunds)
	agents.POST("/transactions", h.ExecuteTransaction)
	agents.PUT("/permissions", h.UpdatePermissions)
	agents.PUT("/limits", h.UpdateLimits)
	agents.PUT("/rate-limit", h.SetRateLimits)
	agents.POST("/revoke", h.RevokeAgent)
	agents.POST("/withdraw", h.WithdrawFromAgent)
	agents.POST("/activity", h.RecordActivity)
	agents.POST("/delegation", h.CreateDelegation)
	agents.DELETE("/delegation", h.RevokeDelegation)
	agents.PUT("/whitelist", h.ConfigureWhitelist)
	agents.POST("/whitelist/addresses", h.AddWhitelistAddress)
	agents.DELETE("/whitelist/addresses/:entry", validation.AddressParamMiddleware("entry"), h.RemoveWhitelistAddress)

	r.PUT("/protocol/whitelist", h.ConfigureWhitelist)
	r.POST("/protocol/whitelist/addresses", h.AddWhitelistAddress)
	r.DELETE("/protocol/whitelist/addresses/:entry", validation.AddressParamMiddleware("entry"), h.RemoveWhitelistAddress)
	r.POST("/protocol/pause", h.Pause)
	r.POST("/protocol/unpause", h.Unpause)
}

// RequireCaller rejects requests without a well-formed caller identity.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(CallerHeader)
		if !validation.IsValidAddress(raw) || common.HexToAddress(raw) == (common.Address{}) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_caller",
				"message": CallerHeader + " must carry the caller's address",
			})
			return
		}
		c.Set(callerKey, common.HexToAddress(raw))
		c.Next()
	}
}

func caller(c *gin.Context) common.Address {
	addr, _ := c.Get(callerKey)
	a, _ := addr.(common.Address)
	return a
}

// subject is the agent in the path, or the protocol-wide list holder on
// /protocol routes.
func subject(c *gin.Context) common.Address {
	if raw := c.Param("address"); raw != "" {
		return common.HexToAddress(raw)
	}
	return whitelist.Protocol
}

func parseAmount(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseOptionalAmount(s *string) *uint64 {
	if s == nil {
		return nil
	}
	v := parseAmount(*s)
	return &v
}

func parseOptionalAddress(s string) *common.Address {
	if s == "" {
		return nil
	}
	a := common.HexToAddress(s)
	return &a
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch agent.KindOf(err) {
	case agent.KindValidation:
		return http.StatusBadRequest
	case agent.KindAuthorization:
		return http.StatusForbidden
	case agent.KindQuota:
		if errors.Is(err, agent.ErrRateLimited) {
			return http.StatusTooManyRequests
		}
		return http.StatusUnprocessableEntity
	case agent.KindResource:
		return http.StatusUnprocessableEntity
	case agent.KindNotFound:
		return http.StatusNotFound
	case agent.KindConflict:
		return http.StatusConflict
	case agent.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	code := agent.CodeOf(err)
	message := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		code, message = "request_canceled", "request canceled before it could be processed"
	case code == "":
		logging.L(c.Request.Context()).Error("vault request failed", "path", c.FullPath(), "error", err)
		code, message = "internal_error", "internal error"
	case status == http.StatusBadGateway:
		// Settlement details stay in the logs.
		logging.L(c.Request.Context()).Warn("settlement failed", "path", c.FullPath(), "error", err)
		message = "transfer could not be completed"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}

// --- agents ---

type createAgentRequest struct {
	Name        string             `json:"name"`
	Permissions []agent.Permission `json:"permissions"`
	MaxPerTx    string             `json:"maxPerTx"`
	DailyLimit  string             `json:"dailyLimit"`
}

// CreateAgent handles POST /v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("name", req.Name, agent.MaxNameLength),
		validation.ValidUint("maxPerTx", req.MaxPerTx),
		validation.ValidUint("dailyLimit", req.DailyLimit),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	acct, err := h.service.CreateAgent(c.Request.Context(), CreateAgentRequest{
		Owner:       caller(c),
		Name:        req.Name,
		Permissions: req.Permissions,
		MaxPerTx:    parseAmount(req.MaxPerTx),
		DailyLimit:  parseAmount(req.DailyLimit),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": acct})
}

// GetAgent handles GET /v1/agents/:address
func (h *Handler) GetAgent(c *gin.Context) {
	acct, err := h.service.GetAgent(c.Request.Context(), subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": acct})
}

// ListAgents handles GET /v1/owners/:owner/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.service.ListAgents(c.Request.Context(), common.HexToAddress(c.Param("owner")))
	if err != nil {
		writeError(c, err)
		return
	}
	if agents == nil {
		agents = []*agent.Account{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

type amountRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) bindAmount(c *gin.Context) (amountRequest, bool) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return req, false
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("reason", req.Reason, agent.MaxReasonLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return req, false
	}
	return req, true
}

// FundAgent handles POST /v1/agents/:address/fund
func (h *Handler) FundAgent(c *gin.Context) {
	req, ok := h.bindAmount(c)
	if !ok {
		return
	}
	rec, err := h.service.FundAgent(c.Request.Context(), caller(c), subject(c), parseAmount(req.Amount))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": rec})
}

// RequestFunds handles POST /v1/agents/:address/request-funds
func (h *Handler) RequestFunds(c *gin.Context) {
	req, ok := h.bindAmount(c)
	if !ok {
		return
	}
	rec, err := h.service.RequestFunds(c.Request.Context(), caller(c), subject(c), parseAmount(req.Amount), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": rec})
}

// WithdrawFromAgent handles POST /v1/agents/:address/withdraw
func (h *Handler) WithdrawFromAgent(c *gin.Context) {
	req, ok := h.bindAmount(c)
	if !ok {
		return
	}
	rec, err := h.service.WithdrawFromAgent(c.Request.Context(), caller(c), subject(c), parseAmount(req.Amount))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": rec})
}

type executeRequest struct {
	Category    agent.Category `json:"category"`
	Amount      string         `json:"amount"`
	Destination string         `json:"destination"`
	ExtraData   string         `json:"extraData"`
	Memo        string         `json:"memo"`
}

// ExecuteTransaction handles POST /v1/agents/:address/transactions. Only
// the agent itself may spend.
func (h *Handler) ExecuteTransaction(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("category", string(req.Category)),
		validation.ValidUint("amount", req.Amount),
		validation.ValidAddress("destination", req.Destination),
		validation.ValidHex("extraData", req.ExtraData),
		validation.MaxLength("memo", req.Memo, agent.MaxReasonLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	addr := subject(c)
	if caller(c) != addr {
		writeError(c, agent.ErrUnauthorized)
		return
	}
	extra, _ := hex.DecodeString(strings.TrimPrefix(req.ExtraData, "0x"))

	rcpt, err := h.service.ExecuteTransaction(c.Request.Context(), ExecuteRequest{
		Agent:       addr,
		Category:    req.Category,
		Amount:      parseAmount(req.Amount),
		Destination: parseOptionalAddress(req.Destination),
		ExtraData:   extra,
		Memo:        req.Memo,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": rcpt})
}

type permissionsRequest struct {
	Permissions []agent.Permission `json:"permissions"`
}

// UpdatePermissions handles PUT /v1/agents/:address/permissions
func (h *Handler) UpdatePermissions(c *gin.Context) {
	var req permissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	acct, err := h.service.UpdatePermissions(c.Request.Context(), caller(c), subject(c), req.Permissions)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": acct})
}

type limitsRequest struct {
	MaxPerTx   *string `json:"maxPerTx"`
	DailyLimit *string `json:"dailyLimit"`
}

// UpdateLimits handles PUT /v1/agents/:address/limits. Omitted fields keep
// their current value.
func (h *Handler) UpdateLimits(c *gin.Context) {
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	var checks []func() *validation.ValidationError
	if req.MaxPerTx != nil {
		checks = append(checks, validation.Required("maxPerTx", *req.MaxPerTx), validation.ValidUint("maxPerTx", *req.MaxPerTx))
	}
	if req.DailyLimit != nil {
		checks = append(checks, validation.Required("dailyLimit", *req.DailyLimit), validation.ValidUint("dailyLimit", *req.DailyLimit))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	acct, err := h.service.UpdateLimits(c.Request.Context(), caller(c), subject(c),
		parseOptionalAmount(req.MaxPerTx), parseOptionalAmount(req.DailyLimit))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": acct})
}

type rateLimitRequest struct {
	MaxPerMinute    uint32 `json:"maxPerMinute"`
	MaxPerHour      uint32 `json:"maxPerHour"`
	CooldownSeconds int64  `json:"cooldownSeconds"`
}

// SetRateLimits handles PUT /v1/agents/:address/rate-limit
func (h *Handler) SetRateLimits(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	state, err := h.service.SetRateLimits(c.Request.Context(), caller(c), subject(c), ratelimit.Limits{
		MaxPerMinute: req.MaxPerMinute,
		MaxPerHour:   req.MaxPerHour,
		Cooldown:     time.Duration(req.CooldownSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rateLimit": state})
}

// RevokeAgent handles POST /v1/agents/:address/revoke
func (h *Handler) RevokeAgent(c *gin.Context) {
	acct, err := h.service.RevokeAgent(c.Request.Context(), caller(c), subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": acct})
}

// GetStats handles GET /v1/agents/:address/stats
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.service.GetStats(c.Request.Context(), subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

// GetRateLimit handles GET /v1/agents/:address/rate-limit
func (h *Handler) GetRateLimit(c *gin.Context) {
	state, err := h.service.GetRateLimit(c.Request.Context(), subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rateLimit": state})
}

// --- activity ---

type recordActivityRequest struct {
	Category    agent.Category `json:"category"`
	Amount      string         `json:"amount"`
	Destination string         `json:"destination"`
	Reason      string         `json:"reason"`
	TxRef       string         `json:"txRef"`
	Success     bool           `json:"success"`
	FailureCode string         `json:"failureCode"`
}

// RecordActivity handles POST /v1/agents/:address/activity. The agent or
// its owner may report.
func (h *Handler) RecordActivity(c *gin.Context) {
	var req recordActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("category", string(req.Category)),
		validation.ValidUint("amount", req.Amount),
		validation.ValidAddress("destination", req.Destination),
		validation.MaxLength("reason", req.Reason, agent.MaxReasonLength),
		validation.MaxLength("txRef", req.TxRef, 128),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	addr := subject(c)
	acct, err := h.service.GetAgent(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	if who := caller(c); who != addr && who != acct.Owner {
		writeError(c, agent.ErrUnauthorized)
		return
	}

	rec, err := h.service.RecordActivity(c.Request.Context(), RecordActivityRequest{
		Agent:       addr,
		Category:    req.Category,
		Amount:      parseAmount(req.Amount),
		Destination: parseOptionalAddress(req.Destination),
		Reason:      req.Reason,
		TxRef:       req.TxRef,
		Success:     req.Success,
		FailureCode: req.FailureCode,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"activity": rec})
}

// ListActivity handles GET /v1/agents/:address/activity. Pass the
// returned nextCursor as ?cursor= to fetch older records.
func (h *Handler) ListActivity(c *gin.Context) {
	limit := DefaultActivityPage
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, MaxActivityPage)
		}
	}
	page, err := h.service.ActivityPage(c.Request.Context(), subject(c), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	recs := page.Items
	if recs == nil {
		recs = []*activity.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"activity":   recs,
		"count":      len(recs),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// --- delegations ---

type delegationRequest struct {
	Parent      string             `json:"parent"`
	Permissions []agent.Permission `json:"permissions"`
	MaxPerTx    string             `json:"maxPerTx"`
	DailyLimit  string             `json:"dailyLimit"`
	ExpiresAt   *time.Time         `json:"expiresAt"`
}

// CreateDelegation handles POST /v1/agents/:address/delegation, where
// :address is the sub-agent.
func (h *Handler) CreateDelegation(c *gin.Context) {
	var req delegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("parent", req.Parent),
		validation.ValidAddress("parent", req.Parent),
		validation.Required("maxPerTx", req.MaxPerTx),
		validation.ValidUint("maxPerTx", req.MaxPerTx),
		validation.Required("dailyLimit", req.DailyLimit),
		validation.ValidUint("dailyLimit", req.DailyLimit),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	var expires time.Time
	if req.ExpiresAt != nil {
		expires = *req.ExpiresAt
	}

	d, err := h.service.CreateDelegation(c.Request.Context(), CreateDelegationRequest{
		Owner:       caller(c),
		Parent:      common.HexToAddress(req.Parent),
		SubAgent:    subject(c),
		Permissions: req.Permissions,
		MaxPerTx:    parseAmount(req.MaxPerTx),
		DailyLimit:  parseAmount(req.DailyLimit),
		ExpiresAt:   expires,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"delegation": d})
}

// RevokeDelegation handles DELETE /v1/agents/:address/delegation
func (h *Handler) RevokeDelegation(c *gin.Context) {
	d, err := h.service.RevokeDelegation(c.Request.Context(), caller(c), subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delegation": d})
}

// GetDelegation handles GET /v1/agents/:address/delegation
func (h *Handler) GetDelegation(c *gin.Context) {
	d, err := h.service.GetDelegation(c.Request.Context(), subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delegation": d})
}

// --- whitelists ---

type whitelistRequest struct {
	Type      whitelist.Type `json:"type"`
	Enabled   *bool          `json:"enabled"`
	Addresses []string       `json:"addresses"`
}

// ConfigureWhitelist handles PUT /v1/agents/:address/whitelist and
// PUT /v1/protocol/whitelist
func (h *Handler) ConfigureWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	checks := []func() *validation.ValidationError{validation.Required("type", string(req.Type))}
	addrs := make([]common.Address, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		checks = append(checks, validation.Required("addresses", a), validation.ValidAddress("addresses", a))
		addrs = append(addrs, common.HexToAddress(a))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	w, err := h.service.ConfigureWhitelist(c.Request.Context(), caller(c), subject(c), WhitelistConfig{
		Type:      req.Type,
		Enabled:   enabled,
		Addresses: addrs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": w})
}

type whitelistEntryRequest struct {
	Address string `json:"address"`
}

// AddWhitelistAddress handles POST .../whitelist/addresses
func (h *Handler) AddWhitelistAddress(c *gin.Context) {
	var req whitelistEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("address", req.Address),
		validation.ValidAddress("address", req.Address),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	w, err := h.service.AddWhitelistAddress(c.Request.Context(), caller(c), subject(c), common.HexToAddress(req.Address))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": w})
}

// RemoveWhitelistAddress handles DELETE .../whitelist/addresses/:entry
func (h *Handler) RemoveWhitelistAddress(c *gin.Context) {
	w, err := h.service.RemoveWhitelistAddress(c.Request.Context(), caller(c), subject(c), common.HexToAddress(c.Param("entry")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": w})
}

// GetWhitelist handles GET /v1/agents/:address/whitelist
func (h *Handler) GetWhitelist(c *gin.Context) {
	w, err := h.service.GetWhitelist(c.Request.Context(), subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": w})
}

// GetProtocolWhitelist handles GET /v1/protocol/whitelist
func (h *Handler) GetProtocolWhitelist(c *gin.Context) {
	h.GetWhitelist(c)
}

// --- protocol ---

type pauseRequest struct {
	Reason string `json:"reason"`
}

// Pause handles POST /v1/protocol/pause
func (h *Handler) Pause(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	em, err := h.service.Pause(c.Request.Context(), caller(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency": em})
}

// Unpause handles POST /v1/protocol/unpause
func (h *Handler) Unpause(c *gin.Context) {
	em, err := h.service.Unpause(c.Request.Context(), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency": em})
}

// GetEmergency handles GET /v1/protocol/emergency
func (h *Handler) GetEmergency(c *gin.Context) {
	em, err := h.service.Emergency(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency": em})
}

// GetTreasury handles GET /v1/treasury
func (h *Handler) GetTreasury(c *gin.Context) {
	t, err := h.service.Treasury(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"treasury": t})
}

// QuoteFee handles GET /v1/treasury/fee?amount=N
func (h *Handler) QuoteFee(c *gin.Context) {
	amount := c.Query("amount")
	if errs := validation.Validate(
		validation.Required("amount", amount),
		validation.ValidAmount("amount", amount),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	fee, err := h.service.QuoteFee(c.Request.Context(), parseAmount(amount))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": amount, "fee": strconv.FormatUint(fee, 10)})
}
