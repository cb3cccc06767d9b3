package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/dimm/internal/idgen"
	"github.com/mbd888/dimm/internal/ledger"
	"github.com/mbd888/dimm/internal/logging"
	"github.com/mbd888/dimm/internal/validation"
	"github.com/mbd888/dimm/internal/vault"
)

const maxHistory = 100

// balanceHandler exposes the settlement ledger that backs owner and agent
// balances.
type balanceHandler struct {
	ledger *ledger.Ledger
}

func newBalanceHandler(l *ledger.Ledger) *balanceHandler {
	return &balanceHandler{ledger: l}
}

// GetBalance handles GET /v1/balances/:address
func (h *balanceHandler) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()
	addr := common.HexToAddress(c.Param("address"))

	bal, err := h.ledger.GetBalance(ctx, addr)
	if err != nil {
		h.internal(c, err)
		return
	}

	limit := 20
	if raw := c.Query("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "history must be a non-negative integer"})
			return
		}
		limit = min(n, maxHistory)
	}
	entries := []*ledger.Entry{}
	if limit > 0 {
		if entries, err = h.ledger.History(ctx, addr, limit); err != nil {
			h.internal(c, err)
			return
		}
		if entries == nil {
			entries = []*ledger.Entry{}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   bal.Address,
		"available": strconv.FormatUint(bal.Available, 10),
		"totalIn":   strconv.FormatUint(bal.TotalIn, 10),
		"totalOut":  strconv.FormatUint(bal.TotalOut, 10),
		"history":   entries,
	})
}

type depositRequest struct {
	Amount string `json:"amount"`
	TxRef  string `json:"txRef"`
}

// Deposit handles POST /v1/dev/deposits, crediting the caller.
func (h *balanceHandler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("txRef", req.TxRef, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	if req.TxRef == "" {
		req.TxRef = idgen.WithPrefix("dep_")
	}

	addr := common.HexToAddress(c.GetHeader(vault.CallerHeader))
	amount, _ := strconv.ParseUint(req.Amount, 10, 64)
	if err := h.ledger.Deposit(c.Request.Context(), addr, amount, req.TxRef); err != nil {
		if errors.Is(err, ledger.ErrDuplicateDeposit) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_deposit", "message": err.Error()})
			return
		}
		h.internal(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("deposit credited", "address", addr.Hex(), "amount", amount, "tx_ref", req.TxRef)
	c.JSON(http.StatusCreated, gin.H{"address": addr, "amount": req.Amount, "txRef": req.TxRef})
}

func (h *balanceHandler) internal(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("ledger request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
}
