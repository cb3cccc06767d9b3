package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/stats"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	self   common.Address
}

// NewHandlers creates a new Handlers instance acting as self.
func NewHandlers(client *Client, self common.Address) *Handlers {
	return &Handlers{client: client, self: self}
}

// HandleExecuteTransaction spends from the agent's account.
func (h *Handlers) HandleExecuteTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category := agent.Category(req.GetString("category", ""))
	if !category.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown category %q", category)), nil
	}
	amount, err := requiredAmount(req, "amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in := TransactionInput{Category: category, Amount: amount, Memo: req.GetString("memo", "")}
	if dest := req.GetString("destination", ""); dest != "" {
		if !common.IsHexAddress(dest) {
			return mcp.NewToolResultError("destination must be a 0x-prefixed address"), nil
		}
		addr := common.HexToAddress(dest)
		in.Destination = &addr
	}

	rcpt, err := h.client.ExecuteTransaction(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Transaction rejected: %v", describe(err))), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction executed.\n")
	fmt.Fprintf(&sb, "Category: %s\n", category)
	fmt.Fprintf(&sb, "Amount: %d\n", amount)
	if in.Destination != nil {
		fmt.Fprintf(&sb, "Destination: %s\n", in.Destination.Hex())
	}
	fmt.Fprintf(&sb, "Fee: %d\n", rcpt.Fee)
	if rcpt.TxRef != "" {
		fmt.Fprintf(&sb, "Reference: %s\n", rcpt.TxRef)
	}
	if acct := rcpt.Account; acct != nil {
		fmt.Fprintf(&sb, "Spent today: %d of %d\n", acct.SpentToday, acct.DailyLimit)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecordActivity reports an off-vault action.
func (h *Handlers) HandleRecordActivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category := agent.Category(req.GetString("category", ""))
	if !category.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown category %q", category)), nil
	}
	amount, err := requiredAmount(req, "amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in := ActivityInput{
		Category: category,
		Amount:   amount,
		Reason:   req.GetString("reason", ""),
		TxRef:    req.GetString("tx_ref", ""),
		Success:  req.GetBool("success", true),
	}
	if dest := req.GetString("destination", ""); dest != "" {
		if !common.IsHexAddress(dest) {
			return mcp.NewToolResultError("destination must be a 0x-prefixed address"), nil
		}
		addr := common.HexToAddress(dest)
		in.Destination = &addr
	}

	rec, err := h.client.RecordActivity(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record activity: %v", describe(err))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Recorded %s of %d (ID: %s).", category, amount, rec.ID)), nil
}

// HandleGetAgent shows an agent's account.
func (h *Handlers) HandleGetAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, err := h.target(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	acct, err := h.client.GetAgent(ctx, addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent: %v", describe(err))), nil
	}
	return mcp.NewToolResultText(formatAccount(acct)), nil
}

// HandleGetStats shows an agent's statistics.
func (h *Handlers) HandleGetStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, err := h.target(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := h.client.GetStats(ctx, addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", describe(err))), nil
	}
	return mcp.NewToolResultText(formatStats(st)), nil
}

// HandleListActivity lists recent activity.
func (h *Handlers) HandleListActivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, err := h.target(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", 20)

	recs, err := h.client.ListActivity(ctx, addr, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list activity: %v", describe(err))), nil
	}
	return mcp.NewToolResultText(formatActivity(recs)), nil
}

// HandleQuoteFee quotes the protocol fee for an amount.
func (h *Handlers) HandleQuoteFee(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount, err := requiredAmount(req, "amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fee, err := h.client.QuoteFee(ctx, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote fee: %v", describe(err))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Fee for %d: %d", amount, fee)), nil
}

// target is the agent_address argument, or the configured agent.
func (h *Handlers) target(req mcp.CallToolRequest) (common.Address, error) {
	raw := req.GetString("agent_address", "")
	if raw == "" {
		return h.self, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("agent_address must be a 0x-prefixed address")
	}
	return common.HexToAddress(raw), nil
}

func requiredAmount(req mcp.CallToolRequest, key string) (uint64, error) {
	raw := req.GetString(key, "")
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a whole number of base units", key)
	}
	return v, nil
}

// describe keeps API rejections short: the server's code and message.
func describe(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return fmt.Sprintf("%s (%s)", apiErr.Message, apiErr.Code)
	}
	return err.Error()
}

// --- Formatting helpers ---

func formatAccount(a *agent.Account) string {
	if a == nil {
		return "Agent not found."
	}
	var sb strings.Builder
	name := a.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(&sb, "Agent: %s (%s)\n", name, a.Address.Hex())
	fmt.Fprintf(&sb, "Owner: %s\n", a.Owner.Hex())
	if a.Revoked {
		sb.WriteString("Status: REVOKED\n")
	} else {
		sb.WriteString("Status: active\n")
	}
	perms := a.Permissions.Slice()
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	fmt.Fprintf(&sb, "Permissions: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&sb, "Max per transaction: %d\n", a.MaxPerTx)
	fmt.Fprintf(&sb, "Spent today: %d of %d\n", a.SpentToday, a.DailyLimit)
	fmt.Fprintf(&sb, "Total spent: %d over %d transaction(s)\n", a.TotalSpent, a.TotalTransactions)
	return sb.String()
}

func formatStats(s *stats.Stats) string {
	if s == nil {
		return "No statistics recorded."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Stats for %s\n", s.Agent.Hex())
	fmt.Fprintf(&sb, "Successful: %d  Failed: %d\n", s.SuccessfulTransactions, s.FailedTransactions)
	fmt.Fprintf(&sb, "Transfers: %d  Swaps: %d  NFT: %d  Staking: %d  Governance: %d  DeFi: %d\n",
		s.TotalTransfers, s.TotalSwaps, s.TotalNFTs, s.TotalStaking, s.TotalGovernance, s.TotalDeFi)
	fmt.Fprintf(&sb, "Average size: %d  Largest: %d\n", s.AvgTransactionSize, s.LargestTransaction)
	fmt.Fprintf(&sb, "Daily limit hits: %d  Per-tx limit hits: %d\n", s.DailyLimitHits, s.TxLimitHits)
	if !s.LastActivity.IsZero() {
		fmt.Fprintf(&sb, "Last activity: %s\n", s.LastActivity.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatActivity(recs []*activity.Record) string {
	if len(recs) == 0 {
		return "No activity recorded."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d record(s):\n\n", len(recs))
	for i, r := range recs {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(&sb, "%d. %s %s %d [%s]", i+1, r.Timestamp.UTC().Format(time.RFC3339), r.Category, r.Amount, status)
		if r.Destination != nil {
			fmt.Fprintf(&sb, " -> %s", r.Destination.Hex())
		}
		sb.WriteString("\n")
		if r.Reason != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Reason)
		}
	}
	return sb.String()
}
