package mcpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/ledger"
	"github.com/mbd888/dimm/internal/registry"
	"github.com/mbd888/dimm/internal/treasury"
	"github.com/mbd888/dimm/internal/vault"
)

var (
	ownerAddr = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	destAddr  = common.HexToAddress("0x0000000000000000000000000000000000000d01")
)

// --- Test helpers ---

type testEnv struct {
	svc   *vault.Service
	agent common.Address
	h     *Handlers
}

// newTestEnv serves a real vault API and returns handlers acting as a
// freshly created, funded agent.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	bank := ledger.New(ledger.NewMemoryStore())
	cfg := vault.DefaultConfig()
	cfg.Treasury = &treasury.Treasury{FeeBps: 50}
	svc := vault.NewService(vault.NewMemoryStore(), registry.New(registry.NewMemoryStore()), bank, cfg)
	require.NoError(t, svc.Init(ctx))
	require.NoError(t, bank.Deposit(ctx, ownerAddr, 100_000_000, "seed"))

	acct, err := svc.CreateAgent(ctx, vault.CreateAgentRequest{
		Owner:       ownerAddr,
		Name:        "researcher",
		Permissions: []agent.Permission{agent.PermTransfer},
		MaxPerTx:    2_000_000,
		DailyLimit:  3_000_000,
	})
	require.NoError(t, err)
	_, err = svc.FundAgent(ctx, ownerAddr, acct.Address, 20_000_000)
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/v1")
	handler := vault.NewHandler(svc)
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1.Group(""))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	cfgMCP := Config{APIURL: ts.URL, AgentAddress: acct.Address}
	return &testEnv{
		svc:   svc,
		agent: acct.Address,
		h:     NewHandlers(NewClient(cfgMCP), acct.Address),
	}
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsCallerHeader(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(vault.CallerHeader)
		_, _ = w.Write([]byte(`{"fee":"0"}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AgentAddress: destAddr})
	_, err := client.QuoteFee(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, destAddr.Hex(), got)
}

func TestClient_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"daily_limit_exceeded","message":"daily limit exceeded"}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AgentAddress: destAddr})
	_, err := client.GetAgent(context.Background(), destAddr)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "daily_limit_exceeded", apiErr.Code)
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AgentAddress: destAddr})
	_, err := client.GetStats(context.Background(), destAddr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleExecuteTransaction(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.h.HandleExecuteTransaction(context.Background(), makeRequest(map[string]any{
		"category":    "transfer",
		"amount":      "1000000",
		"destination": destAddr.Hex(),
		"memo":        "api credits",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	text := resultText(t, result)
	assert.Contains(t, text, "Transaction executed.")
	assert.Contains(t, text, "Fee: 5000")
	assert.Contains(t, text, "Spent today: 1000000 of 3000000")

	acct, err := env.svc.GetAgent(context.Background(), env.agent)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), acct.SpentToday)
}

func TestHandleExecuteTransaction_RejectionChangesNothing(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.h.HandleExecuteTransaction(context.Background(), makeRequest(map[string]any{
		"category":    "transfer",
		"amount":      "2500000",
		"destination": destAddr.Hex(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Transaction rejected")

	acct, err := env.svc.GetAgent(context.Background(), env.agent)
	require.NoError(t, err)
	assert.Zero(t, acct.SpentToday)
}

func TestHandleExecuteTransaction_InputValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"unknown category", map[string]any{"category": "bribe", "amount": "1"}, "unknown category"},
		{"missing amount", map[string]any{"category": "transfer"}, "amount is required"},
		{"fractional amount", map[string]any{"category": "transfer", "amount": "1.5"}, "whole number"},
		{"bad destination", map[string]any{"category": "transfer", "amount": "1", "destination": "bob"}, "destination"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := env.h.HandleExecuteTransaction(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleRecordActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.h.HandleRecordActivity(ctx, makeRequest(map[string]any{
		"category": "swap",
		"amount":   "750",
		"reason":   "dex fill",
		"tx_ref":   "sig-1",
		"success":  false,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Recorded swap of 750")

	st, err := env.svc.GetStats(ctx, env.agent)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.FailedTransactions)

	result, err = env.h.HandleRecordActivity(ctx, makeRequest(map[string]any{"category": "swap"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetAgent(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.h.HandleGetAgent(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Agent: researcher")
	assert.Contains(t, text, "Permissions: transfer")
	assert.Contains(t, text, "Status: active")

	result, err = env.h.HandleGetAgent(context.Background(), makeRequest(map[string]any{
		"agent_address": destAddr.Hex(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not_found")
}

func TestHandleGetStatsAndActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.h.HandleExecuteTransaction(ctx, makeRequest(map[string]any{
		"category":    "transfer",
		"amount":      "1500000",
		"destination": destAddr.Hex(),
	}))
	require.NoError(t, err)

	result, err := env.h.HandleGetStats(ctx, makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Successful: 1")
	assert.Contains(t, text, "Largest: 1500000")

	result, err = env.h.HandleListActivity(ctx, makeRequest(map[string]any{"limit": float64(5)}))
	require.NoError(t, err)
	text = resultText(t, result)
	assert.Contains(t, text, "transfer 1500000 [ok]")
	assert.Contains(t, text, destAddr.Hex())
}

func TestHandleQuoteFee(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.h.HandleQuoteFee(context.Background(), makeRequest(map[string]any{"amount": "1000000"}))
	require.NoError(t, err)
	assert.Equal(t, "Fee for 1000000: 5000", resultText(t, result))
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:0", AgentAddress: destAddr})
	require.NotNil(t, s)
}
