package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/agent"
	"github.com/mbd888/dimm/internal/stats"
	"github.com/mbd888/dimm/internal/vault"
)

// Config holds the configuration for connecting to a dimm API server.
type Config struct {
	APIURL       string         // Base URL, e.g. "http://localhost:8080"
	AgentAddress common.Address // identity sent as the caller on every request
}

// Client is an HTTP client for the vault API, acting as one agent.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// do sends a request and decodes a successful JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(vault.CallerHeader, c.cfg.AgentAddress.Hex())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func agentPath(addr common.Address, suffix string) string {
	return "/v1/agents/" + addr.Hex() + suffix
}

// TransactionInput is what an agent asks to spend.
type TransactionInput struct {
	Category    agent.Category
	Amount      uint64
	Destination *common.Address
	Memo        string
}

// ExecuteTransaction spends from the configured agent's own account.
func (c *Client) ExecuteTransaction(ctx context.Context, in TransactionInput) (*vault.Receipt, error) {
	body := map[string]string{
		"category": string(in.Category),
		"amount":   strconv.FormatUint(in.Amount, 10),
		"memo":     in.Memo,
	}
	if in.Destination != nil {
		body["destination"] = in.Destination.Hex()
	}
	var out struct {
		Receipt *vault.Receipt `json:"receipt"`
	}
	if err := c.do(ctx, http.MethodPost, agentPath(c.cfg.AgentAddress, "/transactions"), nil, body, &out); err != nil {
		return nil, err
	}
	return out.Receipt, nil
}

// ActivityInput is an off-vault action the agent reports.
type ActivityInput struct {
	Category    agent.Category
	Amount      uint64
	Destination *common.Address
	Reason      string
	TxRef       string
	Success     bool
}

// RecordActivity appends to the configured agent's activity log.
func (c *Client) RecordActivity(ctx context.Context, in ActivityInput) (*activity.Record, error) {
	body := map[string]any{
		"category": string(in.Category),
		"amount":   strconv.FormatUint(in.Amount, 10),
		"reason":   in.Reason,
		"txRef":    in.TxRef,
		"success":  in.Success,
	}
	if in.Destination != nil {
		body["destination"] = in.Destination.Hex()
	}
	var out struct {
		Activity *activity.Record `json:"activity"`
	}
	if err := c.do(ctx, http.MethodPost, agentPath(c.cfg.AgentAddress, "/activity"), nil, body, &out); err != nil {
		return nil, err
	}
	return out.Activity, nil
}

// GetAgent returns any agent's account.
func (c *Client) GetAgent(ctx context.Context, addr common.Address) (*agent.Account, error) {
	var out struct {
		Agent *agent.Account `json:"agent"`
	}
	if err := c.do(ctx, http.MethodGet, agentPath(addr, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Agent, nil
}

// GetStats returns any agent's aggregate statistics.
func (c *Client) GetStats(ctx context.Context, addr common.Address) (*stats.Stats, error) {
	var out struct {
		Stats *stats.Stats `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, agentPath(addr, "/stats"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Stats, nil
}

// ListActivity returns an agent's most recent activity, newest first.
func (c *Client) ListActivity(ctx context.Context, addr common.Address, limit int) ([]*activity.Record, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Activity []*activity.Record `json:"activity"`
	}
	if err := c.do(ctx, http.MethodGet, agentPath(addr, "/activity"), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Activity, nil
}

// QuoteFee returns the protocol fee for amount.
func (c *Client) QuoteFee(ctx context.Context, amount uint64) (uint64, error) {
	q := url.Values{"amount": {strconv.FormatUint(amount, 10)}}
	var out struct {
		Fee string `json:"fee"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/treasury/fee", q, nil, &out); err != nil {
		return 0, err
	}
	return strconv.ParseUint(out.Fee, 10, 64)
}
