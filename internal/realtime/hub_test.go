package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/mbd888/dimm/internal/activity"
	"github.com/mbd888/dimm/internal/vault"
)

var (
	agentA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	agentB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func txEvent(agent common.Address, amount uint64) *vault.Event {
	return &vault.Event{
		Type:  vault.EventTransaction,
		Agent: agent,
		At:    time.Now(),
		Data:  &activity.Record{Agent: agent, Amount: amount, Success: true},
	}
}

func TestSubscription_Matches(t *testing.T) {
	revoked := &vault.Event{Type: vault.EventAgentRevoked, Agent: agentA}

	tests := []struct {
		name  string
		sub   Subscription
		event *vault.Event
		want  bool
	}{
		{"zero value receives all", Subscription{}, txEvent(agentA, 1), true},
		{"type match", Subscription{EventTypes: []vault.EventType{vault.EventTransaction}}, txEvent(agentA, 1), true},
		{"type mismatch", Subscription{EventTypes: []vault.EventType{vault.EventPaused}}, txEvent(agentA, 1), false},
		{"agent match", Subscription{Agents: []common.Address{agentA}}, txEvent(agentA, 1), true},
		{"agent mismatch", Subscription{Agents: []common.Address{agentB}}, txEvent(agentA, 1), false},
		{"above min amount", Subscription{MinAmount: 100}, txEvent(agentA, 100), true},
		{"below min amount", Subscription{MinAmount: 100}, txEvent(agentA, 99), false},
		{"min amount ignores other types", Subscription{MinAmount: 100}, revoked, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.matches(tt.event); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscription_DecodesStringAmount(t *testing.T) {
	var sub Subscription
	msg := `{"eventTypes":["transaction"],"agents":["` + agentA.Hex() + `"],"minAmount":"18446744073709551615"}`
	if err := json.Unmarshal([]byte(msg), &sub); err != nil {
		t.Fatal(err)
	}
	if sub.MinAmount != ^uint64(0) || sub.Agents[0] != agentA {
		t.Fatalf("unexpected subscription %+v", sub)
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256)}
	h.register <- client
	h.unregister <- client
	// An unbuffered send only completes once Run has handled the previous one.
	h.register <- &Client{hub: h, send: make(chan []byte, 1)}
	h.unregister <- client

	stats := h.Stats()
	if stats.TotalClients != 2 || stats.PeakClients != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHub_EmitFiltered(t *testing.T) {
	h := startHub(t)

	onlyB := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{Agents: []common.Address{agentB}}}
	h.register <- onlyB

	h.Emit(*txEvent(agentA, 5))
	h.Emit(*txEvent(agentB, 7))

	select {
	case msg := <-onlyB.send:
		var got struct {
			Agent common.Address   `json:"agent"`
			Data  *activity.Record `json:"data"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.Agent != agentB || got.Data.Amount != 7 {
			t.Fatalf("received wrong event %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_EmitNeverBlocks(t *testing.T) {
	h := testHub() // not running, so the queue fills

	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Emit(*txEvent(agentA, 1))
	}
	if got := h.Stats().DroppedEvents; got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}
}

func TestHandleWebSocket_StreamsEvents(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?agent=" + agentA.Hex()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before emitting.
	deadline := time.Now().Add(time.Second)
	for h.Stats().ConnectedClients == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Emit(*txEvent(agentB, 1))
	h.Emit(*txEvent(agentA, 42))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"amount":42`) {
		t.Fatalf("expected the agent A event, got %s", msg)
	}
}

func TestHandleWebSocket_RejectsBadAgent(t *testing.T) {
	h := startHub(t)
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws?agent=nope", nil))
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
