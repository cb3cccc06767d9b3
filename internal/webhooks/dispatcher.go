package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/dimm/internal/idgen"
	"github.com/mbd888/dimm/internal/retry"
	"github.com/mbd888/dimm/internal/security"
	"github.com/mbd888/dimm/internal/vault"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dimm",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dimm",
		Subsystem: "webhook",
		Name:      "dropped_events_total",
		Help:      "Events discarded because the delivery queue was full.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, droppedTotal)
}

// OwnerLookup resolves the owner of an agent. ok is false for addresses
// that are not agents.
type OwnerLookup func(ctx context.Context, agent common.Address) (owner common.Address, ok bool, err error)

// Payload is the JSON body of a delivery.
type Payload struct {
	ID    string          `json:"id"`
	Type  vault.EventType `json:"type"`
	Agent common.Address  `json:"agent"`
	At    time.Time       `json:"at"`
	Data  any             `json:"data,omitempty"`
}

const (
	defaultQueueSize = 1024
	defaultWorkers   = 4
	deliveryTimeout  = 10 * time.Second
)

// Dispatcher implements vault.Emitter: events are queued without blocking
// and delivered by Run's workers.
type Dispatcher struct {
	store    Store
	owners   OwnerLookup
	client   *http.Client
	logger   *slog.Logger
	policy   retry.Policy
	workers  int
	now      func() time.Time
	queue    chan vault.Event
	validate func(ctx context.Context, rawURL string) error

	// mu serializes bookkeeping writes for one subscription at a time.
	mu sync.Mutex
}

var _ vault.Emitter = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher that resolves agent owners with owners.
func NewDispatcher(store Store, owners OwnerLookup, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		owners:   owners,
		client:   &http.Client{Timeout: deliveryTimeout},
		logger:   logger,
		policy:   retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		workers:  defaultWorkers,
		now:      time.Now,
		queue:    make(chan vault.Event, defaultQueueSize),
		validate: security.ValidateCallbackURL,
	}
}

// Emit queues e for delivery. Events are dropped when the queue is full.
func (d *Dispatcher) Emit(e vault.Event) {
	select {
	case d.queue <- e:
	default:
		droppedTotal.Inc()
		d.logger.Warn("webhook queue full, event dropped", "type", e.Type, "agent", e.Agent.Hex())
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-d.queue:
					d.Dispatch(ctx, e)
				}
			}
		}()
	}
	wg.Wait()
}

// Dispatch delivers e to every subscription that should see it and waits
// for the deliveries to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, e vault.Event) {
	subs, err := d.recipients(ctx, e)
	if err != nil {
		d.logger.Error("webhook recipients lookup failed", "type", e.Type, "agent", e.Agent.Hex(), "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload := Payload{ID: idgen.WithPrefix("evt_"), Type: e.Type, Agent: e.Agent, At: e.At, Data: e.Data}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload encode failed", "type", e.Type, "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			err := d.deliver(ctx, sub, payload, body)
			d.record(ctx, sub.ID, err)
			outcome := "success"
			if err != nil {
				outcome = "failure"
				d.logger.Warn("webhook delivery failed", "subscription", sub.ID, "type", e.Type, "error", err)
			}
			deliveriesTotal.WithLabelValues(string(e.Type), outcome).Inc()
		}(sub)
	}
	wg.Wait()
}

func (d *Dispatcher) recipients(ctx context.Context, e vault.Event) ([]*Subscription, error) {
	if e.Type.Protocol() {
		return d.store.ListByEvent(ctx, e.Type)
	}
	owner, ok, err := d.owners(ctx, e.Agent)
	if err != nil || !ok {
		return nil, err
	}
	subs, err := d.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, s := range subs {
		if s.Wants(e.Type) {
			out = append(out, s)
		}
	}
	return out, nil
}

// deliver posts body with retries. Client errors other than 408 and 429
// are not retried.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, p Payload, body []byte) error {
	// Re-checked on every delivery; DNS may have changed since registration.
	if err := d.validate(ctx, sub.URL); err != nil {
		return err
	}
	return retry.Do(ctx, d.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(EventHeader, string(p.Type))
		req.Header.Set(DeliveryHeader, p.ID)
		req.Header.Set(TimestampHeader, strconv.FormatInt(p.At.Unix(), 10))
		if sub.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(body, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	})
}

// record reloads the subscription so concurrent edits by its owner are not
// overwritten, then stores the delivery result.
func (d *Dispatcher) record(ctx context.Context, id string, deliveryErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return // deleted meanwhile
	}
	if sub.recordResult(d.now(), deliveryErr) {
		d.logger.Warn("webhook disabled after repeated failures", "subscription", id, "owner", sub.Owner.Hex())
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Error("webhook status update failed", "subscription", id, "error", err)
	}
}
