// Package webhooks notifies owners of committed vault events through
// signed HTTP callbacks.
//
// An owner registers a URL and the event types it wants. Events about an
// agent go to its owner's subscriptions; protocol pause events go to every
// subscription that asked for them. Each delivery body is signed with
// HMAC-SHA256 under the subscription's secret.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/dimm/internal/vault"
)

// Delivery headers.
const (
	EventHeader     = "X-Dimm-Event"
	DeliveryHeader  = "X-Dimm-Delivery"
	TimestampHeader = "X-Dimm-Timestamp"
	SignatureHeader = "X-Dimm-Signature"
)

const (
	// MaxSubscriptionsPerOwner bounds registrations per owner.
	MaxSubscriptionsPerOwner = 10
	// MaxConsecutiveFailures disables a subscription after that many failed
	// deliveries in a row.
	MaxConsecutiveFailures = 10
)

var (
	ErrNotFound      = errors.New("webhooks: subscription not found")
	ErrTooMany       = errors.New("webhooks: subscription limit reached")
	ErrInvalidEvents = errors.New("webhooks: unknown or empty event list")
)

// Subscription is one owner's callback registration.
type Subscription struct {
	ID                  string            `json:"id"`
	Owner               common.Address    `json:"owner"`
	URL                 string            `json:"url"`
	Secret              string            `json:"-"`
	Events              []vault.EventType `json:"events"`
	Active              bool              `json:"active"`
	CreatedAt           time.Time         `json:"createdAt"`
	LastSuccess         *time.Time        `json:"lastSuccess,omitempty"`
	LastError           string            `json:"lastError,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
}

// Wants reports whether the subscription is active and listens for t.
func (s *Subscription) Wants(t vault.EventType) bool {
	return s.Active && slices.Contains(s.Events, t)
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		ts := *s.LastSuccess
		cp.LastSuccess = &ts
	}
	return &cp
}

// recordResult updates delivery bookkeeping and reports whether this
// failure disabled the subscription.
func (s *Subscription) recordResult(at time.Time, err error) (disabled bool) {
	if err == nil {
		s.LastSuccess = &at
		s.LastError = ""
		s.ConsecutiveFailures = 0
		return false
	}
	s.LastError = err.Error()
	s.ConsecutiveFailures++
	if s.Active && s.ConsecutiveFailures >= MaxConsecutiveFailures {
		s.Active = false
		return true
	}
	return false
}

// ValidateEvents rejects empty lists and unknown types, and removes
// duplicates.
func ValidateEvents(events []vault.EventType) ([]vault.EventType, error) {
	if len(events) == 0 {
		return nil, ErrInvalidEvents
	}
	out := make([]vault.EventType, 0, len(events))
	for _, e := range events {
		if !e.Valid() {
			return nil, ErrInvalidEvents
		}
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Store persists subscriptions. Implementations return copies.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]*Subscription, error)
	ListByEvent(ctx context.Context, t vault.EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
