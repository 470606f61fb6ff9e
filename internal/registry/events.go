package registry

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a committed registry mutation.
type EventKind string

const (
	EventMint     EventKind = "mint"
	EventRemint   EventKind = "remint"
	EventBurn     EventKind = "burn"
	EventLease    EventKind = "lease"
	EventSublease EventKind = "sublease"
	EventApproval EventKind = "approval"
)

// Event is the fully resolved effect of one successful mutation.
// Replaying events in Seq order rebuilds the registry state.
type Event struct {
	Seq             uint64         `json:"seq"`
	Kind            EventKind      `json:"kind"`
	TokenID         TokenID        `json:"token_id,omitempty"`
	NewTokenID      TokenID        `json:"new_token_id,omitempty"`
	Owner           common.Address `json:"owner"`
	Caller          common.Address `json:"caller"`
	From            common.Address `json:"from"`
	To              common.Address `json:"to"`
	Operator        common.Address `json:"operator"`
	Approved        bool           `json:"approved,omitempty"`
	SubleaseAllowed bool           `json:"sublease_allowed,omitempty"`
	ExpiresAt       int64          `json:"expires_at,omitempty"`
	At              time.Time      `json:"at"`
}

// Journal persists an event before it is applied. An error aborts the mutation.
type Journal interface {
	Append(ctx context.Context, ev Event) error
}

// Observer is notified after a mutation is committed. It must not block.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
