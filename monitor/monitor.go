// Package monitor delivers structured settlement events to an external
// alerting collaborator. Alerts never influence control flow.
package monitor

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventOutputProposed       EventType = "OutputProposed"
	EventOutputChallenged     EventType = "OutputChallenged"
	EventOutputFinalized      EventType = "OutputFinalized"
	EventOutputInvalidated    EventType = "OutputInvalidated"
	EventDepositCompleted     EventType = "DepositCompleted"
	EventWithdrawalQueued     EventType = "WithdrawalQueued"
	EventWithdrawalChallenged EventType = "WithdrawalChallenged"
	EventWithdrawalRejected   EventType = "WithdrawalRejected"
	EventWithdrawalCompleted  EventType = "WithdrawalCompleted"
	EventInstantWithdrawal    EventType = "InstantWithdrawal"
	EventRateLimited          EventType = "RateLimited"
	EventReplayDetected       EventType = "ReplayDetected"
)

// Event is one structured alert. Fields that do not apply to the event
// type are zero.
type Event struct {
	Type       EventType      `json:"type"`
	Account    common.Address `json:"account,omitempty"`
	BlockHash  common.Hash    `json:"blockHash,omitempty"`
	TransferID uint64         `json:"transferId,omitempty"`
	AssetID    uint64         `json:"assetId,omitempty"`
	Amount     uint64         `json:"amount,omitempty"`
	Details    string         `json:"details,omitempty"`
	At         uint64         `json:"at"`
}

// Alerter receives settlement events. Implementations must not block the
// calling engine.
type Alerter interface {
	Alert(event Event)
}

// LogAlerter writes events to the process log.
type LogAlerter struct{}

func (LogAlerter) Alert(event Event) {
	log.Info().
		Str("event", string(event.Type)).
		Str("account", event.Account.Hex()).
		Str("blockHash", event.BlockHash.Hex()).
		Uint64("transferId", event.TransferID).
		Uint64("assetId", event.AssetID).
		Uint64("amount", event.Amount).
		Str("details", event.Details).
		Uint64("at", event.At).
		Msg("Settlement event")
}

// NopAlerter drops every event.
type NopAlerter struct{}

func (NopAlerter) Alert(Event) {}

// CollectingAlerter records events for inspection in tests.
type CollectingAlerter struct {
	mu     sync.Mutex
	events []Event
}

func (c *CollectingAlerter) Alert(event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *CollectingAlerter) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}
