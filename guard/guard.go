// Package guard enforces per-account rate limits and replay protection for
// value-moving operations. Checks run before funds move; reservations are
// rolled back by the caller when a downstream step fails.
package guard

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	settledb "github.com/celer-network/go-settlement/db"
	"github.com/celer-network/go-settlement/monitor"
	"github.com/celer-network/go-settlement/types"
	"github.com/celer-network/go-settlement/utils"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrReplayed    = errors.New("replay key already consumed")
)

// Config caps one rolling window per (account, operation class).
type Config struct {
	WindowSeconds uint64
	MaxCount      uint32
	MaxValue      uint64
}

// Guard owns the rate-limit windows and the used replay-key set.
type Guard struct {
	db      settledb.DB
	config  Config
	alerter monitor.Alerter
	locks   *utils.KeyLock
}

func New(db settledb.DB, config Config, alerter monitor.Alerter) *Guard {
	if alerter == nil {
		alerter = monitor.NopAlerter{}
	}
	return &Guard{
		db:      db,
		config:  config,
		alerter: alerter,
		locks:   utils.NewKeyLock(),
	}
}

func windowKey(account common.Address, opClass string) []byte {
	return append(account.Bytes(), []byte(opClass)...)
}

// CheckAndReserve rolls the window forward if expired, rejects when either
// cap would be exceeded, and otherwise reserves the count and value. The
// caller must pair a successful reservation with either the guarded action
// or a Release.
func (g *Guard) CheckAndReserve(account common.Address, opClass string, amount uint64, now uint64) error {
	key := windowKey(account, opClass)
	g.locks.Lock(string(key))
	defer g.locks.Unlock(string(key))

	window, err := g.loadWindow(key, account, opClass, now)
	if err != nil {
		return err
	}

	if now >= window.WindowStartedAt+window.WindowSeconds {
		window.Count = 0
		window.Value = 0
		window.WindowStartedAt = now
	}

	// value cap is checked by subtraction so a huge amount cannot wrap
	// the comparison
	if window.Count >= window.MaxCount || amount > window.MaxValue-window.Value {
		g.alerter.Alert(monitor.Event{
			Type:    monitor.EventRateLimited,
			Account: account,
			Amount:  amount,
			Details: opClass,
			At:      now,
		})
		return ErrRateLimited
	}

	window.Count++
	window.Value += amount
	return g.storeWindow(key, window)
}

// Release compensates a reservation whose guarded action failed.
func (g *Guard) Release(account common.Address, opClass string, amount uint64) error {
	key := windowKey(account, opClass)
	g.locks.Lock(string(key))
	defer g.locks.Unlock(string(key))

	data, exists, err := g.db.Get(settledb.NamespaceRateWindow, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	window, err := types.DeserializeRateLimitWindowFromStorage(data)
	if err != nil {
		return err
	}
	if window.Count > 0 {
		window.Count--
	}
	if window.Value >= amount {
		window.Value -= amount
	} else {
		window.Value = 0
	}
	return g.storeWindow(key, window)
}

// Window returns the current counters for an account and operation class.
func (g *Guard) Window(account common.Address, opClass string, now uint64) (*types.RateLimitWindow, error) {
	key := windowKey(account, opClass)
	g.locks.Lock(string(key))
	defer g.locks.Unlock(string(key))

	window, err := g.loadWindow(key, account, opClass, now)
	if err != nil {
		return nil, err
	}
	if now >= window.WindowStartedAt+window.WindowSeconds {
		window.Count = 0
		window.Value = 0
		window.WindowStartedAt = now
	}
	return window, nil
}

// ConsumeReplayKey inserts key into the used-set, failing if it is already
// present. Insertion and the action it protects form one decision point;
// the caller rolls back with ReleaseReplayKey when the action fails.
func (g *Guard) ConsumeReplayKey(key common.Hash, now uint64) error {
	g.locks.Lock(string(key.Bytes()))
	defer g.locks.Unlock(string(key.Bytes()))

	exists, err := g.db.Exist(settledb.NamespaceReplayKey, key.Bytes())
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Str("key", key.Hex()).Msg("Replay key already consumed")
		g.alerter.Alert(monitor.Event{
			Type:    monitor.EventReplayDetected,
			Details: key.Hex(),
			At:      now,
		})
		return ErrReplayed
	}
	return g.db.Set(settledb.NamespaceReplayKey, key.Bytes(), []byte{1})
}

// ReleaseReplayKey compensates a consumed key whose guarded action failed.
func (g *Guard) ReleaseReplayKey(key common.Hash) error {
	g.locks.Lock(string(key.Bytes()))
	defer g.locks.Unlock(string(key.Bytes()))

	return g.db.Delete(settledb.NamespaceReplayKey, key.Bytes())
}

func (g *Guard) loadWindow(key []byte, account common.Address, opClass string, now uint64) (*types.RateLimitWindow, error) {
	data, exists, err := g.db.Get(settledb.NamespaceRateWindow, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &types.RateLimitWindow{
			Account:         account,
			OpClass:         opClass,
			WindowSeconds:   g.config.WindowSeconds,
			MaxCount:        g.config.MaxCount,
			MaxValue:        g.config.MaxValue,
			WindowStartedAt: now,
		}, nil
	}
	return types.DeserializeRateLimitWindowFromStorage(data)
}

func (g *Guard) storeWindow(key []byte, window *types.RateLimitWindow) error {
	data, err := window.SerializeForStorage()
	if err != nil {
		return err
	}
	return g.db.Set(settledb.NamespaceRateWindow, key, data)
}
