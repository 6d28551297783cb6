// Package finalization runs the propose, challenge, finalize state machine
// for layer-2 outputs. A proposed output becomes irreversible only after
// its challenge window closes unchallenged.
package finalization

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	settledb "github.com/celer-network/go-settlement/db"
	"github.com/celer-network/go-settlement/monitor"
	"github.com/celer-network/go-settlement/types"
	"github.com/celer-network/go-settlement/utils"
)

var (
	// validation
	ErrDataUnavailable = errors.New("data behind the proposed roots is not retrievable")

	// timing
	ErrTooEarly = errors.New("challenge period has not elapsed")

	// conflict
	ErrDuplicateBlock   = errors.New("block hash already proposed")
	ErrDuplicateHeight  = errors.New("block height already finalized")
	ErrUnknownBlock     = errors.New("unknown block hash")
	ErrNotChallengeable = errors.New("output is not challengeable")
	ErrNotFinalizable   = errors.New("output is not finalizable")
	ErrAlreadyFinalized = errors.New("output already finalized")
	ErrNoOpenChallenge  = errors.New("output has no open challenge")

	// integrity
	ErrIntegrity = errors.New("output state integrity violated")
)

// DataAvailability acknowledges that the data behind a root is
// retrievable. The engine never fetches or decodes it.
type DataAvailability interface {
	Available(root common.Hash) bool
}

// AcceptAllDA acknowledges every root.
type AcceptAllDA struct{}

func (AcceptAllDA) Available(common.Hash) bool { return true }

// Engine is the finalization state machine. State-mutating operations on
// the same block hash serialize; different blocks proceed in parallel.
type Engine struct {
	db              settledb.DB
	challengePeriod uint64
	da              DataAvailability
	alerter         monitor.Alerter
	locks           *utils.KeyLock

	mu              sync.Mutex
	latestFinalized uint64
	hasFinalized    bool
	poisoned        map[common.Hash]bool
}

func NewEngine(
	db settledb.DB,
	challengePeriod uint64,
	da DataAvailability,
	alerter monitor.Alerter,
) (*Engine, error) {
	if da == nil {
		da = AcceptAllDA{}
	}
	if alerter == nil {
		alerter = monitor.NopAlerter{}
	}
	engine := &Engine{
		db:              db,
		challengePeriod: challengePeriod,
		da:              da,
		alerter:         alerter,
		locks:           utils.NewKeyLock(),
		poisoned:        make(map[common.Hash]bool),
	}

	data, exists, err := db.Get(settledb.NamespaceMeta, settledb.KeyLatestFinalizedHeight)
	if err != nil {
		return nil, err
	}
	if exists {
		engine.latestFinalized = types.KeyToUint64(data)
		engine.hasFinalized = true
	}
	return engine, nil
}

// Propose records a new output in the Proposed state and opens its
// challenge window.
func (e *Engine) Propose(
	blockHash common.Hash,
	blockNumber uint64,
	stateRoot common.Hash,
	outputRoot common.Hash,
	proposer common.Address,
	now uint64,
) (*types.OutputRecord, error) {
	e.locks.Lock(string(blockHash.Bytes()))
	defer e.locks.Unlock(string(blockHash.Bytes()))

	if err := e.checkPoisoned(blockHash); err != nil {
		return nil, err
	}

	exists, err := e.db.Exist(settledb.NamespaceOutput, blockHash.Bytes())
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateBlock
	}

	finalized, err := e.db.Exist(settledb.NamespaceOutputHeight, types.Uint64Key(blockNumber))
	if err != nil {
		return nil, err
	}
	if finalized {
		return nil, ErrDuplicateHeight
	}

	if !e.da.Available(stateRoot) || !e.da.Available(outputRoot) {
		return nil, ErrDataUnavailable
	}

	record := &types.OutputRecord{
		BlockHash:   blockHash,
		BlockNumber: blockNumber,
		StateRoot:   stateRoot,
		OutputRoot:  outputRoot,
		Proposer:    proposer,
		ProposedAt:  now,
		State:       types.OutputStateProposed,
	}
	if err := e.storeOutput(record); err != nil {
		return nil, err
	}

	log.Info().
		Str("blockHash", blockHash.Hex()).
		Uint64("blockNumber", blockNumber).
		Str("proposer", proposer.Hex()).
		Msg("Output proposed")
	e.alerter.Alert(monitor.Event{
		Type:      monitor.EventOutputProposed,
		Account:   proposer,
		BlockHash: blockHash,
		At:        now,
	})
	return record, nil
}

// Challenge disputes a Proposed output and opens a challenge record.
func (e *Engine) Challenge(
	blockHash common.Hash,
	challenger common.Address,
	evidenceHash common.Hash,
	now uint64,
) error {
	e.locks.Lock(string(blockHash.Bytes()))
	defer e.locks.Unlock(string(blockHash.Bytes()))

	if err := e.checkPoisoned(blockHash); err != nil {
		return err
	}

	record, err := e.loadOutput(blockHash)
	if err != nil {
		return err
	}
	if record.State != types.OutputStateProposed {
		return ErrNotChallengeable
	}

	challenge := &types.ChallengeRecord{
		Challenger:    challenger,
		ContestedHash: blockHash,
		Evidence:      evidenceHash.Bytes(),
		OpenedAt:      now,
	}
	challengeData, err := challenge.SerializeForStorage()
	if err != nil {
		return err
	}
	record.State = types.OutputStateChallenged
	recordData, err := record.SerializeForStorage()
	if err != nil {
		return err
	}

	tx := e.db.NewTx()
	tx.Set(settledb.NamespaceOutput, blockHash.Bytes(), recordData)
	tx.Set(settledb.NamespaceOutputChallenge, blockHash.Bytes(), challengeData)
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().
		Str("blockHash", blockHash.Hex()).
		Str("challenger", challenger.Hex()).
		Msg("Output challenged")
	e.alerter.Alert(monitor.Event{
		Type:      monitor.EventOutputChallenged,
		Account:   challenger,
		BlockHash: blockHash,
		At:        now,
	})
	return nil
}

// Finalize makes a Proposed output irreversible once its challenge window
// has fully elapsed. Exactly one of two racing calls succeeds; the loser
// observes ErrAlreadyFinalized.
func (e *Engine) Finalize(blockHash common.Hash, now uint64) error {
	e.locks.Lock(string(blockHash.Bytes()))
	defer e.locks.Unlock(string(blockHash.Bytes()))

	if err := e.checkPoisoned(blockHash); err != nil {
		return err
	}

	record, err := e.loadOutput(blockHash)
	if err != nil {
		return err
	}
	switch record.State {
	case types.OutputStateFinalized:
		return ErrAlreadyFinalized
	case types.OutputStateProposed:
	default:
		return ErrNotFinalizable
	}
	if now < record.ProposedAt+e.challengePeriod {
		return ErrTooEarly
	}

	heightKey := types.Uint64Key(record.BlockNumber)
	data, exists, err := e.db.Get(settledb.NamespaceOutputHeight, heightKey)
	if err != nil {
		return err
	}
	if exists {
		if common.BytesToHash(data) == blockHash {
			// index says finalized but the record still reads Proposed
			e.poison(blockHash)
			return ErrIntegrity
		}
		// a competing proposal at this height finalized first
		return ErrDuplicateHeight
	}

	record.State = types.OutputStateFinalized
	recordData, err := record.SerializeForStorage()
	if err != nil {
		return err
	}

	// the watermark read and its commit stay in one critical section so
	// racing finalizations cannot persist a stale maximum
	e.mu.Lock()
	latest := record.BlockNumber
	if e.hasFinalized && e.latestFinalized > latest {
		latest = e.latestFinalized
	}
	tx := e.db.NewTx()
	tx.Set(settledb.NamespaceOutput, blockHash.Bytes(), recordData)
	tx.Set(settledb.NamespaceOutputHeight, heightKey, blockHash.Bytes())
	tx.Set(settledb.NamespaceMeta, settledb.KeyLatestFinalizedHeight, types.Uint64Key(latest))
	if err := tx.Commit(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.latestFinalized = latest
	e.hasFinalized = true
	e.mu.Unlock()

	log.Info().
		Str("blockHash", blockHash.Hex()).
		Uint64("blockNumber", record.BlockNumber).
		Msg("Output finalized")
	e.alerter.Alert(monitor.Event{
		Type:      monitor.EventOutputFinalized,
		BlockHash: blockHash,
		At:        now,
	})
	return nil
}

// ResolveChallenge applies an external fraud-proof verdict. An upheld
// challenge invalidates the output permanently; a failed one returns it to
// Proposed with its original window.
func (e *Engine) ResolveChallenge(blockHash common.Hash, upheld bool, now uint64) error {
	e.locks.Lock(string(blockHash.Bytes()))
	defer e.locks.Unlock(string(blockHash.Bytes()))

	if err := e.checkPoisoned(blockHash); err != nil {
		return err
	}

	record, err := e.loadOutput(blockHash)
	if err != nil {
		return err
	}
	if record.State != types.OutputStateChallenged {
		return ErrNoOpenChallenge
	}

	challengeData, exists, err := e.db.Get(settledb.NamespaceOutputChallenge, blockHash.Bytes())
	if err != nil {
		return err
	}
	if !exists {
		e.poison(blockHash)
		return ErrIntegrity
	}
	challenge, err := types.DeserializeChallengeRecordFromStorage(challengeData)
	if err != nil {
		return err
	}
	if challenge.Resolved {
		e.poison(blockHash)
		return ErrIntegrity
	}
	challenge.Resolved = true
	successful := upheld
	challenge.Successful = &successful

	if upheld {
		record.State = types.OutputStateInvalidated
	} else {
		// ProposedAt keeps its original value so a transient false
		// challenge cannot extend the window
		record.State = types.OutputStateProposed
	}

	recordData, err := record.SerializeForStorage()
	if err != nil {
		return err
	}
	newChallengeData, err := challenge.SerializeForStorage()
	if err != nil {
		return err
	}

	tx := e.db.NewTx()
	tx.Set(settledb.NamespaceOutput, blockHash.Bytes(), recordData)
	tx.Set(settledb.NamespaceOutputChallenge, blockHash.Bytes(), newChallengeData)
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().
		Str("blockHash", blockHash.Hex()).
		Bool("upheld", upheld).
		Msg("Output challenge resolved")
	if upheld {
		e.alerter.Alert(monitor.Event{
			Type:      monitor.EventOutputInvalidated,
			BlockHash: blockHash,
			At:        now,
		})
	}
	return nil
}

// FinalizeDue sweeps all Proposed outputs whose window has elapsed and
// finalizes them, returning the finalized block hashes.
func (e *Engine) FinalizeDue(now uint64) ([]common.Hash, error) {
	start := settledb.PrependNamespace(settledb.NamespaceOutput, nil)
	end := prefixEnd(start)

	var due []common.Hash
	iter := e.db.Iterator(start, end)
	for ; iter.Valid(); iter.Next() {
		value, err := iter.Value()
		if err != nil {
			return nil, err
		}
		record, err := types.DeserializeOutputRecordFromStorage(value)
		if err != nil {
			return nil, err
		}
		if record.State == types.OutputStateProposed && now >= record.ProposedAt+e.challengePeriod {
			due = append(due, record.BlockHash)
		}
	}

	var finalized []common.Hash
	for _, blockHash := range due {
		err := e.Finalize(blockHash, now)
		switch err {
		case nil:
			finalized = append(finalized, blockHash)
		case ErrAlreadyFinalized, ErrNotFinalizable, ErrTooEarly, ErrDuplicateHeight:
			// lost the race or state moved under the sweep
		case ErrIntegrity:
			// the key is poisoned; the rest of the sweep proceeds
		default:
			return finalized, err
		}
	}
	return finalized, nil
}

// GetOutput returns the record for a block hash.
func (e *Engine) GetOutput(blockHash common.Hash) (*types.OutputRecord, error) {
	e.locks.Lock(string(blockHash.Bytes()))
	defer e.locks.Unlock(string(blockHash.Bytes()))

	return e.loadOutput(blockHash)
}

// LatestFinalized returns the highest finalized height. The third result
// is false until anything has finalized.
func (e *Engine) LatestFinalized() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latestFinalized, e.hasFinalized
}

// FinalizedHashAt returns the finalized block hash at a height.
func (e *Engine) FinalizedHashAt(height uint64) (common.Hash, bool, error) {
	data, exists, err := e.db.Get(settledb.NamespaceOutputHeight, types.Uint64Key(height))
	if err != nil || !exists {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(data), true, nil
}

// GetChallenge returns the challenge record for a block hash, if any.
func (e *Engine) GetChallenge(blockHash common.Hash) (*types.ChallengeRecord, bool, error) {
	data, exists, err := e.db.Get(settledb.NamespaceOutputChallenge, blockHash.Bytes())
	if err != nil || !exists {
		return nil, false, err
	}
	record, err := types.DeserializeChallengeRecordFromStorage(data)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (e *Engine) loadOutput(blockHash common.Hash) (*types.OutputRecord, error) {
	data, exists, err := e.db.Get(settledb.NamespaceOutput, blockHash.Bytes())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUnknownBlock
	}
	record, err := types.DeserializeOutputRecordFromStorage(data)
	if err != nil {
		return nil, err
	}
	if !record.State.Valid() {
		e.poison(blockHash)
		return nil, ErrIntegrity
	}
	return record, nil
}

func (e *Engine) storeOutput(record *types.OutputRecord) error {
	data, err := record.SerializeForStorage()
	if err != nil {
		return err
	}
	return e.db.Set(settledb.NamespaceOutput, record.BlockHash.Bytes(), data)
}

// poison halts further mutation of a key after an integrity violation.
func (e *Engine) poison(blockHash common.Hash) {
	e.mu.Lock()
	e.poisoned[blockHash] = true
	e.mu.Unlock()
	log.Error().Str("blockHash", blockHash.Hex()).Msg("Output key poisoned after integrity violation")
}

func (e *Engine) checkPoisoned(blockHash common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poisoned[blockHash] {
		return ErrIntegrity
	}
	return nil
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
