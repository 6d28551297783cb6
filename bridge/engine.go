// Package bridge moves value across the L1/L2 boundary. Deposits settle
// immediately once a signer quorum attests them; withdrawals either wait
// out a challenge window or settle instantly against the liquidity pool
// for a fee.
package bridge

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	settledb "github.com/celer-network/go-settlement/db"
	"github.com/celer-network/go-settlement/guard"
	"github.com/celer-network/go-settlement/monitor"
	"github.com/celer-network/go-settlement/types"
	"github.com/celer-network/go-settlement/utils"
)

var (
	// validation
	ErrZeroAmount        = errors.New("transfer amount must be positive")
	ErrQuorumNotMet      = errors.New("not enough distinct active signer signatures")
	ErrUnknownSigner     = errors.New("signature from signer outside the active set")
	ErrBadSignature      = errors.New("signature does not recover to claimed signer")
	ErrSignerExists      = errors.New("signer already in the active set")
	ErrSignerNotFound    = errors.New("signer not in the active set")
	ErrSignerSetTooSmall = errors.New("active signer set would drop below quorum size")

	// timing
	ErrTooEarly = errors.New("withdrawal release time has not elapsed")

	// conflict
	ErrUnknownTransfer  = errors.New("unknown transfer id")
	ErrUnknownChallenge = errors.New("unknown challenge id")
	ErrNotChallengeable = errors.New("transfer is not challengeable")
	ErrChallengeNotOpen = errors.New("transfer has no open challenge")
	ErrAlreadyCompleted = errors.New("transfer already completed")
	ErrNotCompletable   = errors.New("transfer is not completable")

	// integrity
	ErrIntegrity = errors.New("transfer state integrity violated")
)

const (
	opClassDeposit    = "deposit"
	opClassWithdrawal = "withdrawal"

	transferLockPrefix = "tf:"
	assetLockPrefix    = "as:"
)

// FeeSchedule prices the instant withdrawal service.
type FeeSchedule interface {
	Fee(amount uint64) uint64
}

// FlatFeeBps charges a flat basis-point fee. The multiply runs in
// big.Int so oversized amounts cannot wrap it.
type FlatFeeBps uint64

func (f FlatFeeBps) Fee(amount uint64) uint64 {
	fee := new(big.Int).SetUint64(amount)
	fee.Mul(fee, new(big.Int).SetUint64(uint64(f)))
	fee.Div(fee, big.NewInt(10000))
	if !fee.IsUint64() {
		return amount
	}
	return fee.Uint64()
}

// Config holds the bridge policy knobs.
type Config struct {
	// MinSignatures is the quorum size for transfer attestations.
	MinSignatures int
	// WithdrawalDelay and ChallengePeriod together gate delayed
	// withdrawals: release at createdAt + delay + period.
	WithdrawalDelay uint64
	ChallengePeriod uint64
}

// Engine is the bridge transfer engine. Operations on the same transfer
// id serialize; pool mutations serialize per asset.
type Engine struct {
	db      settledb.DB
	config  Config
	fees    FeeSchedule
	guard   *guard.Guard
	alerter monitor.Alerter
	locks   *utils.KeyLock

	signerMu sync.RWMutex
	signers  map[common.Address]bool

	idMu sync.Mutex

	poisonMu sync.Mutex
	poisoned map[uint64]bool
}

func NewEngine(
	db settledb.DB,
	config Config,
	signers []common.Address,
	fees FeeSchedule,
	g *guard.Guard,
	alerter monitor.Alerter,
) (*Engine, error) {
	if config.MinSignatures <= 0 {
		return nil, errors.New("bridge: quorum size must be positive")
	}
	if len(signers) < config.MinSignatures {
		return nil, ErrSignerSetTooSmall
	}
	if fees == nil {
		fees = FlatFeeBps(0)
	}
	if alerter == nil {
		alerter = monitor.NopAlerter{}
	}
	signerSet := make(map[common.Address]bool, len(signers))
	for _, signer := range signers {
		signerSet[signer] = true
	}
	return &Engine{
		db:       db,
		config:   config,
		fees:     fees,
		guard:    g,
		alerter:  alerter,
		locks:    utils.NewKeyLock(),
		signers:  signerSet,
		poisoned: make(map[uint64]bool),
	}, nil
}

// MessageHash is the packed digest the signer set attests to. It covers
// the direction so a deposit attestation can never authorize a
// withdrawal.
func MessageHash(
	direction types.TransferDirection,
	source common.Address,
	destination common.Address,
	assetID uint64,
	amount uint64,
	nonce uint64,
) common.Hash {
	return common.BytesToHash(utils.PackedHash(
		[]string{"string", "address", "address", "uint256", "uint256", "uint256"},
		[]interface{}{
			direction.String(),
			source,
			destination,
			new(big.Int).SetUint64(assetID),
			new(big.Int).SetUint64(amount),
			new(big.Int).SetUint64(nonce),
		},
	))
}

// ProcessDeposit settles an attested L1 to L2 deposit. The record goes
// straight to Completed once the quorum, rate and replay checks pass.
func (e *Engine) ProcessDeposit(
	source common.Address,
	destination common.Address,
	assetID uint64,
	amount uint64,
	nonce uint64,
	sigs []types.SignerSig,
	now uint64,
) (*types.TransferRecord, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if err := e.checkAssetUsable(assetID); err != nil {
		return nil, err
	}

	messageHash := MessageHash(types.TransferDirectionDeposit, source, destination, assetID, amount, nonce)
	if err := e.verifyQuorum(messageHash, sigs); err != nil {
		return nil, err
	}

	if err := e.guard.CheckAndReserve(source, opClassDeposit, amount, now); err != nil {
		return nil, err
	}
	if err := e.guard.ConsumeReplayKey(messageHash, now); err != nil {
		e.rollbackReserve(source, opClassDeposit, amount)
		return nil, err
	}

	completedAt := now
	record := &types.TransferRecord{
		Source:      source,
		Destination: destination,
		AssetID:     assetID,
		Amount:      amount,
		Nonce:       nonce,
		MessageHash: messageHash,
		Direction:   types.TransferDirectionDeposit,
		Status:      types.TransferStatusCompleted,
		CreatedAt:   now,
		Signatures:  sigs,
		CompletedAt: &completedAt,
	}
	if err := e.assignAndStore(record); err != nil {
		e.rollbackReplay(messageHash)
		e.rollbackReserve(source, opClassDeposit, amount)
		return nil, err
	}

	log.Info().
		Uint64("transferId", record.ID).
		Str("source", source.Hex()).
		Str("destination", destination.Hex()).
		Uint64("amount", amount).
		Msg("Deposit completed")
	e.alerter.Alert(monitor.Event{
		Type:       monitor.EventDepositCompleted,
		Account:    destination,
		TransferID: record.ID,
		AssetID:    assetID,
		Amount:     amount,
		At:         now,
	})
	return record, nil
}

// ProcessWithdrawal registers an attested L2 to L1 withdrawal. With
// instant set and sufficient pool liquidity the transfer settles now for
// a fee; otherwise it enters the challenge window.
func (e *Engine) ProcessWithdrawal(
	source common.Address,
	destination common.Address,
	assetID uint64,
	amount uint64,
	nonce uint64,
	sigs []types.SignerSig,
	instant bool,
	now uint64,
) (*types.TransferRecord, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if err := e.checkAssetUsable(assetID); err != nil {
		return nil, err
	}

	messageHash := MessageHash(types.TransferDirectionWithdrawal, source, destination, assetID, amount, nonce)
	if err := e.verifyQuorum(messageHash, sigs); err != nil {
		return nil, err
	}

	if err := e.guard.CheckAndReserve(source, opClassWithdrawal, amount, now); err != nil {
		return nil, err
	}
	if err := e.guard.ConsumeReplayKey(messageHash, now); err != nil {
		e.rollbackReserve(source, opClassWithdrawal, amount)
		return nil, err
	}

	record := &types.TransferRecord{
		Source:      source,
		Destination: destination,
		AssetID:     assetID,
		Amount:      amount,
		Nonce:       nonce,
		MessageHash: messageHash,
		Direction:   types.TransferDirectionWithdrawal,
		Status:      types.TransferStatusInChallengePeriod,
		CreatedAt:   now,
		Signatures:  sigs,
	}

	id, err := e.nextID(settledb.KeyNextTransferID)
	if err != nil {
		e.rollbackReplay(messageHash)
		e.rollbackReserve(source, opClassWithdrawal, amount)
		return nil, err
	}
	record.ID = id

	settledInstantly := false
	var fee uint64
	if instant {
		settledInstantly, fee, err = e.tryInstantSettle(record, now)
		if err != nil {
			e.rollbackReplay(messageHash)
			e.rollbackReserve(source, opClassWithdrawal, amount)
			return nil, err
		}
	}
	if !settledInstantly {
		if err := e.storeTransfer(record); err != nil {
			e.rollbackReplay(messageHash)
			e.rollbackReserve(source, opClassWithdrawal, amount)
			return nil, err
		}
	}

	if settledInstantly {
		log.Info().
			Uint64("transferId", record.ID).
			Str("source", source.Hex()).
			Uint64("amount", amount).
			Uint64("fee", fee).
			Msg("Withdrawal settled instantly")
		e.alerter.Alert(monitor.Event{
			Type:       monitor.EventInstantWithdrawal,
			Account:    source,
			TransferID: record.ID,
			AssetID:    assetID,
			Amount:     amount,
			At:         now,
		})
	} else {
		log.Info().
			Uint64("transferId", record.ID).
			Str("source", source.Hex()).
			Uint64("amount", amount).
			Uint64("releaseAt", record.CreatedAt+e.config.WithdrawalDelay+e.config.ChallengePeriod).
			Msg("Withdrawal queued for challenge period")
		e.alerter.Alert(monitor.Event{
			Type:       monitor.EventWithdrawalQueued,
			Account:    source,
			TransferID: record.ID,
			AssetID:    assetID,
			Amount:     amount,
			At:         now,
		})
	}
	return record, nil
}

// tryInstantSettle debits the pool under the per-asset lock, committing
// the pool state and the completed record in one transaction. A pool too
// shallow for the full amount is not an error; the withdrawal falls back
// to the delayed path.
func (e *Engine) tryInstantSettle(record *types.TransferRecord, now uint64) (bool, uint64, error) {
	assetKey := assetLockPrefix + string(types.Uint64Key(record.AssetID))
	e.locks.Lock(assetKey)
	defer e.locks.Unlock(assetKey)

	pool, err := e.loadPool(record.AssetID)
	if err != nil {
		return false, 0, err
	}
	if pool.Total < record.Amount {
		return false, 0, nil
	}

	fee := e.fees.Fee(record.Amount)
	if fee > record.Amount {
		fee = record.Amount
	}
	pool.Total -= record.Amount - fee
	pool.FeesAccrued += fee

	completedAt := now
	record.Status = types.TransferStatusCompleted
	record.CompletedAt = &completedAt

	poolData, err := pool.SerializeForStorage()
	if err != nil {
		return false, 0, err
	}
	recordData, err := record.SerializeForStorage()
	if err != nil {
		return false, 0, err
	}
	tx := e.db.NewTx()
	tx.Set(settledb.NamespaceLiquidityPool, types.Uint64Key(pool.AssetID), poolData)
	tx.Set(settledb.NamespaceTransfer, types.Uint64Key(record.ID), recordData)
	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, fee, nil
}

// ChallengeWithdrawal disputes a withdrawal still inside its challenge
// window and freezes it until resolution.
func (e *Engine) ChallengeWithdrawal(
	transferID uint64,
	challenger common.Address,
	evidence []byte,
	now uint64,
) (*types.ChallengeRecord, error) {
	unlock := e.lockTransfer(transferID)
	defer unlock()

	if err := e.checkPoisoned(transferID); err != nil {
		return nil, err
	}

	record, err := e.loadTransfer(transferID)
	if err != nil {
		return nil, err
	}
	if record.Direction != types.TransferDirectionWithdrawal ||
		record.Status != types.TransferStatusInChallengePeriod {
		return nil, ErrNotChallengeable
	}

	challengeID, err := e.nextID(settledb.KeyNextChallengeID)
	if err != nil {
		return nil, err
	}
	challenge := &types.ChallengeRecord{
		ID:         challengeID,
		Challenger: challenger,
		TransferID: transferID,
		Evidence:   evidence,
		OpenedAt:   now,
	}
	challengeData, err := challenge.SerializeForStorage()
	if err != nil {
		return nil, err
	}

	record.Status = types.TransferStatusChallenged
	record.ChallengeID = &challengeID
	recordData, err := record.SerializeForStorage()
	if err != nil {
		return nil, err
	}

	tx := e.db.NewTx()
	tx.Set(settledb.NamespaceTransferChallenge, types.Uint64Key(challengeID), challengeData)
	tx.Set(settledb.NamespaceTransfer, types.Uint64Key(transferID), recordData)
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Info().
		Uint64("transferId", transferID).
		Uint64("challengeId", challengeID).
		Str("challenger", challenger.Hex()).
		Msg("Withdrawal challenged")
	e.alerter.Alert(monitor.Event{
		Type:       monitor.EventWithdrawalChallenged,
		Account:    challenger,
		TransferID: transferID,
		At:         now,
	})
	return challenge, nil
}

// ResolveWithdrawalChallenge applies a fraud-proof verdict to a
// challenged withdrawal. Successful challenges reject the transfer for
// good; failed ones resume the original challenge window.
func (e *Engine) ResolveWithdrawalChallenge(challengeID uint64, successful bool, now uint64) error {
	challengeData, exists, err := e.db.Get(settledb.NamespaceTransferChallenge, types.Uint64Key(challengeID))
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownChallenge
	}
	challenge, err := types.DeserializeChallengeRecordFromStorage(challengeData)
	if err != nil {
		return err
	}

	unlock := e.lockTransfer(challenge.TransferID)
	defer unlock()

	if err := e.checkPoisoned(challenge.TransferID); err != nil {
		return err
	}

	record, err := e.loadTransfer(challenge.TransferID)
	if err != nil {
		return err
	}
	if record.Status != types.TransferStatusChallenged ||
		record.ChallengeID == nil || *record.ChallengeID != challengeID {
		return ErrChallengeNotOpen
	}
	if challenge.Resolved {
		e.poison(challenge.TransferID)
		return ErrIntegrity
	}

	challenge.Resolved = true
	verdict := successful
	challenge.Successful = &verdict
	if successful {
		record.Status = types.TransferStatusRejected
	} else {
		// CreatedAt is untouched so the challenge never extends the
		// release time
		record.Status = types.TransferStatusInChallengePeriod
		record.ChallengeID = nil
	}

	newChallengeData, err := challenge.SerializeForStorage()
	if err != nil {
		return err
	}
	recordData, err := record.SerializeForStorage()
	if err != nil {
		return err
	}

	tx := e.db.NewTx()
	tx.Set(settledb.NamespaceTransferChallenge, types.Uint64Key(challengeID), newChallengeData)
	tx.Set(settledb.NamespaceTransfer, types.Uint64Key(record.ID), recordData)
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().
		Uint64("transferId", record.ID).
		Uint64("challengeId", challengeID).
		Bool("successful", successful).
		Msg("Withdrawal challenge resolved")
	if successful {
		e.alerter.Alert(monitor.Event{
			Type:       monitor.EventWithdrawalRejected,
			Account:    record.Source,
			TransferID: record.ID,
			AssetID:    record.AssetID,
			Amount:     record.Amount,
			At:         now,
		})
	}
	return nil
}

// CompleteWithdrawal releases a delayed withdrawal once its full release
// time has elapsed. Exactly one of two racing calls succeeds.
func (e *Engine) CompleteWithdrawal(transferID uint64, now uint64) error {
	unlock := e.lockTransfer(transferID)
	defer unlock()

	if err := e.checkPoisoned(transferID); err != nil {
		return err
	}

	record, err := e.loadTransfer(transferID)
	if err != nil {
		return err
	}
	if record.Direction != types.TransferDirectionWithdrawal {
		return ErrNotCompletable
	}
	switch record.Status {
	case types.TransferStatusCompleted:
		return ErrAlreadyCompleted
	case types.TransferStatusInChallengePeriod:
	default:
		return ErrNotCompletable
	}
	if now < record.CreatedAt+e.config.WithdrawalDelay+e.config.ChallengePeriod {
		return ErrTooEarly
	}

	completedAt := now
	record.Status = types.TransferStatusCompleted
	record.CompletedAt = &completedAt
	if err := e.storeTransfer(record); err != nil {
		return err
	}

	log.Info().
		Uint64("transferId", transferID).
		Uint64("amount", record.Amount).
		Msg("Withdrawal completed")
	e.alerter.Alert(monitor.Event{
		Type:       monitor.EventWithdrawalCompleted,
		Account:    record.Source,
		TransferID: transferID,
		AssetID:    record.AssetID,
		Amount:     record.Amount,
		At:         now,
	})
	return nil
}

// GetTransfer returns the record for a transfer id.
func (e *Engine) GetTransfer(transferID uint64) (*types.TransferRecord, error) {
	unlock := e.lockTransfer(transferID)
	defer unlock()

	return e.loadTransfer(transferID)
}

// GetChallenge returns a withdrawal challenge record by id.
func (e *Engine) GetChallenge(challengeID uint64) (*types.ChallengeRecord, error) {
	data, exists, err := e.db.Get(settledb.NamespaceTransferChallenge, types.Uint64Key(challengeID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUnknownChallenge
	}
	return types.DeserializeChallengeRecordFromStorage(data)
}

func (e *Engine) lockTransfer(transferID uint64) func() {
	key := transferLockPrefix + string(types.Uint64Key(transferID))
	e.locks.Lock(key)
	return func() { e.locks.Unlock(key) }
}

func (e *Engine) loadTransfer(transferID uint64) (*types.TransferRecord, error) {
	data, exists, err := e.db.Get(settledb.NamespaceTransfer, types.Uint64Key(transferID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUnknownTransfer
	}
	record, err := types.DeserializeTransferRecordFromStorage(data)
	if err != nil {
		return nil, err
	}
	if !record.Status.Valid() {
		e.poison(transferID)
		return nil, ErrIntegrity
	}
	return record, nil
}

func (e *Engine) storeTransfer(record *types.TransferRecord) error {
	data, err := record.SerializeForStorage()
	if err != nil {
		return err
	}
	return e.db.Set(settledb.NamespaceTransfer, types.Uint64Key(record.ID), data)
}

// assignAndStore allocates the next transfer id and persists the record
// under it.
func (e *Engine) assignAndStore(record *types.TransferRecord) error {
	id, err := e.nextID(settledb.KeyNextTransferID)
	if err != nil {
		return err
	}
	record.ID = id
	return e.storeTransfer(record)
}

// nextID hands out a monotonic id from a persisted meta counter.
func (e *Engine) nextID(counterKey []byte) (uint64, error) {
	e.idMu.Lock()
	defer e.idMu.Unlock()

	next := uint64(1)
	data, exists, err := e.db.Get(settledb.NamespaceMeta, counterKey)
	if err != nil {
		return 0, err
	}
	if exists {
		next = types.KeyToUint64(data)
	}
	if err := e.db.Set(settledb.NamespaceMeta, counterKey, types.Uint64Key(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

func (e *Engine) rollbackReserve(account common.Address, opClass string, amount uint64) {
	if err := e.guard.Release(account, opClass, amount); err != nil {
		log.Error().Err(err).Str("account", account.Hex()).Msg("Failed to release rate reservation")
	}
}

func (e *Engine) rollbackReplay(messageHash common.Hash) {
	if err := e.guard.ReleaseReplayKey(messageHash); err != nil {
		log.Error().Err(err).Str("messageHash", messageHash.Hex()).Msg("Failed to release replay key")
	}
}

func (e *Engine) poison(transferID uint64) {
	e.poisonMu.Lock()
	e.poisoned[transferID] = true
	e.poisonMu.Unlock()
	log.Error().Uint64("transferId", transferID).Msg("Transfer poisoned after integrity violation")
}

func (e *Engine) checkPoisoned(transferID uint64) error {
	e.poisonMu.Lock()
	defer e.poisonMu.Unlock()
	if e.poisoned[transferID] {
		return fmt.Errorf("transfer %d: %w", transferID, ErrIntegrity)
	}
	return nil
}
