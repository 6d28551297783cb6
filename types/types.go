package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// OutputState is the lifecycle state of a proposed layer-2 output.
type OutputState uint8

const (
	OutputStateProposed OutputState = iota
	OutputStateChallenged
	OutputStateFinalized
	OutputStateInvalidated
)

func (s OutputState) String() string {
	switch s {
	case OutputStateProposed:
		return "proposed"
	case OutputStateChallenged:
		return "challenged"
	case OutputStateFinalized:
		return "finalized"
	case OutputStateInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Valid reports whether the state is a member of the enum.
func (s OutputState) Valid() bool {
	return s <= OutputStateInvalidated
}

// Terminal reports whether no further transition is possible.
func (s OutputState) Terminal() bool {
	return s == OutputStateFinalized || s == OutputStateInvalidated
}

// OutputRecord is a proposed layer-2 block output awaiting finalization.
// Records are append-only; only the finalization engine mutates State.
type OutputRecord struct {
	BlockHash   common.Hash    `json:"blockHash"`
	BlockNumber uint64         `json:"blockNumber"`
	StateRoot   common.Hash    `json:"stateRoot"`
	OutputRoot  common.Hash    `json:"outputRoot"`
	Proposer    common.Address `json:"proposer"`
	ProposedAt  uint64         `json:"proposedAt"`
	State       OutputState    `json:"state"`
}

// ChallengeRecord is a dispute opened against a proposed output or a
// pending withdrawal. Cross-references go through ids, never pointers.
type ChallengeRecord struct {
	ID            uint64         `json:"id"`
	Challenger    common.Address `json:"challenger"`
	ContestedHash common.Hash    `json:"contestedHash"`
	TransferID    uint64         `json:"transferId,omitempty"`
	Evidence      []byte         `json:"evidence,omitempty"`
	OpenedAt      uint64         `json:"openedAt"`
	Resolved      bool           `json:"resolved"`
	Successful    *bool          `json:"successful,omitempty"`
}

// TransferDirection distinguishes deposits (L1 to L2) from withdrawals
// (L2 to L1).
type TransferDirection uint8

const (
	TransferDirectionDeposit TransferDirection = iota
	TransferDirectionWithdrawal
)

func (d TransferDirection) String() string {
	if d == TransferDirectionDeposit {
		return "deposit"
	}
	return "withdrawal"
}

// TransferStatus is the lifecycle state of a cross-domain transfer.
// Completed and Rejected are terminal.
type TransferStatus uint8

const (
	TransferStatusPending TransferStatus = iota
	TransferStatusInChallengePeriod
	TransferStatusCompleted
	TransferStatusChallenged
	TransferStatusRejected
)

func (s TransferStatus) String() string {
	switch s {
	case TransferStatusPending:
		return "pending"
	case TransferStatusInChallengePeriod:
		return "inChallengePeriod"
	case TransferStatusCompleted:
		return "completed"
	case TransferStatusChallenged:
		return "challenged"
	case TransferStatusRejected:
		return "rejected"
	}
	return "unknown"
}

func (s TransferStatus) Valid() bool {
	return s <= TransferStatusRejected
}

func (s TransferStatus) Terminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusRejected
}

// SignerSig pairs a claimed signer with its signature over the transfer
// message hash.
type SignerSig struct {
	Signer common.Address `json:"signer"`
	Sig    []byte         `json:"sig"`
}

// TransferRecord is a cross-domain value transfer. (Source, Nonce) and
// MessageHash are unique across all time.
type TransferRecord struct {
	ID          uint64            `json:"id"`
	Source      common.Address    `json:"source"`
	Destination common.Address    `json:"destination"`
	AssetID     uint64            `json:"assetId"`
	Amount      uint64            `json:"amount"`
	Nonce       uint64            `json:"nonce"`
	MessageHash common.Hash       `json:"messageHash"`
	Direction   TransferDirection `json:"direction"`
	Status      TransferStatus    `json:"status"`
	CreatedAt   uint64            `json:"createdAt"`
	Signatures  []SignerSig       `json:"signatures"`
	ChallengeID *uint64           `json:"challengeId,omitempty"`
	CompletedAt *uint64           `json:"completedAt,omitempty"`
}

// RateLimitWindow is a rolling per-account counter for one operation class.
type RateLimitWindow struct {
	Account         common.Address `json:"account"`
	OpClass         string         `json:"opClass"`
	WindowSeconds   uint64         `json:"windowSeconds"`
	MaxCount        uint32         `json:"maxCount"`
	MaxValue        uint64         `json:"maxValue"`
	Count           uint32         `json:"count"`
	Value           uint64         `json:"value"`
	WindowStartedAt uint64         `json:"windowStartedAt"`
}

// Asset is a registered bridgeable asset.
type Asset struct {
	ID        uint64         `json:"id"`
	Name      string         `json:"name"`
	Symbol    string         `json:"symbol"`
	Decimals  uint8          `json:"decimals"`
	L1Address common.Address `json:"l1Address"`
	L2Address common.Address `json:"l2Address"`
	Enabled   bool           `json:"enabled"`
}

// PoolBalance is the liquidity pool state for one asset.
type PoolBalance struct {
	AssetID     uint64 `json:"assetId"`
	Total       uint64 `json:"total"`
	FeesAccrued uint64 `json:"feesAccrued"`
}
