package bridge

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/celer-network/go-settlement/types"
	"github.com/celer-network/go-settlement/utils"
)

// verifyQuorum checks that sigs carries at least MinSignatures valid
// signatures from distinct active signers over messageHash. Every
// submitted signature must verify; a single bad one rejects the batch.
func (e *Engine) verifyQuorum(messageHash common.Hash, sigs []types.SignerSig) error {
	e.signerMu.RLock()
	defer e.signerMu.RUnlock()

	seen := make(map[common.Address]bool, len(sigs))
	for _, sig := range sigs {
		if !e.signers[sig.Signer] {
			return ErrUnknownSigner
		}
		if !utils.SigIsValid(sig.Signer, messageHash.Bytes(), sig.Sig) {
			return ErrBadSignature
		}
		seen[sig.Signer] = true
	}
	if len(seen) < e.config.MinSignatures {
		return ErrQuorumNotMet
	}
	return nil
}

// AddSigner admits an address to the active signer set.
func (e *Engine) AddSigner(signer common.Address) error {
	e.signerMu.Lock()
	defer e.signerMu.Unlock()

	if e.signers[signer] {
		return ErrSignerExists
	}
	e.signers[signer] = true
	log.Info().Str("signer", signer.Hex()).Msg("Signer added")
	return nil
}

// RemoveSigner evicts an address from the active set. The set never
// shrinks below the quorum size.
func (e *Engine) RemoveSigner(signer common.Address) error {
	e.signerMu.Lock()
	defer e.signerMu.Unlock()

	if !e.signers[signer] {
		return ErrSignerNotFound
	}
	if len(e.signers)-1 < e.config.MinSignatures {
		return ErrSignerSetTooSmall
	}
	delete(e.signers, signer)
	log.Info().Str("signer", signer.Hex()).Msg("Signer removed")
	return nil
}

// Signers returns a snapshot of the active signer set.
func (e *Engine) Signers() []common.Address {
	e.signerMu.RLock()
	defer e.signerMu.RUnlock()

	signers := make([]common.Address, 0, len(e.signers))
	for signer := range e.signers {
		signers = append(signers, signer)
	}
	return signers
}
