package bridge

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	settledb "github.com/celer-network/go-settlement/db"
	"github.com/celer-network/go-settlement/types"
)

var ErrInsufficientLiquidity = errors.New("insufficient liquidity")

// providerBalance is a liquidity provider's stake in one asset pool.
type providerBalance struct {
	Provider common.Address `json:"provider"`
	AssetID  uint64         `json:"assetId"`
	Amount   uint64         `json:"amount"`
}

// AddLiquidity stakes amount into an asset's instant withdrawal pool.
func (e *Engine) AddLiquidity(provider common.Address, assetID uint64, amount uint64, now uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}
	if err := e.checkAssetUsable(assetID); err != nil {
		return err
	}

	assetKey := assetLockPrefix + string(types.Uint64Key(assetID))
	e.locks.Lock(assetKey)
	defer e.locks.Unlock(assetKey)

	pool, err := e.loadPool(assetID)
	if err != nil {
		return err
	}
	stake, err := e.loadProviderBalance(provider, assetID)
	if err != nil {
		return err
	}

	pool.Total += amount
	stake.Amount += amount
	if err := e.storePoolAndStake(pool, stake); err != nil {
		return err
	}

	log.Info().
		Str("provider", provider.Hex()).
		Uint64("assetId", assetID).
		Uint64("amount", amount).
		Uint64("poolTotal", pool.Total).
		Msg("Liquidity added")
	return nil
}

// RemoveLiquidity withdraws stake from a pool, bounded by both the
// provider's own stake and the pool's current balance.
func (e *Engine) RemoveLiquidity(provider common.Address, assetID uint64, amount uint64, now uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	assetKey := assetLockPrefix + string(types.Uint64Key(assetID))
	e.locks.Lock(assetKey)
	defer e.locks.Unlock(assetKey)

	pool, err := e.loadPool(assetID)
	if err != nil {
		return err
	}
	stake, err := e.loadProviderBalance(provider, assetID)
	if err != nil {
		return err
	}
	if stake.Amount < amount || pool.Total < amount {
		return ErrInsufficientLiquidity
	}

	pool.Total -= amount
	stake.Amount -= amount
	if err := e.storePoolAndStake(pool, stake); err != nil {
		return err
	}

	log.Info().
		Str("provider", provider.Hex()).
		Uint64("assetId", assetID).
		Uint64("amount", amount).
		Uint64("poolTotal", pool.Total).
		Msg("Liquidity removed")
	return nil
}

// PoolBalance returns the pool state for an asset.
func (e *Engine) PoolBalance(assetID uint64) (*types.PoolBalance, error) {
	assetKey := assetLockPrefix + string(types.Uint64Key(assetID))
	e.locks.Lock(assetKey)
	defer e.locks.Unlock(assetKey)

	return e.loadPool(assetID)
}

// ProviderBalance returns a provider's stake in an asset pool.
func (e *Engine) ProviderBalance(provider common.Address, assetID uint64) (uint64, error) {
	assetKey := assetLockPrefix + string(types.Uint64Key(assetID))
	e.locks.Lock(assetKey)
	defer e.locks.Unlock(assetKey)

	stake, err := e.loadProviderBalance(provider, assetID)
	if err != nil {
		return 0, err
	}
	return stake.Amount, nil
}

// loadPool returns the pool for an asset, zero-valued when unseeded.
// Callers hold the per-asset lock.
func (e *Engine) loadPool(assetID uint64) (*types.PoolBalance, error) {
	data, exists, err := e.db.Get(settledb.NamespaceLiquidityPool, types.Uint64Key(assetID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return &types.PoolBalance{AssetID: assetID}, nil
	}
	return types.DeserializePoolBalanceFromStorage(data)
}

func providerKey(provider common.Address, assetID uint64) []byte {
	return append(provider.Bytes(), types.Uint64Key(assetID)...)
}

func (e *Engine) loadProviderBalance(provider common.Address, assetID uint64) (*providerBalance, error) {
	data, exists, err := e.db.Get(settledb.NamespaceLiquidityProvider, providerKey(provider, assetID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return &providerBalance{Provider: provider, AssetID: assetID}, nil
	}
	var stake providerBalance
	if err := json.Unmarshal(data, &stake); err != nil {
		return nil, err
	}
	return &stake, nil
}

func (e *Engine) storePoolAndStake(pool *types.PoolBalance, stake *providerBalance) error {
	poolData, err := pool.SerializeForStorage()
	if err != nil {
		return err
	}
	stakeData, err := json.Marshal(stake)
	if err != nil {
		return err
	}
	tx := e.db.NewTx()
	tx.Set(settledb.NamespaceLiquidityPool, types.Uint64Key(pool.AssetID), poolData)
	tx.Set(settledb.NamespaceLiquidityProvider, providerKey(stake.Provider, stake.AssetID), stakeData)
	return tx.Commit()
}
