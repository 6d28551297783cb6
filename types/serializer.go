package types

import (
	"encoding/binary"
	"encoding/json"
)

// Storage codec for settlement records. Records are stored as JSON under
// namespaced keys; numeric keys are big-endian so iteration is ordered.

func (o *OutputRecord) SerializeForStorage() ([]byte, error) {
	return json.Marshal(o)
}

func DeserializeOutputRecordFromStorage(data []byte) (*OutputRecord, error) {
	var record OutputRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *ChallengeRecord) SerializeForStorage() ([]byte, error) {
	return json.Marshal(c)
}

func DeserializeChallengeRecordFromStorage(data []byte) (*ChallengeRecord, error) {
	var record ChallengeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *TransferRecord) SerializeForStorage() ([]byte, error) {
	return json.Marshal(t)
}

func DeserializeTransferRecordFromStorage(data []byte) (*TransferRecord, error) {
	var record TransferRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (w *RateLimitWindow) SerializeForStorage() ([]byte, error) {
	return json.Marshal(w)
}

func DeserializeRateLimitWindowFromStorage(data []byte) (*RateLimitWindow, error) {
	var window RateLimitWindow
	if err := json.Unmarshal(data, &window); err != nil {
		return nil, err
	}
	return &window, nil
}

func (a *Asset) SerializeForStorage() ([]byte, error) {
	return json.Marshal(a)
}

func DeserializeAssetFromStorage(data []byte) (*Asset, error) {
	var asset Asset
	if err := json.Unmarshal(data, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

func (p *PoolBalance) SerializeForStorage() ([]byte, error) {
	return json.Marshal(p)
}

func DeserializePoolBalanceFromStorage(data []byte) (*PoolBalance, error) {
	var balance PoolBalance
	if err := json.Unmarshal(data, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// Uint64Key encodes v as a big-endian storage key.
func Uint64Key(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

// KeyToUint64 decodes a big-endian storage key.
func KeyToUint64(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
