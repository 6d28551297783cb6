package memorydb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settledb "github.com/celer-network/go-settlement/db"
)

func TestSetGetDelete(t *testing.T) {
	db := NewDB()

	require.NoError(t, db.Set(settledb.NamespaceOutput, []byte("k1"), []byte("v1")))

	value, exists, err := db.Get(settledb.NamespaceOutput, []byte("k1"))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []byte("v1"), value)

	// same key under another namespace is a different entry
	_, exists, err = db.Get(settledb.NamespaceTransfer, []byte("k1"))
	require.NoError(t, err)
	assert.False(t, exists)

	found, err := db.Exist(settledb.NamespaceOutput, []byte("k1"))
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, db.Delete(settledb.NamespaceOutput, []byte("k1")))
	found, err = db.Exist(settledb.NamespaceOutput, []byte("k1"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTransactionCommit(t *testing.T) {
	db := NewDB()

	tx := db.NewTx()
	require.NoError(t, tx.Set(settledb.NamespaceOutput, []byte("a"), []byte("1")))
	require.NoError(t, tx.Set(settledb.NamespaceTransfer, []byte("b"), []byte("2")))

	// nothing visible before commit
	_, exists, err := db.Get(settledb.NamespaceOutput, []byte("a"))
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tx.Commit())

	value, exists, err := db.Get(settledb.NamespaceOutput, []byte("a"))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []byte("1"), value)
	value, exists, err = db.Get(settledb.NamespaceTransfer, []byte("b"))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []byte("2"), value)
}

func TestIteratorNamespaceRange(t *testing.T) {
	db := NewDB()

	require.NoError(t, db.Set(settledb.NamespaceOutput, []byte("a"), []byte("1")))
	require.NoError(t, db.Set(settledb.NamespaceOutput, []byte("b"), []byte("2")))
	// neighbours that must stay outside the range
	require.NoError(t, db.Set(settledb.NamespaceOutputHeight, []byte("a"), []byte("x")))
	require.NoError(t, db.Set(settledb.NamespaceOutputChallenge, []byte("a"), []byte("y")))

	start := settledb.PrependNamespace(settledb.NamespaceOutput, nil)
	end := append(append([]byte(nil), start[:len(start)-1]...), start[len(start)-1]+1)

	var values []string
	iter := db.Iterator(start, end)
	for ; iter.Valid(); iter.Next() {
		value, err := iter.Value()
		require.NoError(t, err)
		values = append(values, string(value))
	}
	assert.Equal(t, []string{"1", "2"}, values)
}
