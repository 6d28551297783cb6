package guard

import (
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celer-network/go-settlement/db/memorydb"
	"github.com/celer-network/go-settlement/monitor"
)

var testAccount = common.HexToAddress("0x6a6d2a97da1c453a4e099e8054865a0a59728863")

func newTestGuard(maxCount uint32, maxValue uint64) (*Guard, *monitor.CollectingAlerter) {
	alerter := &monitor.CollectingAlerter{}
	g := New(memorydb.NewDB(), Config{
		WindowSeconds: 100,
		MaxCount:      maxCount,
		MaxValue:      maxValue,
	}, alerter)
	return g, alerter
}

func TestCheckAndReserveWithinCaps(t *testing.T) {
	g, _ := newTestGuard(3, 1000)

	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 300, 0))
	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 300, 10))
	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 300, 20))

	window, err := g.Window(testAccount, "withdraw", 20)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), window.Count)
	assert.Equal(t, uint64(900), window.Value)
}

func TestCountCap(t *testing.T) {
	g, alerter := newTestGuard(2, 1000)

	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 1, 0))
	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 1, 1))
	assert.Equal(t, ErrRateLimited, g.CheckAndReserve(testAccount, "withdraw", 1, 2))

	require.Len(t, alerter.Events(), 1)
	assert.Equal(t, monitor.EventRateLimited, alerter.Events()[0].Type)
}

func TestValueCap(t *testing.T) {
	g, _ := newTestGuard(10, 1000)

	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 600, 0))
	assert.Equal(t, ErrRateLimited, g.CheckAndReserve(testAccount, "withdraw", 500, 1))

	// the rejected attempt must not consume anything
	window, err := g.Window(testAccount, "withdraw", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), window.Count)
	assert.Equal(t, uint64(600), window.Value)
}

func TestValueCapOverflowingAmount(t *testing.T) {
	g, _ := newTestGuard(10, 100)

	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 50, 0))

	// an amount that would wrap value+amount past the cap still rejects
	assert.Equal(t, ErrRateLimited, g.CheckAndReserve(testAccount, "withdraw", math.MaxUint64, 1))

	window, err := g.Window(testAccount, "withdraw", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), window.Count)
	assert.Equal(t, uint64(50), window.Value)
}

func TestWindowRollsOver(t *testing.T) {
	g, _ := newTestGuard(1, 1000)

	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 500, 0))
	assert.Equal(t, ErrRateLimited, g.CheckAndReserve(testAccount, "withdraw", 500, 50))

	// window expires at 100
	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 500, 100))
}

func TestOpClassesAreIndependent(t *testing.T) {
	g, _ := newTestGuard(1, 1000)

	require.NoError(t, g.CheckAndReserve(testAccount, "deposit", 500, 0))
	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 500, 0))
	assert.Equal(t, ErrRateLimited, g.CheckAndReserve(testAccount, "deposit", 1, 1))
}

func TestReleaseCompensatesReservation(t *testing.T) {
	g, _ := newTestGuard(1, 1000)

	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 500, 0))
	require.NoError(t, g.Release(testAccount, "withdraw", 500))

	// the released reservation frees both caps
	require.NoError(t, g.CheckAndReserve(testAccount, "withdraw", 1000, 1))
}

func TestConsumeReplayKey(t *testing.T) {
	g, alerter := newTestGuard(10, 1000)
	key := common.HexToHash("0xaabb")

	require.NoError(t, g.ConsumeReplayKey(key, 0))
	assert.Equal(t, ErrReplayed, g.ConsumeReplayKey(key, 1))

	require.Len(t, alerter.Events(), 1)
	assert.Equal(t, monitor.EventReplayDetected, alerter.Events()[0].Type)
}

func TestReleaseReplayKey(t *testing.T) {
	g, _ := newTestGuard(10, 1000)
	key := common.HexToHash("0xccdd")

	require.NoError(t, g.ConsumeReplayKey(key, 0))
	require.NoError(t, g.ReleaseReplayKey(key))
	require.NoError(t, g.ConsumeReplayKey(key, 1))
}
