package finalization

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celer-network/go-settlement/db/memorydb"
	"github.com/celer-network/go-settlement/monitor"
	"github.com/celer-network/go-settlement/types"
)

const testPeriod = uint64(100)

var (
	testProposer   = common.HexToAddress("0x6813eb9362372eef6200f3b1dbc3f819671cba69")
	testChallenger = common.HexToAddress("0x1eff47bc3a10a45d4b230b5d10e37751fe6aa718")
)

type rejectAllDA struct{}

func (rejectAllDA) Available(common.Hash) bool { return false }

func newTestEngine(t *testing.T) (*Engine, *monitor.CollectingAlerter) {
	alerter := &monitor.CollectingAlerter{}
	engine, err := NewEngine(memorydb.NewDB(), testPeriod, nil, alerter)
	require.NoError(t, err)
	return engine, alerter
}

func propose(t *testing.T, engine *Engine, seed byte, height uint64, at uint64) common.Hash {
	blockHash := common.BytesToHash([]byte{seed})
	_, err := engine.Propose(
		blockHash,
		height,
		common.BytesToHash([]byte{seed, 1}),
		common.BytesToHash([]byte{seed, 2}),
		testProposer,
		at,
	)
	require.NoError(t, err)
	return blockHash
}

func TestProposeAndGet(t *testing.T) {
	engine, alerter := newTestEngine(t)

	blockHash := propose(t, engine, 1, 7, 10)

	record, err := engine.GetOutput(blockHash)
	require.NoError(t, err)
	assert.Equal(t, types.OutputStateProposed, record.State)
	assert.Equal(t, uint64(7), record.BlockNumber)
	assert.Equal(t, uint64(10), record.ProposedAt)
	assert.Equal(t, testProposer, record.Proposer)

	events := alerter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, monitor.EventOutputProposed, events[0].Type)

	_, err = engine.GetOutput(common.BytesToHash([]byte{99}))
	assert.Equal(t, ErrUnknownBlock, err)
}

func TestProposeDuplicateBlock(t *testing.T) {
	engine, _ := newTestEngine(t)

	blockHash := propose(t, engine, 1, 7, 10)
	_, err := engine.Propose(blockHash, 8, common.Hash{}, common.Hash{}, testProposer, 11)
	assert.Equal(t, ErrDuplicateBlock, err)
}

func TestProposeDataUnavailable(t *testing.T) {
	engine, err := NewEngine(memorydb.NewDB(), testPeriod, rejectAllDA{}, nil)
	require.NoError(t, err)

	_, err = engine.Propose(
		common.BytesToHash([]byte{1}), 7, common.Hash{}, common.Hash{}, testProposer, 10)
	assert.Equal(t, ErrDataUnavailable, err)
}

func TestFinalizeWindow(t *testing.T) {
	engine, alerter := newTestEngine(t)

	blockHash := propose(t, engine, 1, 7, 0)

	assert.Equal(t, ErrTooEarly, engine.Finalize(blockHash, 50))
	assert.Equal(t, ErrTooEarly, engine.Finalize(blockHash, 99))

	require.NoError(t, engine.Finalize(blockHash, 100))
	assert.Equal(t, ErrAlreadyFinalized, engine.Finalize(blockHash, 150))

	record, err := engine.GetOutput(blockHash)
	require.NoError(t, err)
	assert.Equal(t, types.OutputStateFinalized, record.State)

	latest, ok := engine.LatestFinalized()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), latest)

	finalizedHash, found, err := engine.FinalizedHashAt(7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, blockHash, finalizedHash)

	events := alerter.Events()
	assert.Equal(t, monitor.EventOutputFinalized, events[len(events)-1].Type)
}

func TestFinalizeRace(t *testing.T) {
	engine, _ := newTestEngine(t)

	blockHash := propose(t, engine, 1, 7, 0)

	const racers = 8
	results := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Finalize(blockHash, 200)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		switch err {
		case nil:
			succeeded++
		case ErrAlreadyFinalized:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestProposeAtFinalizedHeight(t *testing.T) {
	engine, _ := newTestEngine(t)

	blockHash := propose(t, engine, 1, 7, 0)
	require.NoError(t, engine.Finalize(blockHash, 100))

	_, err := engine.Propose(
		common.BytesToHash([]byte{2}), 7, common.Hash{}, common.Hash{}, testProposer, 110)
	assert.Equal(t, ErrDuplicateHeight, err)
}

func TestChallengeBlocksFinalization(t *testing.T) {
	engine, alerter := newTestEngine(t)

	blockHash := propose(t, engine, 1, 7, 0)
	evidence := common.BytesToHash([]byte("evidence"))
	require.NoError(t, engine.Challenge(blockHash, testChallenger, evidence, 20))

	record, err := engine.GetOutput(blockHash)
	require.NoError(t, err)
	assert.Equal(t, types.OutputStateChallenged, record.State)

	// even a fully elapsed window cannot finalize a challenged output
	assert.Equal(t, ErrNotFinalizable, engine.Finalize(blockHash, 500))

	// no second challenge while one is open
	assert.Equal(t, ErrNotChallengeable, engine.Challenge(blockHash, testChallenger, evidence, 21))

	challenge, found, err := engine.GetChallenge(blockHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testChallenger, challenge.Challenger)
	assert.Equal(t, evidence.Bytes(), challenge.Evidence)
	assert.False(t, challenge.Resolved)

	events := alerter.Events()
	assert.Equal(t, monitor.EventOutputChallenged, events[len(events)-1].Type)
}

func TestResolveChallengeUpheld(t *testing.T) {
	engine, alerter := newTestEngine(t)

	blockHash := propose(t, engine, 1, 7, 0)
	require.NoError(t, engine.Challenge(blockHash, testChallenger, common.Hash{}, 20))
	require.NoError(t, engine.ResolveChallenge(blockHash, true, 30))

	record, err := engine.GetOutput(blockHash)
	require.NoError(t, err)
	assert.Equal(t, types.OutputStateInvalidated, record.State)

	// invalidated is terminal
	assert.Equal(t, ErrNotFinalizable, engine.Finalize(blockHash, 500))
	assert.Equal(t, ErrNotChallengeable, engine.Challenge(blockHash, testChallenger, common.Hash{}, 31))
	assert.Equal(t, ErrNoOpenChallenge, engine.ResolveChallenge(blockHash, true, 32))

	challenge, found, err := engine.GetChallenge(blockHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, challenge.Resolved)
	require.NotNil(t, challenge.Successful)
	assert.True(t, *challenge.Successful)

	events := alerter.Events()
	assert.Equal(t, monitor.EventOutputInvalidated, events[len(events)-1].Type)
}

func TestResolveChallengeFailedKeepsOriginalWindow(t *testing.T) {
	engine, _ := newTestEngine(t)

	blockHash := propose(t, engine, 1, 7, 0)
	require.NoError(t, engine.Challenge(blockHash, testChallenger, common.Hash{}, 20))
	require.NoError(t, engine.ResolveChallenge(blockHash, false, 90))

	record, err := engine.GetOutput(blockHash)
	require.NoError(t, err)
	assert.Equal(t, types.OutputStateProposed, record.State)
	assert.Equal(t, uint64(0), record.ProposedAt)

	// the window counts from the original proposal, not the resolution
	require.NoError(t, engine.Finalize(blockHash, 100))
}

func TestFinalizeDue(t *testing.T) {
	engine, _ := newTestEngine(t)

	dueHash := propose(t, engine, 1, 7, 0)
	notDueHash := propose(t, engine, 2, 8, 80)
	challengedHash := propose(t, engine, 3, 9, 0)
	require.NoError(t, engine.Challenge(challengedHash, testChallenger, common.Hash{}, 10))

	finalized, err := engine.FinalizeDue(120)
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	assert.Equal(t, dueHash, finalized[0])

	record, err := engine.GetOutput(notDueHash)
	require.NoError(t, err)
	assert.Equal(t, types.OutputStateProposed, record.State)

	finalized, err = engine.FinalizeDue(200)
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	assert.Equal(t, notDueHash, finalized[0])

	// nothing left due; the sweep is idempotent
	finalized, err = engine.FinalizeDue(300)
	require.NoError(t, err)
	assert.Empty(t, finalized)
}

func TestCompetingProposalLosesWithConflict(t *testing.T) {
	engine, _ := newTestEngine(t)

	// two proposals at the same height are legal until one finalizes
	winner := propose(t, engine, 1, 7, 0)
	loser := propose(t, engine, 2, 7, 0)

	require.NoError(t, engine.Finalize(winner, 100))
	assert.Equal(t, ErrDuplicateHeight, engine.Finalize(loser, 100))

	// the loser stays a readable Proposed record, not a poisoned key
	record, err := engine.GetOutput(loser)
	require.NoError(t, err)
	assert.Equal(t, types.OutputStateProposed, record.State)
	assert.Equal(t, ErrDuplicateHeight, engine.Finalize(loser, 500))

	finalizedHash, found, err := engine.FinalizedHashAt(7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, winner, finalizedHash)
}

func TestFinalizeDueSkipsCompetingProposal(t *testing.T) {
	engine, _ := newTestEngine(t)

	first := propose(t, engine, 1, 7, 0)
	propose(t, engine, 2, 7, 0)

	finalized, err := engine.FinalizeDue(120)
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	assert.Equal(t, first, finalized[0])

	// later sweeps keep running and finalize unrelated outputs
	next := propose(t, engine, 3, 8, 120)
	finalized, err = engine.FinalizeDue(300)
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	assert.Equal(t, next, finalized[0])
}

func TestLatestFinalizedConcurrentCommits(t *testing.T) {
	database := memorydb.NewDB()
	engine, err := NewEngine(database, testPeriod, nil, nil)
	require.NoError(t, err)

	const blocks = 8
	hashes := make([]common.Hash, blocks)
	for i := 0; i < blocks; i++ {
		hashes[i] = propose(t, engine, byte(i+1), uint64(i+1), 0)
	}

	results := make([]error, blocks)
	var wg sync.WaitGroup
	for i := 0; i < blocks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Finalize(hashes[i], 200)
		}(i)
	}
	wg.Wait()
	for _, err := range results {
		require.NoError(t, err)
	}

	latest, ok := engine.LatestFinalized()
	assert.True(t, ok)
	assert.Equal(t, uint64(blocks), latest)

	// the persisted watermark matches memory after racing commits
	reopened, err := NewEngine(database, testPeriod, nil, nil)
	require.NoError(t, err)
	latest, ok = reopened.LatestFinalized()
	assert.True(t, ok)
	assert.Equal(t, uint64(blocks), latest)
}

func TestLatestFinalizedPersists(t *testing.T) {
	database := memorydb.NewDB()
	engine, err := NewEngine(database, testPeriod, nil, nil)
	require.NoError(t, err)

	blockHash := propose(t, engine, 1, 7, 0)
	require.NoError(t, engine.Finalize(blockHash, 100))
	lowHash := propose(t, engine, 2, 5, 100)
	require.NoError(t, engine.Finalize(lowHash, 200))

	// a lower finalized height never lowers the watermark
	latest, ok := engine.LatestFinalized()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), latest)

	reopened, err := NewEngine(database, testPeriod, nil, nil)
	require.NoError(t, err)
	latest, ok = reopened.LatestFinalized()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), latest)
}
