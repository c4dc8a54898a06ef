package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/lanetrack/pkg/lineage"
	"github.com/orneryd/lanetrack/pkg/solver"
	"github.com/orneryd/lanetrack/pkg/storage"
)

func waitResult(t *testing.T, w *SolveWorker) SolveResult {
	t.Helper()
	select {
	case res := <-w.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a solve result")
		return SolveResult{}
	}
}

func TestSolveWorker(t *testing.T) {
	store := storage.NewMemoryEngine()
	s := newSession(t, simpleLane, store, testConfig())

	w := s.StartWorker()
	require.NotNil(t, w)
	assert.Same(t, w, s.StartWorker())

	w.Trigger()
	res := waitResult(t, w)
	assert.Equal(t, solver.Optimal, res.Status)
	assert.NotEmpty(t, res.Snapshot)

	// an edit schedules the follow-up solve
	to, ok := s.Tracker().HypothesisAt(1, 1)
	require.True(t, ok)
	require.NoError(t, s.Edit(context.Background(), func(tr *lineage.Tracker) error {
		return tr.ExcludeSegment(to.ID)
	}))
	res = waitResult(t, w)
	assert.Equal(t, solver.Optimal, res.Status)
	assert.Empty(t, s.Tracker().OptimalSegmentation(1))

	stats := w.Stats()
	assert.Equal(t, 2, stats.Solves)
	assert.Zero(t, stats.Failed)
	assert.False(t, stats.Running)
	assert.Equal(t, res.Snapshot, stats.Last.Snapshot)

	snaps, err := s.Snapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	require.NoError(t, s.Close())
}

func TestSolveWorker_CoalescesTriggers(t *testing.T) {
	s := newSession(t, simpleLane, nil, testConfig())
	w := s.StartWorker()

	// hold the solve slot so triggers pile up behind the first solve
	require.NoError(t, s.sem.Acquire(context.Background(), 1))
	w.Trigger()
	require.Eventually(t, func() bool { return w.Stats().Running }, 5*time.Second, time.Millisecond)
	for range 5 {
		w.Trigger()
	}
	s.sem.Release(1)

	require.Eventually(t, func() bool { return w.Stats().Solves == 2 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, w.Stats().Solves)
}

func TestSolveWorker_CloseStopsWorker(t *testing.T) {
	s := newSession(t, simpleLane, nil, testConfig())
	w := s.StartWorker()
	w.Trigger()
	require.NoError(t, s.Close())

	// triggers after close are absorbed
	w.Trigger()
	w.Trigger()
}
