package lineage

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/lanetrack/pkg/solver"
)

type overrideSnapshot struct {
	segments    map[HypothesisID]SegmentState
	assignments map[AssignmentID]AssignmentState
	counts      map[int]int
	roots       []HypothesisID
}

func snapshotOverrides(tr *Tracker) overrideSnapshot {
	s := overrideSnapshot{
		segments:    make(map[HypothesisID]SegmentState),
		assignments: make(map[AssignmentID]AssignmentState),
		counts:      make(map[int]int),
		roots:       tr.PruneRoots(),
	}
	for ti := range tr.NumFrames() {
		for _, h := range tr.Hypotheses(ti) {
			if st := tr.SegmentState(h.ID); st != SegmentFree {
				s.segments[h.ID] = st
			}
		}
		for _, a := range tr.Assignments(ti) {
			if st := tr.AssignmentState(a.ID); st != AssignmentFree {
				s.assignments[a.ID] = st
			}
		}
		if n := tr.SegmentsInFrameCountConstraintRHS(ti); n >= 0 {
			s.counts[ti] = n
		}
	}
	return s
}

func TestSaveLoadState_RoundTrip(t *testing.T) {
	withOffset := func(o *Options) { o.TimeOffset = 100 }
	src := newTracker(t, nested(), withOffset)
	solve(t, src)

	upper, lower := hypAt(t, src, 1, 2), hypAt(t, src, 1, 3)
	require.NoError(t, src.ForceSegment(upper))
	require.NoError(t, src.ExcludeSegment(hypAt(t, src, 2, 1)))
	require.NoError(t, src.AddSegmentsInFrameCountConstraint(0, 1))

	exits := src.Neighborhood(lower, Right)
	require.NotEmpty(t, exits)
	require.NoError(t, src.SetGroundUntruth(exits[0].ID, true))
	solve(t, src)
	require.NoError(t, src.SetPruneRoot(upper, true))

	var buf bytes.Buffer
	require.NoError(t, src.SaveState(&buf))
	doc := buf.String()
	assert.True(t, strings.HasPrefix(doc, "# "+StateVersion+"\n"))
	assert.Contains(t, doc, "TIME, 2, 100, 102\n")
	assert.Contains(t, doc, "\tSIFCC, 100, 1\n")
	assert.Contains(t, doc, "\tSSC, 101, 2, 1\n")
	assert.Contains(t, doc, "\tSSC, 102, 1, 0\n")
	assert.Contains(t, doc, "\tPR, 101, 2\n")

	dst := newTracker(t, nested(), withOffset)
	report, err := dst.LoadState(context.Background(), strings.NewReader(doc))
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 2, report.Segments)
	assert.Equal(t, 1, report.Assignments)
	assert.Equal(t, 1, report.FrameCounts)
	assert.Equal(t, 1, report.PruneRoots)
	assert.Equal(t, solver.Optimal, report.Status)
	assert.Equal(t, 35, report.BottomOffset)

	assert.Equal(t, snapshotOverrides(src), snapshotOverrides(dst))
	assert.True(t, dst.IsPruned(upper))

	var again bytes.Buffer
	require.NoError(t, dst.SaveState(&again))
	assert.Equal(t, doc, again.String())
}

func TestLoadState_Tolerant(t *testing.T) {
	tr := newTracker(t, simpleMapping())
	doc := strings.Join([]string{
		"# saved elsewhere",
		"TIME, 10, 100, 110",
		"SIZE, 2, 3",
		"BOTTOM_OFFSET, 12",
		"",
		"SSC, abc, 1, 1",
		"FOO, 1",
		"SSC, 7, 1, 1",
		"SSC, 1, 42, 1",
		"ASC, 0, 1",
		"  SSC, 1, 1, 0  ",
	}, "\n")

	report, err := tr.LoadState(context.Background(), strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Segments)
	assert.Equal(t, 5, report.Skipped)
	assert.Len(t, report.Warnings, 6)
	assert.Equal(t, 12, report.BottomOffset)
	assert.Equal(t, solver.Optimal, report.Status)

	to := hypAt(t, tr, 1, 1)
	assert.Equal(t, SegmentExcluded, tr.SegmentState(to))
	assert.Empty(t, tr.OptimalSegmentation(1))
}

func TestLoadState_ValueChecks(t *testing.T) {
	tr := newTracker(t, simpleMapping())
	doc := strings.Join([]string{
		"SIFCC, 0, -1",
		"SIFCC, 0, 1.0",
		"SSC, 1, 1, 0.0",
		"SSC, 0, 1, 1.5",
		"ASC, 0, 0, 2",
	}, "\n")

	report, err := tr.LoadState(context.Background(), strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, report.FrameCounts)
	assert.Equal(t, 1, report.Segments)
	assert.Zero(t, report.Assignments)
	assert.Equal(t, 3, report.Skipped)
	require.Len(t, report.Warnings, 3)
	assert.Contains(t, report.Warnings[0], "negative cell count")
	assert.Contains(t, report.Warnings[1], "bad number")
	assert.Contains(t, report.Warnings[2], "not 0 or 1")
	assert.Equal(t, solver.Optimal, report.Status)

	assert.Equal(t, 1, tr.SegmentsInFrameCountConstraintRHS(0))
	assert.Equal(t, SegmentExcluded, tr.SegmentState(hypAt(t, tr, 1, 1)))
	assert.Len(t, tr.OptimalSegmentation(0), 1)
	assert.Empty(t, tr.OptimalSegmentation(1))
}

func TestSaveState_Empty(t *testing.T) {
	tr := newTracker(t, simpleMapping())
	var buf bytes.Buffer
	require.NoError(t, tr.SaveState(&buf))

	want := "# " + StateVersion + "\n\n" +
		"TIME, 1, 0, 1\n" +
		"SIZE, 2, 3\n" +
		"BOTTOM_OFFSET, 35\n\n" +
		"# SegmentsInFrameCountConstraints\n" +
		"# SegmentSelectionConstraints (SSC)\n" +
		"# AssignmentSelectionConstraints (ASC)\n" +
		"# PruningRoots (PR)\n"
	assert.Equal(t, want, buf.String())
}
