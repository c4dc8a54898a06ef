package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/lanetrack/pkg/config"
	"github.com/orneryd/lanetrack/pkg/segtree"
	"github.com/orneryd/lanetrack/pkg/session"
	"github.com/orneryd/lanetrack/pkg/solver"
	"github.com/orneryd/lanetrack/pkg/storage"
)

const lane = `
lane_length: 100
frames:
  - roots:
      - {id: 1, a: 10, b: 20, cost: -1}
  - roots:
      - {id: 1, a: 11, b: 19, cost: -1}
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lanetrack v"+version+" ("+commit+")\n", out)
}

func TestSolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(lane), 0o644))
	statePath := filepath.Join(dir, "lane.state")

	out, err := run(t, "solve", path, "--in-memory", "--state-out", statePath, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "status:    OPTIMAL")
	assert.Contains(t, out, "objective: -1.20")
	assert.Contains(t, out, "[10,20]")
	assert.Contains(t, out, "MAPPING")

	doc, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(doc), "# lanetrack-state"))

	out, err = run(t, "solve", path, "--state-in", statePath, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "status:    OPTIMAL")
}

func TestFinishSolve_AfterRestore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lane.state")
	cfg := config.DefaultConfig()
	cfg.Lineage.Name = "lane"
	cfg.Storage.AutosavePath = path

	open := func() *session.Session {
		lin, err := segtree.Decode(strings.NewReader(lane))
		require.NoError(t, err)
		store := storage.NewMemoryEngine()
		t.Cleanup(func() { store.Close() })
		s, err := session.New(ctx, cfg, lin, store, nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}

	_, err := finishSolve(ctx, open(), false)
	require.NoError(t, err)

	s := open()
	_, err = s.RestoreFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.Solves())

	res, err := finishSolve(ctx, s, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Solves(), "restored result is reused")
	assert.Equal(t, solver.Optimal, res.Status)
	assert.InDelta(t, -1.2058, res.Objective, 1e-3)
	assert.NotEmpty(t, res.Snapshot)

	_, err = finishSolve(ctx, s, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Solves())
}

func TestSnapshotsList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(lane), 0o644))
	dataDir := filepath.Join(dir, "data")

	_, err := run(t, "solve", path, "--data-dir", dataDir, "--log-level", "error")
	require.NoError(t, err)

	out, err := run(t, "snapshots", "list", "--data-dir", dataDir, "--log-level", "error")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "OPTIMAL")
}

func TestSolve_Errors(t *testing.T) {
	_, err := run(t, "solve", "--log-level", "error")
	assert.Error(t, err)

	_, err = run(t, "solve", filepath.Join(t.TempDir(), "missing.yaml"), "--log-level", "error")
	assert.Error(t, err)

	_, err = run(t, "snapshots", "list")
	assert.Error(t, err, "listing needs a store")
}

func TestShowState(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	require.NoError(t, store.PutSnapshot(&storage.Snapshot{
		ID: "s1", Lineage: "lane", State: []byte("old\n"), SavedAt: time.Unix(100, 0),
	}))
	require.NoError(t, store.PutSnapshot(&storage.Snapshot{
		ID: "s2", Lineage: "lane", State: []byte("new\n"), SavedAt: time.Unix(200, 0),
	}))

	var buf bytes.Buffer
	require.NoError(t, showState(&buf, store, "lane", ""))
	assert.Equal(t, "new\n", buf.String())

	buf.Reset()
	require.NoError(t, showState(&buf, store, "", "s1"))
	assert.Equal(t, "old\n", buf.String())

	assert.Error(t, showState(&buf, store, "", ""))
	assert.ErrorIs(t, showState(&buf, store, "other", ""), storage.ErrNotFound)
}

func TestPrintSnapshots(t *testing.T) {
	var buf bytes.Buffer
	printSnapshots(&buf, []*storage.Snapshot{{
		ID: "abc", Lineage: "lane", Status: "OPTIMAL", Objective: -1.5,
		SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "2026-01-02T03:04:05Z")
	assert.Contains(t, lines[1], "-1.5000")
}
