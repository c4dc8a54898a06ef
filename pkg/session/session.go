// Package session ties a tracker to its configuration, snapshot store,
// metrics and background solve worker.
//
// A Session serialises solves and edits: at most one solve runs at a time
// and Edit waits for a running solve to finish before it touches the model.
// Solve results are saved as snapshots when autosave is enabled, so an
// interactive curation session can be resumed with Restore.
//
// Example:
//
//	lin, _ := segtree.LoadFile(cfg.Lineage.Path)
//	store, _ := session.OpenStore(cfg.Storage, log)
//	s, err := session.New(ctx, cfg, lin, store, log)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	res, err := s.Solve(ctx)
//	err = s.Edit(ctx, func(tr *lineage.Tracker) error {
//		return tr.ExcludeSegment(h)
//	})
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/orneryd/lanetrack/pkg/config"
	"github.com/orneryd/lanetrack/pkg/costs"
	"github.com/orneryd/lanetrack/pkg/lineage"
	"github.com/orneryd/lanetrack/pkg/metrics"
	"github.com/orneryd/lanetrack/pkg/segtree"
	"github.com/orneryd/lanetrack/pkg/solver"
	"github.com/orneryd/lanetrack/pkg/storage"
)

// DefaultLineageName is used when the configuration names no dataset.
const DefaultLineageName = "default"

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// SolveResult describes one finished solve.
type SolveResult struct {
	Status    solver.Status
	Objective float64
	Duration  time.Duration

	// Snapshot is the id of the autosaved snapshot, empty when none was stored.
	Snapshot storage.SnapshotID
}

// Session owns a tracker and everything that persists or observes it.
type Session struct {
	cfg         *config.Config
	log         *zap.Logger
	tracker     *lineage.Tracker
	solver      *solver.BranchAndBound
	store       storage.Engine
	name        string
	fingerprint string

	// sem admits one solve or edit at a time.
	sem      *semaphore.Weighted
	progress chan solver.Progress
	solves   atomic.Int64

	mu     sync.Mutex
	worker *SolveWorker
	closed bool
}

// OpenStore opens the snapshot store described by cfg. It returns nil when
// neither a data directory nor in-memory storage is configured.
func OpenStore(cfg config.StorageConfig, log *zap.Logger) (storage.Engine, error) {
	switch {
	case cfg.InMemory:
		return storage.NewMemoryEngine(), nil
	case cfg.DataDir != "":
		return storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.DataDir,
			SyncWrites: cfg.SyncWrites,
			Logger:     log,
		})
	default:
		return nil, nil
	}
}

// TrackerOptions maps configuration onto tracker options.
func TrackerOptions(cfg *config.Config) lineage.Options {
	opts := lineage.DefaultOptions()
	opts.CutoffCost = cfg.Tracking.CutoffCost
	opts.MaxCellDrop = cfg.Tracking.MaxCellDrop
	opts.MinCellLength = cfg.Tracking.MinCellLength
	opts.ExitConstraints = cfg.Tracking.ExitConstraints
	opts.TimeOffset = cfg.Tracking.TimeOffset
	opts.BottomOffset = cfg.Tracking.BottomOffset

	weights := costs.DefaultWeights()
	if len(cfg.Tracking.MappingWeights) > 0 {
		weights.Mapping = cfg.Tracking.MappingWeights
	}
	if len(cfg.Tracking.DivisionWeights) > 0 {
		weights.Division = cfg.Tracking.DivisionWeights
	}
	opts.Weights = weights

	opts.Solver = solver.Options{
		TimeLimit:     cfg.Solver.TimeLimit,
		MIPGap:        cfg.Solver.MIPGap,
		NodeLimit:     cfg.Solver.NodeLimit,
		ProgressEvery: cfg.Solver.ProgressEvery,
	}
	return opts
}

// New builds the tracking model for lin. store may be nil, in which case
// snapshots are not kept; the caller keeps ownership of store.
func New(ctx context.Context, cfg *config.Config, lin *segtree.Lineage, store storage.Engine, log *zap.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	name := cfg.LineageName()
	if name == "" {
		name = DefaultLineageName
	}

	s := &Session{
		cfg:      cfg,
		log:      log.With(zap.String("lineage", name)),
		store:    store,
		name:     name,
		sem:      semaphore.NewWeighted(1),
		progress: make(chan solver.Progress, 16),
	}

	opts := TrackerOptions(cfg)
	opts.Logger = s.log
	opts.Solver.Progress = s.publishProgress
	s.solver = solver.NewBranchAndBound(opts.Solver)

	tr, err := lineage.New(ctx, lin, s.solver, opts)
	if err != nil {
		return nil, err
	}
	s.tracker = tr
	s.fingerprint = lin.Fingerprint()
	s.observeModel()
	return s, nil
}

// publishProgress forwards p without blocking the search; reports are
// dropped while the consumer is behind.
func (s *Session) publishProgress(p solver.Progress) {
	select {
	case s.progress <- p:
	default:
	}
}

// Progress returns the channel receiving solver progress reports.
func (s *Session) Progress() <-chan solver.Progress { return s.progress }

// Tracker returns the underlying tracker. Reads are safe at any time;
// mutations should go through Edit.
func (s *Session) Tracker() *lineage.Tracker { return s.tracker }

// Name returns the dataset name snapshots are stored under.
func (s *Session) Name() string { return s.name }

// Fingerprint returns the structural fingerprint of the lineage.
func (s *Session) Fingerprint() string { return s.fingerprint }

// Config returns the session configuration.
func (s *Session) Config() *config.Config { return s.cfg }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Solve runs the optimiser, records metrics and autosaves.
func (s *Session) Solve(ctx context.Context) (SolveResult, error) {
	if s.isClosed() {
		return SolveResult{}, ErrClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return SolveResult{}, err
	}
	defer s.sem.Release(1)
	return s.solveLocked(ctx)
}

func (s *Session) solveLocked(ctx context.Context) (SolveResult, error) {
	if _, err := s.tracker.Solve(ctx); err != nil {
		return SolveResult{}, err
	}
	s.solves.Add(1)

	res := s.LastResult()
	metrics.RecordSolve(res.Status.String(), res.Duration, s.solver.Nodes())
	s.observeModel()

	if s.cfg.Storage.Autosave {
		id, err := s.save(res)
		if err != nil {
			// a failed autosave leaves the solution usable
			s.log.Error("autosave failed", zap.Error(err))
		}
		res.Snapshot = id
	}
	return res, nil
}

// LastResult describes the most recent solve, including the one run by a
// restore, without solving again. Snapshot is always empty.
func (s *Session) LastResult() SolveResult {
	res := SolveResult{Status: s.tracker.Status(), Duration: s.tracker.LastSolveDuration()}
	if obj, err := s.tracker.Objective(); err == nil {
		res.Objective = obj
	}
	return res
}

// Solves returns the number of optimisations run, restores included.
func (s *Session) Solves() int64 { return s.solves.Load() }

func (s *Session) observeModel() {
	metrics.SetModelSize(s.solver.NumVars(), s.solver.NumConstraints())
	metrics.SetOverrides(s.tracker.OverrideCounts())
}

// Edit runs fn with exclusive access to the tracker, waiting for a running
// solve to finish first. A started worker is triggered afterwards when fn
// succeeds.
func (s *Session) Edit(ctx context.Context, fn func(tr *lineage.Tracker) error) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	err := fn(s.tracker)
	s.sem.Release(1)
	if err != nil {
		return err
	}

	metrics.SetOverrides(s.tracker.OverrideCounts())
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w != nil {
		w.Trigger()
	}
	return nil
}

// Save stores the current tracking state as a snapshot and writes the
// autosave file when one is configured.
func (s *Session) Save(ctx context.Context) (storage.SnapshotID, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.sem.Release(1)

	res := SolveResult{Status: s.tracker.Status()}
	if obj, err := s.tracker.Objective(); err == nil {
		res.Objective = obj
	}
	return s.save(res)
}

func (s *Session) save(res SolveResult) (storage.SnapshotID, error) {
	var buf bytes.Buffer
	if err := s.tracker.SaveState(&buf); err != nil {
		return "", fmt.Errorf("writing state: %w", err)
	}

	if path := s.cfg.Storage.AutosavePath; path != "" {
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return "", fmt.Errorf("writing state file: %w", err)
		}
	}

	if s.store == nil {
		return "", nil
	}

	snap := &storage.Snapshot{
		ID:          storage.NewSnapshotID(),
		Lineage:     s.name,
		Fingerprint: s.fingerprint,
		State:       buf.Bytes(),
		Status:      res.Status.String(),
		Objective:   res.Objective,
		SavedAt:     time.Now(),
	}
	if err := s.store.PutSnapshot(snap); err != nil {
		return "", fmt.Errorf("storing snapshot: %w", err)
	}

	if keep := s.cfg.Storage.KeepSnapshots; keep > 0 {
		removed, err := storage.Retain(s.store, s.name, keep)
		if err != nil {
			s.log.Warn("snapshot retention failed", zap.Error(err))
		} else if removed > 0 {
			s.log.Debug("old snapshots removed", zap.Int("removed", removed))
		}
	}

	s.log.Debug("state saved",
		zap.String("snapshot", string(snap.ID)),
		zap.String("status", snap.Status))
	return snap.ID, nil
}

// Snapshots lists the stored snapshots of this dataset, oldest first.
func (s *Session) Snapshots() ([]*storage.Snapshot, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListSnapshots(s.name)
}

// Restore loads a stored snapshot into the tracker and re-solves. An empty
// id restores the newest snapshot of this dataset. Restoring a snapshot
// saved against another segmentation is allowed and reported as a warning.
func (s *Session) Restore(ctx context.Context, id storage.SnapshotID) (lineage.LoadReport, error) {
	if s.store == nil {
		return lineage.LoadReport{}, storage.ErrNotFound
	}

	var (
		snap *storage.Snapshot
		err  error
	)
	if id == "" {
		snap, err = s.store.LatestSnapshot(s.name)
	} else {
		snap, err = s.store.GetSnapshot(id)
	}
	if err != nil {
		return lineage.LoadReport{}, err
	}

	var warnings []string
	if snap.Fingerprint != s.fingerprint {
		msg := fmt.Sprintf("snapshot %s was saved against a different segmentation", snap.ID)
		s.log.Warn(msg,
			zap.String("snapshot_fingerprint", snap.Fingerprint),
			zap.String("fingerprint", s.fingerprint))
		warnings = append(warnings, msg)
	}

	report, err := s.load(ctx, bytes.NewReader(snap.State))
	report.Warnings = append(warnings, report.Warnings...)
	return report, err
}

// RestoreFile loads a state document from path and re-solves.
func (s *Session) RestoreFile(ctx context.Context, path string) (lineage.LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return lineage.LoadReport{}, fmt.Errorf("opening state file: %w", err)
	}
	defer f.Close()
	return s.load(ctx, f)
}

func (s *Session) load(ctx context.Context, r io.Reader) (lineage.LoadReport, error) {
	if s.isClosed() {
		return lineage.LoadReport{}, ErrClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return lineage.LoadReport{}, err
	}
	defer s.sem.Release(1)

	report, err := s.tracker.LoadState(ctx, r)
	if err != nil {
		return report, err
	}
	s.solves.Add(1)
	metrics.RecordSolve(report.Status.String(), s.tracker.LastSolveDuration(), s.solver.Nodes())
	s.observeModel()
	s.log.Info("state restored",
		zap.Int("segments", report.Segments),
		zap.Int("assignments", report.Assignments),
		zap.Int("skipped", report.Skipped),
		zap.Stringer("status", report.Status))
	return report, nil
}

// Close stops the worker. The store is left open for its owner.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.worker
	s.worker = nil
	s.mu.Unlock()

	if w != nil {
		w.stop()
	}
	return nil
}
