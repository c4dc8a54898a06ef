package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SolveWorker re-solves the model in the background whenever it is
// triggered. Triggers arriving during a solve collapse into one follow-up
// solve.
type SolveWorker struct {
	s *Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Trigger channel to wake up worker immediately
	trigger chan struct{}
	results chan SolveResult

	// Stats
	mu      sync.Mutex
	solves  int
	failed  int
	running bool
	last    SolveResult
}

// WorkerStats returns current worker statistics.
type WorkerStats struct {
	Running bool        `json:"running"`
	Solves  int         `json:"solves"`
	Failed  int         `json:"failed"`
	Last    SolveResult `json:"last"`
}

// StartWorker starts the background solve worker, or returns the one
// already running. It returns nil on a closed session.
func (s *Session) StartWorker() *SolveWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.worker != nil {
		return s.worker
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &SolveWorker{
		s:       s,
		ctx:     ctx,
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		results: make(chan SolveResult, 1),
	}

	w.wg.Add(1)
	go w.worker()

	s.worker = w
	return w
}

// Trigger schedules a solve.
func (w *SolveWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Results delivers finished solves. A result is dropped when the previous
// one has not been received yet.
func (w *SolveWorker) Results() <-chan SolveResult { return w.results }

// Stats returns current worker statistics.
func (w *SolveWorker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		Running: w.running,
		Solves:  w.solves,
		Failed:  w.failed,
		Last:    w.last,
	}
}

// stop cancels a running solve and waits for the worker to exit.
func (w *SolveWorker) stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *SolveWorker) worker() {
	defer w.wg.Done()

	w.s.log.Debug("solve worker started")
	for {
		select {
		case <-w.ctx.Done():
			w.s.log.Debug("solve worker stopped")
			return

		case <-w.trigger:
			w.solveOnce()
		}
	}
}

func (w *SolveWorker) solveOnce() {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	res, err := w.s.Solve(w.ctx)

	w.mu.Lock()
	w.running = false
	if err != nil {
		w.failed++
	} else {
		w.solves++
		w.last = res
	}
	w.mu.Unlock()

	if err != nil {
		if w.ctx.Err() == nil {
			w.s.log.Warn("background solve failed", zap.Error(err))
		}
		return
	}

	select {
	case w.results <- res:
	default:
	}
}
