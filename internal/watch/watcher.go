// Package watch runs the ingestion pipeline on a fixed interval,
// turning the one-shot CLI into a long-lived mirror of a label.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/dkrall/inboxmd/internal/model"
	"github.com/dkrall/inboxmd/internal/pipeline"
)

// State represents the current state of the background runner.
type State int

const (
	Idle State = iota
	Running
	Errored
)

// Status holds the watcher's current state and last completed run.
type Status struct {
	State   State
	LastRun time.Time
	Error   error
}

// Result is delivered on the result channel after every pipeline run.
type Result struct {
	Progress model.FetchProgress
	Error    error
}

// Runner executes one full pipeline pass. *pipeline.Ingestor satisfies it.
type Runner interface {
	Run(ctx context.Context, labelID, query string, opts pipeline.StageOptions) (model.FetchProgress, error)
}

// defaultInterval applies when the configured interval is not positive.
const defaultInterval = 5 * time.Minute

// Watcher repeatedly runs the pipeline for one label. Runs are
// strictly sequential; a trigger arriving mid-run coalesces with the
// ticker rather than overlapping it.
type Watcher struct {
	runner   Runner
	labelID  string
	query    string
	interval time.Duration

	resultCh  chan Result
	triggerCh chan struct{}
	stopCh    chan struct{}

	mu      sync.Mutex
	status  Status
	running bool
}

// New creates a Watcher that runs the pipeline for labelID every
// interval.
func New(runner Runner, labelID, query string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Watcher{
		runner:    runner,
		labelID:   labelID,
		query:     query,
		interval:  interval,
		resultCh:  make(chan Result, 16),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling loop. Calling Start twice is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop halts the polling loop. The result channel stays open; pending
// results may still be drained.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	w.running = false
}

// Trigger requests an immediate run. Non-blocking; a trigger already
// queued is enough.
func (w *Watcher) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Results returns the channel carrying one Result per completed run.
func (w *Watcher) Results() <-chan Result {
	return w.resultCh
}

// GetStatus returns the watcher's current status.
func (w *Watcher) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// An initial run immediately, then on every tick or trigger.
	w.runOnce(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	w.setStatus(Running, nil)

	progress, err := w.runner.Run(ctx, w.labelID, w.query, pipeline.StageOptions{})
	if err != nil {
		w.setStatus(Errored, err)
	} else {
		w.setStatus(Idle, nil)
	}

	w.sendResult(Result{Progress: progress, Error: err})
}

func (w *Watcher) setStatus(state State, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status.State = state
	w.status.Error = err
	if state == Idle && err == nil {
		w.status.LastRun = time.Now()
	}
}

// sendResult delivers a result without blocking the loop; with no
// consumer keeping up, older results are dropped.
func (w *Watcher) sendResult(res Result) {
	select {
	case w.resultCh <- res:
	default:
	}
}
