package indexer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mvp-joe/cortexd/internal/storage"
)

// drainScanLimit bounds how many pending events are inspected to find the
// earliest retry.
const drainScanLimit = 256

// Drainer keeps the change queue moving. It starts an incremental run for a
// library whenever Pending events are waiting and no run is active: at
// startup, when something is enqueued, and after every run. Events that
// already failed wait EventRetryDelay, doubled per failed attempt and capped
// at EventRetryMaxDelay, measured from their last attempt.
type Drainer struct {
	store  *storage.Store
	orch   *Orchestrator
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	timers  map[string]*drainTimer
	stopped bool
}

type drainTimer struct {
	timer *time.Timer
	due   time.Time
}

// NewDrainer creates a Drainer that starts runs on orch and re-checks the
// queue after each of them.
func NewDrainer(store *storage.Store, orch *Orchestrator, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Drainer{
		store:  store,
		orch:   orch,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
		timers: make(map[string]*drainTimer),
	}
	orch.OnFinish(d.runFinished)
	return d
}

// Start drains every library that has Pending events, typically the ones
// left by a previous process or requeued by Recovery.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = context.WithoutCancel(ctx)
	d.mu.Unlock()

	ids, err := d.store.Events.PendingLibraries(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		d.Kick(ctx, id)
	}
	if len(ids) > 0 {
		d.logger.Info("draining pending change events", "libraries", len(ids))
	}
	return nil
}

// Kick starts an incremental run for the library now. A library that is
// already indexing is drained when its run finishes.
func (d *Drainer) Kick(ctx context.Context, libraryID string) {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return
	}

	_, err := d.orch.StartIncremental(ctx, libraryID, StartOptions{})
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyIndexing), errors.Is(err, ErrClosed):
	case errors.Is(err, ErrLibraryNotFound):
		d.logger.Debug("skipping drain of removed library", "library_id", libraryID)
	default:
		d.logger.Error("failed to start incremental run", "library_id", libraryID, "error", err)
	}
}

// Stop cancels scheduled retries. Runs already started are not affected.
func (d *Drainer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, t := range d.timers {
		t.timer.Stop()
		delete(d.timers, id)
	}
}

// Scheduled returns when the library's next automatic retry is due.
func (d *Drainer) Scheduled(libraryID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.timers[libraryID]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// runFinished schedules the next run of a library that still has Pending
// events. Cancelled runs are left alone until something else kicks them.
func (d *Drainer) runFinished(task *storage.IndexingTask) {
	if task.Status == storage.TaskCancelled {
		return
	}
	d.mu.Lock()
	ctx := d.ctx
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return
	}

	pending, err := d.store.Events.LoadPending(ctx, task.LibraryID, drainScanLimit)
	if err != nil {
		d.logger.Warn("failed to check pending events", "library_id", task.LibraryID, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	cfg := d.orch.Config()
	now := d.now()
	delay := cfg.EventRetryMaxDelay
	for _, ev := range pending {
		delay = min(delay, retryDelay(ev, now, cfg.EventRetryDelay, cfg.EventRetryMaxDelay))
	}
	// A failed run retries no sooner than the base delay, whatever is queued
	if task.Status == storage.TaskFailed {
		delay = max(delay, cfg.EventRetryDelay)
	}
	d.schedule(task.LibraryID, delay)
}

// schedule kicks the library after delay, keeping an earlier kick that is
// already scheduled.
func (d *Drainer) schedule(libraryID string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	due := d.now().Add(delay)
	if t, ok := d.timers[libraryID]; ok {
		if !t.due.After(due) {
			return
		}
		t.timer.Stop()
	}

	ctx := d.ctx
	t := &drainTimer{due: due}
	t.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[libraryID] == t {
			delete(d.timers, libraryID)
		}
		d.mu.Unlock()
		d.Kick(ctx, libraryID)
	})
	d.timers[libraryID] = t
	d.logger.Debug("scheduled change event drain", "library_id", libraryID, "delay", delay)
}

// retryDelay is how long ev must still wait before its next attempt.
func retryDelay(ev *storage.ChangeEvent, now time.Time, base, ceiling time.Duration) time.Duration {
	if ev.RetryCount == 0 || ev.LastRetryAt == nil {
		return 0
	}
	backoff := base
	for i := 1; i < ev.RetryCount && backoff < ceiling; i++ {
		backoff *= 2
	}
	backoff = min(backoff, ceiling)
	return max(backoff-now.Sub(*ev.LastRetryAt), 0)
}
