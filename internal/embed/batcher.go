package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mvp-joe/cortexd/internal/extract"
)

// BatcherConfig configures a Batcher. Zero values select defaults.
type BatcherConfig struct {
	// OptimalBatchSize is the starting and maximum batch size
	// (default: the primary client's PreferredBatchSize).
	OptimalBatchSize int

	// Concurrency bounds; zero fields are auto-tuned from the CPU count.
	Concurrency Concurrency

	// Retry applies to each batch against one client.
	Retry RetryPolicy

	// FallbackEnabled retries a batch once against the selector's alternate
	// after it exhausts its retries. That attempt is not counted against Retry.
	FallbackEnabled bool

	// CallTimeout bounds each embedding call; a timeout counts as a failure.
	CallTimeout time.Duration
}

// Result is the outcome for one input unit.
type Result struct {
	Unit   extract.ContentUnit
	Vector Vector
	Err    error
	Cached bool
}

// ProgressFunc receives the number of units finished by one batch.
type ProgressFunc func(done int)

// Batcher turns content units into vectors.
//
// Two bounds are independent: assembly limits how many EmbedUnits calls
// (file-level batches) run at once, calls limits embedding requests in flight
// across all of them. The batch size adapts to recent outcomes.
type Batcher struct {
	selector *Selector
	cache    *Cache
	cfg      BatcherConfig
	size     *SizeController
	assembly *semaphore.Weighted
	calls    *semaphore.Weighted
	logger   *slog.Logger
}

// NewBatcher creates a Batcher. cache may be nil.
func NewBatcher(selector *Selector, cache *Cache, cfg BatcherConfig, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	tuned := DefaultConcurrency()
	if cfg.Concurrency.Calls <= 0 {
		cfg.Concurrency.Calls = tuned.Calls
	}
	if cfg.Concurrency.Batches <= 0 {
		cfg.Concurrency.Batches = tuned.Batches
	}
	if cfg.OptimalBatchSize <= 0 {
		cfg.OptimalBatchSize = selector.Primary().PreferredBatchSize()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultHTTPTimeout
	}

	return &Batcher{
		selector: selector,
		cache:    cache,
		cfg:      cfg,
		size:     NewSizeController(cfg.OptimalBatchSize),
		assembly: semaphore.NewWeighted(int64(cfg.Concurrency.Batches)),
		calls:    semaphore.NewWeighted(int64(cfg.Concurrency.Calls)),
		logger:   logger,
	}
}

// Selector returns the provider selector used by the batcher.
func (b *Batcher) Selector() *Selector {
	return b.selector
}

// Concurrency returns the effective bounds.
func (b *Batcher) Concurrency() Concurrency {
	return b.cfg.Concurrency
}

// BatchSize returns the current adaptive batch size.
func (b *Batcher) BatchSize() int {
	return b.size.Current()
}

// EmbedUnits embeds units and returns exactly one Result per input unit.
// Output order is not guaranteed to match input order.
//
// A batch that fails after retries (and the fallback attempt, when enabled)
// reports an error for each of its units; other batches are unaffected.
// Cancelling ctx stops dispatching new batches; batches already in flight
// finish. Units never dispatched are reported with the context error.
func (b *Batcher) EmbedUnits(ctx context.Context, units []extract.ContentUnit, progress ProgressFunc) []Result {
	if len(units) == 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return failAll(units, err)
	}
	if err := b.assembly.Acquire(ctx, 1); err != nil {
		return failAll(units, err)
	}
	defer b.assembly.Release(1)

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(units))
		wg      sync.WaitGroup
	)
	emit := func(rs []Result) {
		mu.Lock()
		results = append(results, rs...)
		mu.Unlock()
		if progress != nil {
			progress(len(rs))
		}
	}

	maxInput := b.selector.MaxInputSize()
	pending := b.fromCache(units, maxInput, emit)

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			emit(failAll(pending, err))
			break
		}
		if err := b.calls.Acquire(ctx, 1); err != nil {
			emit(failAll(pending, err))
			break
		}

		n := b.size.Current()
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		pending = pending[n:]

		wg.Add(1)
		go func(batch []extract.ContentUnit) {
			defer wg.Done()
			defer b.calls.Release(1)
			emit(b.embedBatch(ctx, batch, maxInput))
		}(batch)
	}

	wg.Wait()
	return results
}

// fromCache emits cached units and returns the rest.
func (b *Batcher) fromCache(units []extract.ContentUnit, maxInput int, emit func([]Result)) []extract.ContentUnit {
	if b.cache == nil {
		return units
	}
	client := b.selector.Select()

	var (
		hits []Result
		rest = make([]extract.ContentUnit, 0, len(units))
	)
	for _, u := range units {
		key := extract.HashText(Truncate(u.EmbeddingText(), maxInput))
		if v, ok := b.cache.Get(client.Name(), key); ok && v.Dimensions() == client.Dimensions() {
			hits = append(hits, Result{Unit: u, Vector: v, Cached: true})
			continue
		}
		rest = append(rest, u)
	}
	if len(hits) > 0 {
		emit(hits)
	}
	return rest
}

// embedBatch runs one batch through retry against the selected client and,
// if enabled, a single attempt against the alternate.
func (b *Batcher) embedBatch(ctx context.Context, batch []extract.ContentUnit, maxInput int) []Result {
	texts := make([]string, len(batch))
	for i, u := range batch {
		texts[i] = Truncate(u.EmbeddingText(), maxInput)
	}

	client := b.selector.Select()
	vectors, attempts, err := retryWithBackoff(ctx, b.cfg.Retry, func(ctx context.Context) ([]Vector, error) {
		return b.call(ctx, client, texts)
	}, func(err error) {
		b.selector.ReportFailure(client)
		b.size.OnFailure()
	})

	if err != nil && b.cfg.FallbackEnabled && ctx.Err() == nil {
		if alt := b.selector.Alternate(client); alt != nil {
			b.logger.Warn("embedding batch failed, trying fallback",
				"client", client.Name(), "fallback", alt.Name(), "attempts", attempts, "units", len(batch), "error", err)

			client = alt
			vectors, err = b.call(ctx, alt, texts)
			if err != nil {
				b.selector.ReportFailure(alt)
				b.size.OnFailure()
				err = fmt.Errorf("fallback %s: %w", alt.Name(), err)
			}
		}
	}

	if err != nil {
		b.logger.Error("embedding batch failed", "client", client.Name(), "units", len(batch), "error", err)
		return failAll(batch, fmt.Errorf("embedding failed after %d attempts: %w", attempts, err))
	}

	b.selector.ReportSuccess(client)
	b.size.OnSuccess()

	results := make([]Result, len(batch))
	for i, u := range batch {
		results[i] = Result{Unit: u, Vector: vectors[i]}
		if b.cache != nil {
			b.cache.Set(extract.HashText(texts[i]), vectors[i])
		}
	}
	return results
}

// call performs one embedding request under the call timeout and validates it.
func (b *Batcher) call(ctx context.Context, client Client, texts []string) ([]Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	vectors, err := client.Embed(ctx, texts, EmbedModePassage)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: call timeout: %v", ErrTransient, err)
		}
		return nil, err
	}
	if err := checkCount(len(vectors), len(texts)); err != nil {
		return nil, err
	}
	for i := range vectors {
		if vectors[i].Provider == "" {
			vectors[i].Provider = client.Name()
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single search query. Queries against a collection must
// use the provider that embedded it, so a non-empty provider picks that
// client regardless of health; an empty one uses the selected client.
func (b *Batcher) EmbedQuery(ctx context.Context, query, provider string) (Vector, error) {
	client := b.selector.Select()
	if provider != "" {
		if client = b.selector.Client(provider); client == nil {
			return Vector{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
		}
	}
	vectors, _, err := retryWithBackoff(ctx, b.cfg.Retry, func(ctx context.Context) ([]Vector, error) {
		ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
		return client.Embed(ctx, []string{Truncate(query, client.MaxInputSize())}, EmbedModeQuery)
	}, func(error) {
		b.selector.ReportFailure(client)
	})
	if err != nil {
		return Vector{}, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return Vector{}, fmt.Errorf("%w: expected 1 embedding, got %d", ErrPermanent, len(vectors))
	}
	b.selector.ReportSuccess(client)
	if vectors[0].Provider == "" {
		vectors[0].Provider = client.Name()
	}
	return vectors[0], nil
}

func failAll(units []extract.ContentUnit, err error) []Result {
	results := make([]Result, len(units))
	for i, u := range units {
		results[i] = Result{Unit: u, Err: err}
	}
	return results
}
