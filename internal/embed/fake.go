package embed

import (
	"context"
	"sync"
)

// FailFunc decides whether call number n (1-based) of a FakeClient fails.
type FailFunc func(n int, texts []string) error

// FakeClient is a LocalClient whose calls can be made to fail on demand.
// Used by tests across packages.
type FakeClient struct {
	*LocalClient

	mu        sync.Mutex
	calls     int
	texts     int
	fail      FailFunc
	unhealthy bool
	checks    int
}

// NewFakeClient creates a FakeClient producing dims-sized vectors in batches of batchSize.
func NewFakeClient(name string, dims, batchSize int) *FakeClient {
	return &FakeClient{LocalClient: NewLocalClient(name, dims, 0, batchSize)}
}

// FailWith installs fn; nil makes every call succeed.
func (f *FakeClient) FailWith(fn FailFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

// AlwaysFail makes every call fail with err.
func (f *FakeClient) AlwaysFail(err error) {
	f.FailWith(func(int, []string) error { return err })
}

// Embed implements Client.
func (f *FakeClient) Embed(ctx context.Context, texts []string, mode EmbedMode) ([]Vector, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(n, texts); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.texts += len(texts)
	f.mu.Unlock()
	return f.LocalClient.Embed(ctx, texts, mode)
}

// SetHealthy sets what IsHealthy reports.
func (f *FakeClient) SetHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy = !ok
}

// IsHealthy implements Client.
func (f *FakeClient) IsHealthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return !f.unhealthy
}

// HealthChecks returns the number of IsHealthy calls so far.
func (f *FakeClient) HealthChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

// Calls returns the number of Embed calls so far.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Embedded returns the number of texts successfully embedded.
func (f *FakeClient) Embedded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts
}
