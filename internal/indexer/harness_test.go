package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/extract"
	"github.com/mvp-joe/cortexd/internal/storage"
	"github.com/mvp-joe/cortexd/internal/vectorstore"
)

// spyStore records EnsureCollection calls and can simulate an outage.
type spyStore struct {
	vectorstore.Client

	mu      sync.Mutex
	ensured []int
	down    bool
}

func (s *spyStore) EnsureCollection(ctx context.Context, name, provider string, dims int) (vectorstore.CollectionInfo, error) {
	s.mu.Lock()
	s.ensured = append(s.ensured, dims)
	down := s.down
	s.mu.Unlock()
	if down {
		return vectorstore.CollectionInfo{}, errors.New("connection refused")
	}
	return s.Client.EnsureCollection(ctx, name, provider, dims)
}

func (s *spyStore) CollectionInfo(ctx context.Context, name string) (vectorstore.CollectionInfo, error) {
	if s.isDown() {
		return vectorstore.CollectionInfo{}, errors.New("connection refused")
	}
	return s.Client.CollectionInfo(ctx, name)
}

func (s *spyStore) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	if s.isDown() {
		return errors.New("connection refused")
	}
	return s.Client.Upsert(ctx, collection, points)
}

func (s *spyStore) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *spyStore) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *spyStore) ensureCalls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.ensured...)
}

type harnessOptions struct {
	clients []embed.Client
	batcher embed.BatcherConfig
	orch    Config
}

type harness struct {
	store   *storage.Store
	vectors *spyStore
	primary *embed.FakeClient
	batcher *embed.Batcher
	engine  *SyncEngine
	orch    *Orchestrator
	svc     *Service
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	store := storage.NewTestStore(t)
	chromem, err := vectorstore.NewChromemStore("", false)
	require.NoError(t, err)
	vectors := &spyStore{Client: chromem}

	h := &harness{store: store, vectors: vectors}
	if len(opts.clients) == 0 {
		h.primary = embed.NewFakeClient("primary", 8, 16)
		opts.clients = []embed.Client{h.primary}
	}
	if opts.batcher.Retry.MaxAttempts == 0 {
		opts.batcher.Retry = embed.RetryPolicy{MaxAttempts: 1, Backoff: embed.BackoffFixed, BaseDelay: time.Millisecond}
	}
	if opts.batcher.Concurrency == (embed.Concurrency{}) {
		opts.batcher.Concurrency = embed.Concurrency{Calls: 2, Batches: 2}
	}

	sel, err := embed.NewSelector(opts.clients)
	require.NoError(t, err)
	h.batcher = embed.NewBatcher(sel, nil, opts.batcher, nil)
	h.engine = NewSyncEngine(store.Units, vectors, time.Second, nil)
	h.orch = NewOrchestrator(store, extract.NewRegistry(nil), h.batcher, h.engine, opts.orch, nil)
	h.svc = NewService(store, h.orch, h.engine, h.batcher, nil, storage.WatchConfig{Include: []string{"**/*"}}, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
		_ = chromem.Close()
	})
	return h
}

// library registers root with the given watch config.
func (h *harness) library(t *testing.T, root string, watch storage.WatchConfig) *storage.Library {
	t.Helper()
	lib, err := h.svc.CreateLibrary(context.Background(), CreateLibraryRequest{Path: root, Watch: &watch})
	require.NoError(t, err)
	return lib
}

// run starts a task with start and waits for it to finish.
func (h *harness) run(t *testing.T, start func(context.Context, string, StartOptions) (*storage.IndexingTask, error), libraryID string) *storage.IndexingTask {
	t.Helper()
	ctx := context.Background()
	task, err := start(ctx, libraryID, StartOptions{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done, err := h.orch.Wait(waitCtx, task.ID)
	require.NoError(t, err)
	require.True(t, done.Status.Terminal(), "task %s is %s", done.ID, done.Status)
	return done
}

func (h *harness) vectorCount(t *testing.T, lib *storage.Library) int {
	t.Helper()
	info, err := h.vectors.CollectionInfo(context.Background(), lib.Collection)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return 0
	}
	require.NoError(t, err)
	return info.Count
}

func (h *harness) unitCount(t *testing.T, lib *storage.Library) int {
	t.Helper()
	_, units, err := h.store.Units.CountForLibrary(context.Background(), lib.ID)
	require.NoError(t, err)
	return units
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// goSource returns a Go file with n functions.
func goSource(pkg string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n", pkg)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "\nfunc %sFunc%d() int {\n\treturn %d\n}\n", strings.ToUpper(pkg[:1])+pkg[1:], i, i)
	}
	return b.String()
}

// blockingClient returns a fake client whose calls wait for release to close.
func blockingClient(name string, dims int) (*embed.FakeClient, chan struct{}) {
	release := make(chan struct{})
	c := embed.NewFakeClient(name, dims, 16)
	c.FailWith(func(int, []string) error {
		<-release
		return nil
	})
	return c, release
}
