package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/extract"
	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
	"github.com/mvp-joe/cortexd/internal/vectorstore"
)

// Test Plan for MCP tools:
// - NewServer registers create_library, start_indexing, update_watch_config,
//   search, task_status and list_libraries
// - create_library registers a directory with the service defaults, applies
//   given watch options on top of them and reports invalid arguments and conflicts
// - start_indexing returns the task, which completes; unknown libraries are not_found
// - task_status reports a task by id and a library with its last task and event counts
// - search returns hits after indexing and rejects a missing query
// - update_watch_config changes only the given options
// - list_libraries lists every library
// - Serve answers initialize, tools/list and tools/call over a stream

func newTestService(t *testing.T) *indexer.Service {
	t.Helper()

	store := storage.NewTestStore(t)
	vectors, err := vectorstore.NewChromemStore("", false)
	require.NoError(t, err)

	sel, err := embed.NewSelector([]embed.Client{embed.NewFakeClient("fake", 8, 16)})
	require.NoError(t, err)
	batcher := embed.NewBatcher(sel, nil, embed.BatcherConfig{
		Retry:       embed.RetryPolicy{MaxAttempts: 1, Backoff: embed.BackoffFixed, BaseDelay: time.Millisecond},
		Concurrency: embed.Concurrency{Calls: 2, Batches: 2},
	}, nil)
	engine := indexer.NewSyncEngine(store.Units, vectors, time.Second, nil)
	orch := indexer.NewOrchestrator(store, extract.NewRegistry(nil), batcher, engine, indexer.Config{}, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
		_ = vectors.Close()
	})

	defaults := storage.WatchConfig{
		Enabled:  false,
		Include:  []string{"**/*.go"},
		Exclude:  []string{"vendor/**"},
		Debounce: 500 * time.Millisecond,
	}
	return indexer.NewService(store, orch, engine, batcher, nil, defaults, nil)
}

func newLibraryDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n\nfunc helper() int {\n\treturn 42\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("not indexed"), 0o644))
	return root
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.MCP().GetTool(name)
	require.NotNil(t, tool, "tool %s not registered", name)

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	return mcp.GetTextFromContent(result.Content[0])
}

func decodeResult[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, "tool error: %s", resultText(t, result))
	var v T
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &v))
	return v
}

func requireToolError(t *testing.T, result *mcp.CallToolResult, code indexer.TriggerCode) {
	t.Helper()
	require.True(t, result.IsError, "expected %s, got %s", code, resultText(t, result))
	assert.True(t, strings.HasPrefix(resultText(t, result), string(code)+":"), resultText(t, result))
}

func waitCompleted(t *testing.T, s *Server, taskID string) TaskView {
	t.Helper()
	tool := s.MCP().GetTool("task_status")
	require.NotNil(t, tool)

	var task TaskView
	require.Eventually(t, func() bool {
		req := mcp.CallToolRequest{}
		req.Params.Arguments = map[string]any{"task_id": taskID}
		result, err := tool.Handler(context.Background(), req)
		if err != nil || result.IsError || len(result.Content) != 1 {
			return false
		}
		var resp TaskStatusResponse
		if json.Unmarshal([]byte(mcp.GetTextFromContent(result.Content[0])), &resp) != nil || resp.Task == nil {
			return false
		}
		task = *resp.Task
		return task.Status != string(storage.TaskPending) && task.Status != string(storage.TaskRunning)
	}, 10*time.Second, 20*time.Millisecond)
	return task
}

func TestNewServer_RegistersTools(t *testing.T) {
	t.Parallel()

	s := NewServer(newTestService(t), nil)
	tools := s.MCP().ListTools()

	for _, name := range []string{"create_library", "start_indexing", "update_watch_config", "search", "task_status", "list_libraries"} {
		assert.Contains(t, tools, name)
	}
	assert.Len(t, tools, 6)
}

func TestCreateLibraryTool(t *testing.T) {
	t.Parallel()
	s := NewServer(newTestService(t), nil)

	root := newLibraryDir(t)
	lib := decodeResult[LibraryView](t, callTool(t, s, "create_library", map[string]any{"path": root}))
	assert.NotEmpty(t, lib.ID)
	assert.Equal(t, filepath.Base(root), lib.Name)
	assert.Equal(t, string(storage.LibraryPending), lib.Status)
	assert.False(t, lib.Watch.Enabled)
	assert.Equal(t, []string{"**/*.go"}, lib.Watch.Include)
	assert.Equal(t, "500ms", lib.Watch.Debounce)

	t.Run("watch options override defaults", func(t *testing.T) {
		other := newLibraryDir(t)
		lib := decodeResult[LibraryView](t, callTool(t, s, "create_library", map[string]any{
			"path":     other,
			"name":     "other",
			"watch":    true,
			"debounce": "2s",
		}))
		assert.Equal(t, "other", lib.Name)
		assert.True(t, lib.Watch.Enabled)
		assert.Equal(t, "2s", lib.Watch.Debounce)
		assert.Equal(t, []string{"**/*.go"}, lib.Watch.Include, "unset options keep defaults")
		assert.Equal(t, []string{"vendor/**"}, lib.Watch.Exclude)
	})

	t.Run("duplicate root conflicts", func(t *testing.T) {
		requireToolError(t, callTool(t, s, "create_library", map[string]any{"path": root}), indexer.CodeConflict)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		requireToolError(t, callTool(t, s, "create_library", map[string]any{}), indexer.CodeInvalidArgument)
		requireToolError(t, callTool(t, s, "create_library", map[string]any{"path": newLibraryDir(t), "debounce": "soon"}), indexer.CodeInvalidArgument)
		requireToolError(t, callTool(t, s, "create_library", map[string]any{"path": newLibraryDir(t), "include": []any{"[a-"}}), indexer.CodeInvalidArgument)
		requireToolError(t, callTool(t, s, "create_library", map[string]any{"path": filepath.Join(root, "missing")}), indexer.CodeInvalidArgument)
	})
}

func TestIndexAndSearchTools(t *testing.T) {
	t.Parallel()
	s := NewServer(newTestService(t), nil)

	root := newLibraryDir(t)
	lib := decodeResult[LibraryView](t, callTool(t, s, "create_library", map[string]any{"path": root}))

	task := decodeResult[TaskView](t, callTool(t, s, "start_indexing", map[string]any{"library": lib.Name}))
	assert.Equal(t, lib.ID, task.LibraryID)
	assert.Equal(t, string(storage.TaskIndexing), task.Kind)

	done := waitCompleted(t, s, task.ID)
	assert.Equal(t, string(storage.TaskCompleted), done.Status)
	assert.Equal(t, 1, done.Result.FilesIndexed)
	assert.Equal(t, 100.0, done.Progress)

	t.Run("search", func(t *testing.T) {
		resp := decodeResult[SearchResponse](t, callTool(t, s, "search", map[string]any{
			"library": root,
			"query":   "print hello",
			"limit":   1.0,
		}))
		assert.Equal(t, lib.ID, resp.LibraryID)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, 1, resp.Total)
		assert.Equal(t, "main.go", resp.Results[0].FilePath)

		requireToolError(t, callTool(t, s, "search", map[string]any{"library": lib.ID}), indexer.CodeInvalidArgument)
	})

	t.Run("library status", func(t *testing.T) {
		resp := decodeResult[TaskStatusResponse](t, callTool(t, s, "task_status", map[string]any{"library": lib.ID}))
		require.NotNil(t, resp.Library)
		assert.Equal(t, string(storage.LibraryCompleted), resp.Library.Status)
		assert.Equal(t, 1, resp.Library.TotalFiles)
		assert.Nil(t, resp.ActiveTask)
		require.NotNil(t, resp.LastTask)
		assert.Equal(t, task.ID, resp.LastTask.ID)
		assert.Equal(t, "fake", resp.CollectionProvider)
		assert.Equal(t, []ProviderView{{Name: "fake", Active: true, Reachable: true}}, resp.Providers)
	})

	t.Run("rebuild", func(t *testing.T) {
		task := decodeResult[TaskView](t, callTool(t, s, "start_indexing", map[string]any{"library": lib.ID, "rebuild": true}))
		assert.Equal(t, string(storage.TaskRebuild), task.Kind)
		assert.Equal(t, string(storage.TaskCompleted), waitCompleted(t, s, task.ID).Status)
	})

	t.Run("not found", func(t *testing.T) {
		requireToolError(t, callTool(t, s, "start_indexing", map[string]any{"library": "nope"}), indexer.CodeNotFound)
		requireToolError(t, callTool(t, s, "task_status", map[string]any{"task_id": "nope"}), indexer.CodeNotFound)
		requireToolError(t, callTool(t, s, "task_status", map[string]any{}), indexer.CodeInvalidArgument)
	})
}

func TestUpdateWatchConfigTool(t *testing.T) {
	t.Parallel()
	s := NewServer(newTestService(t), nil)

	lib := decodeResult[LibraryView](t, callTool(t, s, "create_library", map[string]any{"path": newLibraryDir(t)}))

	updated := decodeResult[LibraryView](t, callTool(t, s, "update_watch_config", map[string]any{
		"library":       lib.ID,
		"include":       []any{"**/*.go", "**/*.md"},
		"max_file_size": 4096.0,
	}))
	assert.Equal(t, []string{"**/*.go", "**/*.md"}, updated.Watch.Include)
	assert.Equal(t, int64(4096), updated.Watch.MaxFileSize)
	assert.Equal(t, []string{"vendor/**"}, updated.Watch.Exclude, "unset options are kept")
	assert.Equal(t, "500ms", updated.Watch.Debounce)

	requireToolError(t, callTool(t, s, "update_watch_config", map[string]any{"library": lib.ID, "max_file_size": -1.0}), indexer.CodeInvalidArgument)
	requireToolError(t, callTool(t, s, "update_watch_config", map[string]any{"library": "nope"}), indexer.CodeNotFound)
}

func TestListLibrariesTool(t *testing.T) {
	t.Parallel()
	s := NewServer(newTestService(t), nil)

	resp := decodeResult[ListLibrariesResponse](t, callTool(t, s, "list_libraries", nil))
	assert.Empty(t, resp.Libraries)

	callTool(t, s, "create_library", map[string]any{"path": newLibraryDir(t)})
	callTool(t, s, "create_library", map[string]any{"path": newLibraryDir(t)})

	resp = decodeResult[ListLibrariesResponse](t, callTool(t, s, "list_libraries", nil))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Libraries, 2)
}

func TestServer_Serve(t *testing.T) {
	t.Parallel()
	s := NewServer(newTestService(t), nil)
	root := newLibraryDir(t)

	createArgs, err := json.Marshal(map[string]any{"path": root})
	require.NoError(t, err)
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"create_library","arguments":` + string(createArgs) + `}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Serve(ctx, strings.NewReader(input), &out))

	responses := make(map[float64]map[string]any)
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		if id, ok := msg["id"].(float64); ok {
			responses[id] = msg
		}
	}

	require.Contains(t, responses, 1.0)
	initResult := responses[1.0]["result"].(map[string]any)
	assert.Equal(t, ServerName, initResult["serverInfo"].(map[string]any)["name"])

	require.Contains(t, responses, 2.0)
	tools := responses[2.0]["result"].(map[string]any)["tools"].([]any)
	assert.Len(t, tools, 6)

	require.Contains(t, responses, 3.0)
	call := responses[3.0]["result"].(map[string]any)
	assert.Nil(t, call["isError"])
	text := call["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, `"root_path"`)
}
