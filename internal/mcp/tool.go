package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// Triggers is the subset of indexer.Service the tools call.
type Triggers interface {
	WatchDefaults() storage.WatchConfig
	CreateLibrary(ctx context.Context, req indexer.CreateLibraryRequest) (*storage.Library, error)
	ResolveLibrary(ctx context.Context, ref string) (*storage.Library, error)
	ListLibraries(ctx context.Context) ([]*storage.Library, error)
	StartIndexing(ctx context.Context, libraryID string, rebuild bool, opts indexer.StartOptions) (*storage.IndexingTask, error)
	UpdateWatchConfig(ctx context.Context, libraryID string, cfg storage.WatchConfig) (*storage.Library, error)
	Search(ctx context.Context, req indexer.SearchRequest) ([]indexer.SearchHit, error)
	GetTask(ctx context.Context, taskID string) (*storage.IndexingTask, error)
	Status(ctx context.Context, libraryID string) (*indexer.LibraryStatus, error)
}

// AddTools registers every cortexd tool with an MCP server.
func AddTools(s *server.MCPServer, svc Triggers) {
	AddCreateLibraryTool(s, svc)
	AddStartIndexingTool(s, svc)
	AddUpdateWatchConfigTool(s, svc)
	AddSearchTool(s, svc)
	AddTaskStatusTool(s, svc)
	AddListLibrariesTool(s, svc)
}

// AddCreateLibraryTool registers the create_library tool.
func AddCreateLibraryTool(s *server.MCPServer, svc Triggers) {
	tool := mcp.NewTool(
		"create_library",
		mcp.WithDescription("Register a directory as a library so it can be indexed and watched. Unset watch options take the server defaults."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Directory to register. Made absolute with symlinks resolved; a directory can be registered once.")),
		mcp.WithString("name",
			mcp.Description("Display name (default: the directory name)")),
		mcp.WithBoolean("watch",
			mcp.Description("Watch the directory and index changes as they happen")),
		mcp.WithArray("include",
			mcp.Description("Glob patterns of files to index, relative to the root (e.g. ['**/*.go'])"),
			mcp.WithStringItems()),
		mcp.WithArray("exclude",
			mcp.Description("Glob patterns of files and directories to skip (e.g. ['vendor/**'])"),
			mcp.WithStringItems()),
		mcp.WithString("debounce",
			mcp.Description("Quiet period before a change is queued, as a duration (e.g. '500ms')")),
		mcp.WithNumber("max_file_size",
			mcp.Description("Files larger than this many bytes are skipped (0 = unlimited)")),
	)

	s.AddTool(tool, createCreateLibraryHandler(svc))
}

func createCreateLibraryHandler(svc Triggers) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		argsMap, errResult := parseToolArguments(request)
		if errResult != nil {
			return errResult, nil
		}

		path, err := parseStringArg(argsMap, "path", true)
		if err != nil {
			return invalidArgument(err), nil
		}
		name, err := parseStringArg(argsMap, "name", false)
		if err != nil {
			return invalidArgument(err), nil
		}

		req := indexer.CreateLibraryRequest{Path: path, Name: name}
		if hasAny(argsMap, watchKeys...) {
			w, err := watchOverrides(argsMap, svc.WatchDefaults())
			if err != nil {
				return invalidArgument(err), nil
			}
			req.Watch = &w
		}

		lib, err := svc.CreateLibrary(ctx, req)
		if err != nil {
			return triggerResult(err), nil
		}
		return marshalToolResponse(libraryView(lib))
	}
}

// AddStartIndexingTool registers the start_indexing tool.
func AddStartIndexingTool(s *server.MCPServer, svc Triggers) {
	tool := mcp.NewTool(
		"start_indexing",
		mcp.WithDescription("Start an indexing run for a library and return the task immediately. Fails with a conflict if the library is already indexing. Poll task_status for progress."),
		mcp.WithString("library",
			mcp.Required(),
			mcp.Description("Library id, root path or name")),
		mcp.WithBoolean("rebuild",
			mcp.Description("Drop the vector collection and re-embed every file (default: incremental full scan)")),
		mcp.WithNumber("priority",
			mcp.Description("Higher priority runs start first when indexing slots are contended (default 0)")),
	)

	s.AddTool(tool, createStartIndexingHandler(svc))
}

func createStartIndexingHandler(svc Triggers) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		argsMap, errResult := parseToolArguments(request)
		if errResult != nil {
			return errResult, nil
		}

		ref, err := parseStringArg(argsMap, "library", true)
		if err != nil {
			return invalidArgument(err), nil
		}
		rebuild := parseBoolArg(argsMap, "rebuild", false)
		priority := parseClampedInt(argsMap, "priority", 0, -100, 100)

		lib, err := svc.ResolveLibrary(ctx, ref)
		if err != nil {
			return triggerResult(err), nil
		}
		// The run outlives this call.
		task, err := svc.StartIndexing(context.WithoutCancel(ctx), lib.ID, rebuild, indexer.StartOptions{Priority: priority})
		if err != nil {
			return triggerResult(err), nil
		}
		return marshalToolResponse(taskView(task))
	}
}

// AddUpdateWatchConfigTool registers the update_watch_config tool.
func AddUpdateWatchConfigTool(s *server.MCPServer, svc Triggers) {
	tool := mcp.NewTool(
		"update_watch_config",
		mcp.WithDescription("Change how a library is watched. Only the given options change. Takes effect for the next run; a run already in progress keeps its configuration."),
		mcp.WithString("library",
			mcp.Required(),
			mcp.Description("Library id, root path or name")),
		mcp.WithBoolean("enabled",
			mcp.Description("Watch the library for changes")),
		mcp.WithArray("include",
			mcp.Description("Replace the include glob patterns"),
			mcp.WithStringItems()),
		mcp.WithArray("exclude",
			mcp.Description("Replace the exclude glob patterns"),
			mcp.WithStringItems()),
		mcp.WithString("debounce",
			mcp.Description("Quiet period before a change is queued, as a duration (e.g. '500ms')")),
		mcp.WithNumber("max_file_size",
			mcp.Description("Files larger than this many bytes are skipped (0 = unlimited)")),
	)

	s.AddTool(tool, createUpdateWatchConfigHandler(svc))
}

func createUpdateWatchConfigHandler(svc Triggers) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		argsMap, errResult := parseToolArguments(request)
		if errResult != nil {
			return errResult, nil
		}

		ref, err := parseStringArg(argsMap, "library", true)
		if err != nil {
			return invalidArgument(err), nil
		}
		lib, err := svc.ResolveLibrary(ctx, ref)
		if err != nil {
			return triggerResult(err), nil
		}

		w, err := watchOverrides(argsMap, lib.Watch)
		if err != nil {
			return invalidArgument(err), nil
		}
		updated, err := svc.UpdateWatchConfig(ctx, lib.ID, w)
		if err != nil {
			return triggerResult(err), nil
		}
		return marshalToolResponse(libraryView(updated))
	}
}

// AddSearchTool registers the search tool.
func AddSearchTool(s *server.MCPServer, svc Triggers) {
	tool := mcp.NewTool(
		"search",
		mcp.WithDescription("Semantic search over an indexed library. Returns the closest code and documentation units with their file and line range."),
		mcp.WithString("library",
			mcp.Required(),
			mcp.Description("Library id, root path or name")),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language search query (e.g., 'retry with backoff', 'where are sessions persisted')")),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return (1-100, default: 10)")),
		mcp.WithNumber("min_score",
			mcp.Description("Drop results whose similarity is below this value")),
	)

	s.AddTool(tool, createSearchHandler(svc))
}

func createSearchHandler(svc Triggers) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		argsMap, errResult := parseToolArguments(request)
		if errResult != nil {
			return errResult, nil
		}

		ref, err := parseStringArg(argsMap, "library", true)
		if err != nil {
			return invalidArgument(err), nil
		}
		query, err := parseStringArg(argsMap, "query", true)
		if err != nil {
			return invalidArgument(err), nil
		}
		minScore, err := parseFloatArg(argsMap, "min_score", -1)
		if err != nil {
			return invalidArgument(err), nil
		}

		lib, err := svc.ResolveLibrary(ctx, ref)
		if err != nil {
			return triggerResult(err), nil
		}
		hits, err := svc.Search(ctx, indexer.SearchRequest{
			LibraryID: lib.ID,
			Query:     query,
			Limit:     parseClampedInt(argsMap, "limit", defaultSearchLimit, 1, maxSearchLimit),
			MinScore:  float32(minScore),
		})
		if err != nil {
			return triggerResult(err), nil
		}
		if hits == nil {
			hits = []indexer.SearchHit{}
		}

		return marshalToolResponse(&SearchResponse{
			LibraryID: lib.ID,
			Query:     query,
			Results:   hits,
			Total:     len(hits),
		})
	}
}

// AddTaskStatusTool registers the task_status tool.
func AddTaskStatusTool(s *server.MCPServer, svc Triggers) {
	tool := mcp.NewTool(
		"task_status",
		mcp.WithDescription("Report an indexing task's progress and result, or a library's status with its active and last task and queued change counts. Give task_id or library."),
		mcp.WithString("task_id",
			mcp.Description("Task id returned by start_indexing")),
		mcp.WithString("library",
			mcp.Description("Library id, root path or name")),
	)

	s.AddTool(tool, createTaskStatusHandler(svc))
}

func createTaskStatusHandler(svc Triggers) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		argsMap, errResult := parseToolArguments(request)
		if errResult != nil {
			return errResult, nil
		}

		taskID, err := parseStringArg(argsMap, "task_id", false)
		if err != nil {
			return invalidArgument(err), nil
		}
		ref, err := parseStringArg(argsMap, "library", false)
		if err != nil {
			return invalidArgument(err), nil
		}

		switch {
		case taskID != "":
			task, err := svc.GetTask(ctx, taskID)
			if err != nil {
				return triggerResult(err), nil
			}
			return marshalToolResponse(&TaskStatusResponse{Task: taskView(task)})

		case ref != "":
			lib, err := svc.ResolveLibrary(ctx, ref)
			if err != nil {
				return triggerResult(err), nil
			}
			st, err := svc.Status(ctx, lib.ID)
			if err != nil {
				return triggerResult(err), nil
			}
			events := make(map[string]int, len(st.Events))
			for status, n := range st.Events {
				events[string(status)] = n
			}
			return marshalToolResponse(&TaskStatusResponse{
				Library:    libraryView(st.Library),
				ActiveTask: taskView(st.ActiveTask),
				LastTask:   taskView(st.LastTask),
				Events:     events,

				CollectionProvider: st.CollectionProvider,
				Providers:          providerViews(st.Providers),
			})

		default:
			return mcp.NewToolResultError(string(indexer.CodeInvalidArgument) + ": task_id or library is required"), nil
		}
	}
}

// AddListLibrariesTool registers the list_libraries tool.
func AddListLibrariesTool(s *server.MCPServer, svc Triggers) {
	tool := mcp.NewTool(
		"list_libraries",
		mcp.WithDescription("List registered libraries with their status and watch configuration."),
	)

	s.AddTool(tool, createListLibrariesHandler(svc))
}

func createListLibrariesHandler(svc Triggers) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		libs, err := svc.ListLibraries(ctx)
		if err != nil {
			return triggerResult(err), nil
		}
		resp := &ListLibrariesResponse{Libraries: make([]LibraryView, 0, len(libs)), Total: len(libs)}
		for _, lib := range libs {
			resp.Libraries = append(resp.Libraries, *libraryView(lib))
		}
		return marshalToolResponse(resp)
	}
}

var watchKeys = []string{"watch", "enabled", "include", "exclude", "debounce", "max_file_size"}

func hasAny(argsMap map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := argsMap[k]; ok {
			return true
		}
	}
	return false
}

// watchOverrides applies the watch arguments present in argsMap to base.
// "watch" and "enabled" are synonyms.
func watchOverrides(argsMap map[string]any, base storage.WatchConfig) (storage.WatchConfig, error) {
	w := base
	for _, key := range []string{"watch", "enabled"} {
		b, err := parseBoolArgPtr(argsMap, key)
		if err != nil {
			return w, err
		}
		if b != nil {
			w.Enabled = *b
		}
	}

	include, err := parseArrayArg(argsMap, "include")
	if err != nil {
		return w, err
	}
	if include != nil {
		w.Include = include
	}
	exclude, err := parseArrayArg(argsMap, "exclude")
	if err != nil {
		return w, err
	}
	if exclude != nil {
		w.Exclude = exclude
	}

	debounce, err := parseDurationArg(argsMap, "debounce")
	if err != nil {
		return w, err
	}
	if debounce != nil {
		w.Debounce = *debounce
	}

	size, err := parseIntArgPtr(argsMap, "max_file_size")
	if err != nil {
		return w, err
	}
	if size != nil {
		w.MaxFileSize = *size
	}
	return w, nil
}
