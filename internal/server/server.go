// Package server wires all components and creates the MCP server
// instance.
//
// This is the composition root: it creates concrete implementations
// and injects them into the tools that depend on them. No business
// logic lives here — only wiring.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stratahq/strata/internal/audit"
	"github.com/stratahq/strata/internal/batch"
	"github.com/stratahq/strata/internal/bus"
	"github.com/stratahq/strata/internal/cache"
	"github.com/stratahq/strata/internal/config"
	"github.com/stratahq/strata/internal/contexttools"
	"github.com/stratahq/strata/internal/gateway"
	"github.com/stratahq/strata/internal/resolver"
	"github.com/stratahq/strata/internal/service"
	"github.com/stratahq/strata/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Components bundles everything a frontend (MCP stdio, HTTP gateway)
// needs to serve the context engine.
type Components struct {
	Config   config.Config
	MCP      *server.MCPServer
	HTTP     *http.Server
	Service  *service.Service
	Executor *batch.Executor
}

// New loads configuration and wires the full component graph: store,
// cache, resolver, event bus, audit recorder, service, batch executor,
// MCP tools and HTTP gateway.
//
// The returned cleanup function closes the database connection and
// must be called on shutdown (typically via defer). It is always
// non-nil and safe to call.
func New() (*Components, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, noop, fmt.Errorf("loading config: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	// --- Create shared dependencies ---

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, noop, fmt.Errorf("opening context store: %w", err)
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			log.Warn("context store close", "error", err)
		}
	}

	ca := cache.New(cfg.Cache.Capacity, cfg.CacheTTL())
	eventBus := bus.New()
	recorder := audit.New(st, log)
	res := resolver.New(st, log)
	svc := service.New(st, ca, res, eventBus, recorder, log)
	executor := batch.New(svc, st, ca, cfg.Batch.ParallelWorkers, cfg.OperationTimeout(), log)

	// --- Create the MCP server ---

	s := server.NewMCPServer(
		"strata",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)
	registerContextTools(s, svc, executor, cfg.DefaultUser)

	// --- HTTP gateway (started by the caller when requested) ---

	gw := gateway.New(svc, executor, st, eventBus, cfg.DefaultUser, log)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: gw.Router(),
	}

	return &Components{
		Config:   cfg,
		MCP:      s,
		HTTP:     httpServer,
		Service:  svc,
		Executor: executor,
	}, cleanup, nil
}

// noop is the default cleanup when initialization fails early.
func noop() {}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// MCP uses stdout for the protocol; logs go to stderr.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

// registerContextTools registers the 10 context MCP tools.
func registerContextTools(s *server.MCPServer, svc *service.Service, executor *batch.Executor, defaultUser string) {
	// --- CRUD ---
	createTool := contexttools.NewCreateTool(svc, defaultUser)
	s.AddTool(createTool.Definition(), createTool.Handle)

	getTool := contexttools.NewGetTool(svc, defaultUser)
	s.AddTool(getTool.Definition(), getTool.Handle)

	updateTool := contexttools.NewUpdateTool(svc, defaultUser)
	s.AddTool(updateTool.Definition(), updateTool.Handle)

	deleteTool := contexttools.NewDeleteTool(svc, defaultUser)
	s.AddTool(deleteTool.Definition(), deleteTool.Handle)

	listTool := contexttools.NewListTool(svc, defaultUser)
	s.AddTool(listTool.Definition(), listTool.Handle)

	// --- Inheritance ---
	resolveTool := contexttools.NewResolveTool(svc, defaultUser)
	s.AddTool(resolveTool.Definition(), resolveTool.Handle)

	delegateTool := contexttools.NewDelegateTool(svc, defaultUser)
	s.AddTool(delegateTool.Definition(), delegateTool.Handle)

	// --- Notes ---
	insightTool := contexttools.NewInsightTool(svc, defaultUser)
	s.AddTool(insightTool.Definition(), insightTool.Handle)

	progressTool := contexttools.NewProgressTool(svc, defaultUser)
	s.AddTool(progressTool.Definition(), progressTool.Handle)

	// --- Batch ---
	batchTool := contexttools.NewBatchTool(executor, defaultUser)
	s.AddTool(batchTool.Definition(), batchTool.Handle)
}

// serverInstructions returns the system instructions that tell the AI
// how to use the context hierarchy effectively.
func serverInstructions() string {
	return `You have access to Strata, a hierarchical context store for agent workflows.

## The hierarchy
Contexts live at four levels: global → project → branch → task.
Lower levels inherit data from their ancestors. When the same key exists
at several levels, the closest level wins. Nested objects merge one level
deep; deeper structures are replaced wholesale.

- global: one per user, holds preferences and standards that apply everywhere
- project: one per project (project_id)
- branch: belongs to a project via project_id in its data
- task: belongs to a branch via branch_id in its data

## Core workflow
1. context_create to add contexts. Branches need project_id, tasks need branch_id.
2. context_resolve (or context_get with include_inherited) to read the full
   inherited view — this is what you should use when starting work on a task.
3. context_update to merge new data. Updates propagate: descendants see the
   change on their next resolve.
4. context_delegate to promote data upward when a discovery applies more
   broadly than the current task (e.g. task → project so sibling tasks inherit it).

## Recording knowledge
- context_add_insight: discoveries, risks, learnings (categorized, ranked)
- context_add_progress: where work stands, so other agents can pick it up

## Bulk work
context_batch executes many operations at once. Use transaction=true when the
operations must succeed or fail together; parallel=true for independent bulk
loads; stop_on_error=true to abort a sequence at the first failure.

## Multi-user
Every tool accepts user_id. Contexts are fully isolated per user; the same
context id under two users refers to two different contexts.`
}
