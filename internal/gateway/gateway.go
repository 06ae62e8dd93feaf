// Package gateway exposes the context engine over HTTP: a REST API
// for every context operation and a WebSocket stream of change
// events. The MCP server remains the primary surface; the gateway
// exists for dashboards and non-MCP clients.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stratahq/strata/internal/batch"
	"github.com/stratahq/strata/internal/bus"
	"github.com/stratahq/strata/internal/hierarchy"
	"github.com/stratahq/strata/internal/service"
	"github.com/stratahq/strata/internal/store"
)

// userHeader carries the caller's identity. Requests without it are
// scoped to the configured default user.
const userHeader = "X-User-ID"

// Gateway holds the HTTP surface's dependencies.
type Gateway struct {
	service     *service.Service
	executor    *batch.Executor
	store       *store.Store
	bus         *bus.Bus
	log         *slog.Logger
	defaultUser string
}

// New creates a Gateway.
func New(svc *service.Service, ex *batch.Executor, st *store.Store, eventBus *bus.Bus, defaultUser string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{service: svc, executor: ex, store: st, bus: eventBus, log: log, defaultUser: defaultUser}
}

// Router builds the gin engine with all routes registered.
func (g *Gateway) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/contexts", g.createContext)
		v1.GET("/contexts/:level", g.listContexts)
		v1.GET("/contexts/:level/:id", g.getContext)
		v1.PUT("/contexts/:level/:id", g.updateContext)
		v1.DELETE("/contexts/:level/:id", g.deleteContext)
		v1.POST("/contexts/:level/:id/resolve", g.resolveContext)
		v1.POST("/contexts/:level/:id/delegate", g.delegateContext)
		v1.POST("/contexts/:level/:id/insights", g.addInsight)
		v1.POST("/contexts/:level/:id/progress", g.addProgress)

		v1.POST("/batch", g.executeBatch)
		v1.GET("/delegations", g.listDelegations)
		v1.GET("/audit", g.listAudit)
		v1.GET("/ws", g.streamEvents)
	}
	return router
}

func (g *Gateway) scope(c *gin.Context) hierarchy.Scope {
	user := c.GetHeader(userHeader)
	if user == "" {
		user = g.defaultUser
	}
	return hierarchy.NewScope(user)
}

// fail translates domain errors into HTTP status codes.
func (g *Gateway) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, hierarchy.ErrContextNotFound):
		status = http.StatusNotFound
	case errors.Is(err, hierarchy.ErrContextAlreadyExists),
		errors.Is(err, hierarchy.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, hierarchy.ErrInvalidLevel),
		errors.Is(err, hierarchy.ErrInvalidDelegationTarget),
		errors.Is(err, hierarchy.ErrUnknownOperation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		g.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathLevel(c *gin.Context) (hierarchy.Level, error) {
	return hierarchy.ParseLevel(c.Param("level"))
}

// ─── Context CRUD ────────────────────────────────────────────────────────────

type createRequest struct {
	Level     string         `json:"level" binding:"required"`
	ContextID string         `json:"context_id"`
	Data      map[string]any `json:"data"`
	ProjectID string         `json:"project_id"`
	BranchID  string         `json:"branch_id"`
}

func (g *Gateway) createContext(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	level, err := hierarchy.ParseLevel(req.Level)
	if err != nil {
		g.fail(c, err)
		return
	}

	created, err := g.service.Create(c.Request.Context(), g.scope(c), service.CreateParams{
		Level:     level,
		ID:        req.ContextID,
		Data:      req.Data,
		ProjectID: req.ProjectID,
		BranchID:  req.BranchID,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (g *Gateway) getContext(c *gin.Context) {
	level, err := pathLevel(c)
	if err != nil {
		g.fail(c, err)
		return
	}

	if c.Query("include_inherited") == "true" {
		resolved, err := g.service.Resolve(c.Request.Context(), g.scope(c), level, c.Param("id"),
			c.Query("force_refresh") == "true")
		if err != nil {
			g.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, resolved)
		return
	}

	ctx, err := g.service.Get(c.Request.Context(), g.scope(c), level, c.Param("id"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ctx)
}

type updateRequest struct {
	Data             map[string]any `json:"data" binding:"required"`
	PropagateChanges *bool          `json:"propagate_changes"`
}

func (g *Gateway) updateContext(c *gin.Context) {
	level, err := pathLevel(c)
	if err != nil {
		g.fail(c, err)
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	propagate := true
	if req.PropagateChanges != nil {
		propagate = *req.PropagateChanges
	}

	updated, err := g.service.Update(c.Request.Context(), g.scope(c), level, c.Param("id"), req.Data, propagate)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (g *Gateway) deleteContext(c *gin.Context) {
	level, err := pathLevel(c)
	if err != nil {
		g.fail(c, err)
		return
	}
	existed, err := g.service.Delete(c.Request.Context(), g.scope(c), level, c.Param("id"))
	if err != nil {
		g.fail(c, err)
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": hierarchy.ErrContextNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (g *Gateway) listContexts(c *gin.Context) {
	level, err := pathLevel(c)
	if err != nil {
		g.fail(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	contexts, err := g.service.List(c.Request.Context(), g.scope(c), level, store.ListFilter{
		ProjectID: c.Query("project_id"),
		BranchID:  c.Query("branch_id"),
		Status:    c.Query("status"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	if contexts == nil {
		contexts = []*hierarchy.Context{}
	}
	c.JSON(http.StatusOK, gin.H{"level": level.String(), "count": len(contexts), "contexts": contexts})
}

// ─── Resolution & delegation ─────────────────────────────────────────────────

func (g *Gateway) resolveContext(c *gin.Context) {
	level, err := pathLevel(c)
	if err != nil {
		g.fail(c, err)
		return
	}
	resolved, err := g.service.Resolve(c.Request.Context(), g.scope(c), level, c.Param("id"),
		c.Query("force_refresh") == "true")
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

type delegateRequest struct {
	DelegateTo string         `json:"delegate_to" binding:"required"`
	Data       map[string]any `json:"data" binding:"required"`
	Reason     string         `json:"reason"`
}

func (g *Gateway) delegateContext(c *gin.Context) {
	level, err := pathLevel(c)
	if err != nil {
		g.fail(c, err)
		return
	}
	var req delegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := hierarchy.ParseLevel(req.DelegateTo)
	if err != nil {
		g.fail(c, err)
		return
	}

	d, err := g.service.Delegate(c.Request.Context(), g.scope(c), level, c.Param("id"), target, req.Data, req.Reason)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (g *Gateway) listDelegations(c *gin.Context) {
	delegations, err := g.service.ListDelegations(c.Request.Context(), g.scope(c),
		hierarchy.DelegationStatus(c.Query("status")))
	if err != nil {
		g.fail(c, err)
		return
	}
	if delegations == nil {
		delegations = []*hierarchy.Delegation{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(delegations), "delegations": delegations})
}

// ─── Insights & progress ─────────────────────────────────────────────────────

type insightRequest struct {
	Content    string `json:"content" binding:"required"`
	Category   string `json:"category"`
	Importance string `json:"importance"`
	Agent      string `json:"agent"`
}

func (g *Gateway) addInsight(c *gin.Context) {
	level, err := pathLevel(c)
	if err != nil {
		g.fail(c, err)
		return
	}
	var req insightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in, err := g.service.AddInsight(c.Request.Context(), g.scope(c), level, c.Param("id"), req.Content,
		hierarchy.InsightCategory(req.Category), hierarchy.InsightImportance(req.Importance), req.Agent)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

type progressRequest struct {
	Content string `json:"content" binding:"required"`
	Agent   string `json:"agent"`
}

func (g *Gateway) addProgress(c *gin.Context) {
	level, err := pathLevel(c)
	if err != nil {
		g.fail(c, err)
		return
	}
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := g.service.AddProgress(c.Request.Context(), g.scope(c), level, c.Param("id"), req.Content, req.Agent)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ─── Batch ───────────────────────────────────────────────────────────────────

type batchRequest struct {
	Operations  []batchOperation `json:"operations" binding:"required"`
	Transaction bool             `json:"transaction"`
	Parallel    bool             `json:"parallel"`
	StopOnError bool             `json:"stop_on_error"`
}

type batchOperation struct {
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	ContextID string         `json:"context_id"`
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data"`
	ProjectID string         `json:"project_id"`
	BranchID  string         `json:"branch_id"`
}

func (g *Gateway) executeBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ops := make([]batch.Operation, 0, len(req.Operations))
	for _, op := range req.Operations {
		level, err := hierarchy.ParseLevel(op.Level)
		if err != nil {
			g.fail(c, err)
			return
		}
		ops = append(ops, batch.Operation{
			Type:      op.Type,
			Level:     level,
			ID:        op.ContextID,
			UserID:    op.UserID,
			Data:      op.Data,
			ProjectID: op.ProjectID,
			BranchID:  op.BranchID,
		})
	}

	summary, err := g.executor.Execute(c.Request.Context(), g.scope(c), ops, batch.Options{
		Transaction: req.Transaction,
		Parallel:    req.Parallel,
		StopOnError: req.StopOnError,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ─── Audit ───────────────────────────────────────────────────────────────────

func (g *Gateway) listAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := g.store.ListAudit(c.Request.Context(), g.scope(c), limit)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}
