// Package httpapi is the REST admin façade (spec §6): task submission,
// inspection, cancellation, finalization, step retry, DLQ list/resolve, and
// health. Steps can be retried here but not resolved or completed.
// It is a thin adapter — every handler calls straight into a lifecycle
// service or the store and translates the result to an HTTP status; no
// business logic lives here (spec §6 "façade adapters").
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tasker-systems/tasker-core/internal/apperrors"
	"github.com/tasker-systems/tasker-core/internal/dlq"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/lifecycle"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/statemachine"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// Dependencies groups the façade's collaborators. A nil DLQ leaves the /dlq
// routes unregistered, a nil TaskRequests or Finalizer makes its route answer
// 503, and readyz answers 503 without a Store. The task and step routes that
// read the store do not check for a nil Store.
type Dependencies struct {
	Store        store.Store
	TaskRequests *lifecycle.TaskRequestService
	Finalizer    *lifecycle.TaskFinalizer
	DLQ          *dlq.Router
}

// NewRouter builds the admin façade's gin.Engine.
func NewRouter(deps Dependencies, log *logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("tasker-orchestrator"))
	router.Use(requestLogger(log))

	router.GET("/healthz", healthz(deps.Store))
	router.GET("/readyz", readyz(deps.Store))

	api := router.Group("/api/v1")
	api.POST("/tasks", submitTask(deps.TaskRequests))
	api.GET("/tasks/:id", getTask(deps.Store))
	api.GET("/tasks/:id/steps", listSteps(deps.Store))
	api.POST("/tasks/:id/cancel", cancelTask(deps.Store))
	api.POST("/tasks/:id/finalize", finalizeTask(deps.Finalizer))
	api.POST("/steps/:id/retry", retryStep(deps.Store))

	if deps.DLQ != nil {
		api.GET("/dlq", listDLQ(deps.DLQ))
		api.POST("/dlq/:id/resolve", resolveDLQ(deps.DLQ))
	}

	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug("http request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	}
}

func healthz(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	}
}

func readyz(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if st == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "no store configured"})
			return
		}
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

type submitTaskRequest struct {
	Namespace        string `json:"namespace" binding:"required"`
	TemplateName     string `json:"template_name" binding:"required"`
	Version          int    `json:"version"`
	Context          gin.H  `json:"context"`
	Initiator        string `json:"initiator"`
	SourceSystem     string `json:"source_system"`
	Reason           string `json:"reason"`
	IdentityStrategy string `json:"identity_strategy"`
	CallerKey        string `json:"caller_key"`
}

func submitTask(svc *lifecycle.TaskRequestService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if svc == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task submission not available on this process"})
			return
		}
		var body submitTaskRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctxJSON, err := marshalContext(body.Context)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid context: " + err.Error()})
			return
		}
		strategy := domain.IdentityStrict
		if body.IdentityStrategy != "" {
			strategy = domain.IdentityStrategy(body.IdentityStrategy)
		}
		outcome, err := svc.Submit(c.Request.Context(), domain.TaskRequest{
			Namespace: body.Namespace, TemplateName: body.TemplateName, Version: body.Version,
			Context: ctxJSON, Initiator: body.Initiator, SourceSystem: body.SourceSystem, Reason: body.Reason,
			IdentityStrategy: strategy, CallerKey: body.CallerKey,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		status := http.StatusCreated
		if outcome.Deduped {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{"task_id": outcome.TaskID, "status": outcome.Status, "deduped": outcome.Deduped})
	}
}

func getTask(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}
		task, err := st.GetTask(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

func listSteps(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}
		steps, err := st.ListSteps(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"steps": steps})
	}
}

func cancelTask(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}
		task, err := st.GetTask(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := statemachine.ValidateTaskTransition(task.State, domain.TaskCancelled); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if _, err := st.Transition(c.Request.Context(), store.TransitionRequest{
			EntityKind: domain.EntityTask, EntityID: id, TaskID: id,
			From: string(task.State), To: string(domain.TaskCancelled), By: "admin-api",
		}); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"task_id": id, "status": domain.TaskCancelled})
	}
}

func finalizeTask(finalizer *lifecycle.TaskFinalizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if finalizer == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "finalizer not available on this process"})
			return
		}
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}
		if err := finalizer.Evaluate(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"task_id": id})
	}
}

func retryStep(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid step id"})
			return
		}
		step, err := st.GetStep(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		if step.State != domain.StepError {
			c.JSON(http.StatusConflict, gin.H{"error": "only steps in error state can be manually retried"})
			return
		}
		if _, err := st.Transition(c.Request.Context(), store.TransitionRequest{
			EntityKind: domain.EntityStep, EntityID: id, TaskID: step.TaskID,
			From: string(domain.StepError), To: string(domain.StepPending), By: "admin-api",
		}); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"step_id": id, "status": domain.StepPending})
	}
}

func listDLQ(router *dlq.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		namespace := c.Query("namespace")
		resolution := domain.DLQResolution(c.DefaultQuery("resolution", string(domain.DLQUnresolved)))
		limit := 100
		entries, err := router.List(c.Request.Context(), namespace, resolution, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

func resolveDLQ(router *dlq.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dlq entry id"})
			return
		}
		var body struct {
			ResolvedBy string `json:"resolved_by" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := router.Resolve(c.Request.Context(), id, body.ResolvedBy); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dlq_entry_id": id, "resolution": domain.DLQResolvedManually})
	}
}

func marshalContext(h gin.H) ([]byte, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

// writeError translates an internal error's apperrors.Kind to an HTTP
// status code (spec §7 "external surfaces translate internal errors to
// protocol-appropriate codes").
func writeError(c *gin.Context, err error) {
	var stale *store.StaleTransition
	if errors.As(err, &stale) {
		c.JSON(http.StatusConflict, gin.H{"error": stale.Error()})
		return
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindPermanent:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperrors.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case apperrors.KindOverloaded:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
