package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quickwind/workflow/internal/engine"
	"github.com/quickwind/workflow/pkg/types"
)

// Headers of the task operation contract.
const (
	IdempotencyKeyHeader    = "Idempotency-Key"
	CallbackTimestampHeader = "X-Callback-Timestamp"
	CallbackSignatureHeader = "X-Callback-Signature"
)

const maxCallbackBytes = 1 << 20

// TaskStorage captures the storage operations task inbox handlers require.
type TaskStorage interface {
	ListUserTasks(ctx context.Context, tenantID string, filter types.UserTaskFilter) ([]*types.UserTask, error)
	ListServiceTasks(ctx context.Context, tenantID string, filter types.ServiceTaskFilter) ([]*types.ServiceTask, error)
}

// ListUserTasksHandler handles GET /api/v1/user-tasks.
func ListUserTasksHandler(store TaskStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		var filter types.UserTaskFilter
		if v := c.Query("instance_id"); v != "" {
			filter.InstanceID = &v
		}
		if v := c.Query("status"); v != "" {
			status := types.UserTaskStatus(v)
			filter.Status = &status
		}
		filter.Limit, _ = strconv.Atoi(c.Query("limit"))
		filter.Offset, _ = strconv.Atoi(c.Query("offset"))

		tasks, err := store.ListUserTasks(c.Request.Context(), tenant.ID, filter)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
	}
}

// CompleteUserTaskHandler handles POST /api/v1/user-tasks/:task_id/complete.
// An Idempotency-Key header makes retries safe: a replay of the same request
// returns the recorded response unchanged.
func CompleteUserTaskHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		var req engine.CompleteUserTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		response, err := eng.CompleteUserTask(
			c.Request.Context(),
			tenant,
			c.Param("task_id"),
			c.GetHeader(IdempotencyKeyHeader),
			req,
		)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", response)
	}
}

// ListServiceTasksHandler handles GET /api/v1/service-tasks.
func ListServiceTasksHandler(store TaskStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		var filter types.ServiceTaskFilter
		if v := c.Query("instance_id"); v != "" {
			filter.InstanceID = &v
		}
		if v := c.Query("status"); v != "" {
			status := types.ServiceTaskStatus(v)
			filter.Status = &status
		}
		filter.Limit, _ = strconv.Atoi(c.Query("limit"))
		filter.Offset, _ = strconv.Atoi(c.Query("offset"))

		tasks, err := store.ListServiceTasks(c.Request.Context(), tenant.ID, filter)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
	}
}

// StartServiceTaskHandler handles POST /api/v1/service-tasks/:task_id/start.
func StartServiceTaskHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		var req engine.StartServiceTaskRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		response, err := eng.StartServiceTask(c.Request.Context(), tenant, c.Param("task_id"), req)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", response)
	}
}

// ServiceTaskCallbackHandler handles
// POST /api/v1/service-tasks/:task_id/callback. The route is public; the
// request authenticates itself through the HMAC signature over the exact
// raw body and timestamp.
func ServiceTaskCallbackHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
			return
		}

		timestamp := c.GetHeader(CallbackTimestampHeader)
		signature := c.GetHeader(CallbackSignatureHeader)
		if timestamp == "" || signature == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing callback signature headers"})
			return
		}

		response, err := eng.HandleServiceTaskCallback(
			c.Request.Context(),
			c.Param("task_id"),
			c.GetHeader(IdempotencyKeyHeader),
			timestamp,
			signature,
			rawBody,
		)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", response)
	}
}
