package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quickwind/workflow/internal/engine"
	"github.com/quickwind/workflow/pkg/types"
)

// InstanceStorage captures the storage operations instance read handlers
// require.
type InstanceStorage interface {
	ListInstances(ctx context.Context, tenantID string, filter types.InstanceFilter) ([]*types.WorkflowInstance, error)
}

// StartInstanceRequest is the body of an instance start.
type StartInstanceRequest struct {
	CorrelationID string         `json:"correlation_id"`
	BusinessKey   string         `json:"business_key"`
	Variables     map[string]any `json:"variables"`
}

// StartInstanceHandler handles
// POST /api/v1/definitions/:process_key/versions/:version/instances.
// A version of "latest" starts the newest uploaded version.
func StartInstanceHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)
		processKey := c.Param("process_key")

		version := 0
		if raw := c.Param("version"); raw != "latest" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a positive integer or \"latest\""})
				return
			}
			version = parsed
		}

		var req StartInstanceRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		inst, err := eng.StartInstance(c.Request.Context(), tenant, processKey, engine.StartOptions{
			Version:       version,
			CorrelationID: req.CorrelationID,
			BusinessKey:   req.BusinessKey,
			Variables:     req.Variables,
		})
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, inst)
	}
}

// ListInstancesHandler handles GET /api/v1/instances with process_key,
// status, business_key, limit and offset query filters.
func ListInstancesHandler(store InstanceStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		var filter types.InstanceFilter
		if v := c.Query("process_key"); v != "" {
			filter.ProcessKey = &v
		}
		if v := c.Query("status"); v != "" {
			status := types.InstanceStatus(v)
			filter.Status = &status
		}
		if v := c.Query("business_key"); v != "" {
			filter.BusinessKey = &v
		}
		filter.Limit, _ = strconv.Atoi(c.Query("limit"))
		filter.Offset, _ = strconv.Atoi(c.Query("offset"))

		instances, err := store.ListInstances(c.Request.Context(), tenant.ID, filter)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"instances": instances, "total": len(instances)})
	}
}

// GetInstanceHandler handles GET /api/v1/instances/:instance_id with the
// unified state view: instance, tokens and task records.
func GetInstanceHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)
		state, err := eng.GetInstanceState(c.Request.Context(), tenant, c.Param("instance_id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// TerminateInstanceRequest is the optional body of a terminate call.
type TerminateInstanceRequest struct {
	Actor string `json:"actor"`
}

// TerminateInstanceHandler handles POST /api/v1/instances/:instance_id/terminate.
func TerminateInstanceHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		var req TerminateInstanceRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		inst, err := eng.TerminateInstance(c.Request.Context(), tenant, c.Param("instance_id"), req.Actor)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, inst)
	}
}
