package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quickwind/workflow/internal/engine"
	"github.com/quickwind/workflow/internal/logger"
	"github.com/quickwind/workflow/internal/storage"
)

// mapNotFound folds the storage sentinel into the engine taxonomy for
// handlers that query storage directly.
func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return engine.ErrNotFound
	}
	return err
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, engine.ErrInstanceNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "instance_not_running"})
	case errors.Is(err, engine.ErrTaskNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "task_not_active"})
	case errors.Is(err, engine.ErrIdempotencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "idempotency_key_conflict"})
	case errors.Is(err, engine.ErrCatalogBindingConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "catalog_binding_conflict"})
	case errors.Is(err, engine.ErrMissingCatalogBinding):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "missing_catalog_binding"})
	case errors.Is(err, engine.ErrInvalidCallbackPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_callback_payload"})
	case errors.Is(err, engine.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid callback signature", "code": "invalid_signature"})
	case errors.Is(err, engine.ErrStaleTimestamp):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "stale callback timestamp", "code": "stale_timestamp"})
	case errors.Is(err, engine.ErrServiceTaskTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "code": "service_task_timeout"})
	case errors.Is(err, engine.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable", "code": "storage_unavailable"})
	default:
		logger.Logger.Error().Err(err).Str("path", c.FullPath()).Msg("Unhandled request error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
