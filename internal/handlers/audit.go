package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quickwind/workflow/pkg/types"
)

// AuditStorage captures the storage operations the audit handler requires.
type AuditStorage interface {
	ListAuditEvents(ctx context.Context, tenantID string, filter types.AuditFilter) ([]*types.AuditEvent, error)
}

// ListAuditEventsHandler handles GET /api/v1/audit with instance_id,
// business_key and event_type query filters. Events come back in append
// order.
func ListAuditEventsHandler(store AuditStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		var filter types.AuditFilter
		if v := c.Query("instance_id"); v != "" {
			filter.InstanceID = &v
		}
		if v := c.Query("business_key"); v != "" {
			filter.BusinessKey = &v
		}
		if v := c.Query("event_type"); v != "" {
			eventType := types.AuditEventType(v)
			filter.EventType = &eventType
		}
		filter.Limit, _ = strconv.Atoi(c.Query("limit"))
		filter.Offset, _ = strconv.Atoi(c.Query("offset"))

		events, err := store.ListAuditEvents(c.Request.Context(), tenant.ID, filter)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
	}
}
