package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quickwind/workflow/internal/storage"
	"github.com/quickwind/workflow/pkg/types"
)

// CatalogStorage captures the storage operations catalog handlers require.
type CatalogStorage interface {
	UpsertCatalogEntry(ctx context.Context, tenantID string, reg storage.CatalogRegistration) (*types.CatalogEntry, error)
	ListCatalogEntries(ctx context.Context, tenantID string) ([]*types.CatalogEntry, error)
	ListCatalogTasks(ctx context.Context, tenantID, entryExternalID string) ([]*types.CatalogServiceTask, error)
}

// CatalogTaskPayload is one invokable operation in a registration.
type CatalogTaskPayload struct {
	ExternalID string `json:"external_id" binding:"required"`
	Name       string `json:"name"`
	URL        string `json:"url"`
}

// CatalogEntryPayload is one capability in a registration.
type CatalogEntryPayload struct {
	ExternalID string               `json:"external_id" binding:"required"`
	Name       string               `json:"name" binding:"required"`
	Category   string               `json:"category"`
	ServiceURL string               `json:"service_url" binding:"required"`
	Tasks      []CatalogTaskPayload `json:"tasks"`
}

// RegisterCatalogRequest is the PUT /api/v1/catalog body.
type RegisterCatalogRequest struct {
	Entries []CatalogEntryPayload `json:"entries" binding:"required"`
}

// RegisterCatalogHandler handles PUT /api/v1/catalog. Registration replaces
// each entry's task set, standing in for the out-of-band discovery sync.
func RegisterCatalogHandler(store CatalogStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		var req RegisterCatalogRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		entries := make([]*types.CatalogEntry, 0, len(req.Entries))
		for _, payload := range req.Entries {
			reg := storage.CatalogRegistration{
				ExternalID: payload.ExternalID,
				Name:       payload.Name,
				Category:   payload.Category,
				ServiceURL: payload.ServiceURL,
			}
			for _, task := range payload.Tasks {
				reg.Tasks = append(reg.Tasks, storage.CatalogTaskRegistration{
					ExternalID: task.ExternalID,
					Name:       task.Name,
					URL:        task.URL,
				})
			}
			entry, err := store.UpsertCatalogEntry(c.Request.Context(), tenant.ID, reg)
			if err != nil {
				writeEngineError(c, err)
				return
			}
			entries = append(entries, entry)
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
	}
}

// ListCatalogHandler handles GET /api/v1/catalog, returning entries with
// their invokable tasks.
func ListCatalogHandler(store CatalogStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		entries, err := store.ListCatalogEntries(c.Request.Context(), tenant.ID)
		if err != nil {
			writeEngineError(c, err)
			return
		}

		type entryView struct {
			*types.CatalogEntry
			Tasks []*types.CatalogServiceTask `json:"tasks"`
		}
		views := make([]entryView, 0, len(entries))
		for _, entry := range entries {
			tasks, err := store.ListCatalogTasks(c.Request.Context(), tenant.ID, entry.ExternalID)
			if err != nil {
				writeEngineError(c, err)
				return
			}
			views = append(views, entryView{CatalogEntry: entry, Tasks: tasks})
		}
		c.JSON(http.StatusOK, gin.H{"entries": views, "total": len(views)})
	}
}
