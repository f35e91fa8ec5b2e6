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

const maxDefinitionBytes = 2 << 20

// DefinitionStorage captures the storage operations definition read
// handlers require.
type DefinitionStorage interface {
	ListDefinitions(ctx context.Context, tenantID string) ([]*types.WorkflowDefinition, error)
	GetDefinition(ctx context.Context, tenantID, processKey string) (*types.WorkflowDefinition, error)
	ListDefinitionVersions(ctx context.Context, tenantID, processKey string) ([]*types.DefinitionVersion, error)
	GetDefinitionVersion(ctx context.Context, tenantID, processKey string, version int) (*types.DefinitionVersion, error)
}

// UploadDefinitionHandler handles POST /api/v1/definitions. The body is
// BPMN XML, either raw or as a multipart "file" part. Validation failures
// return the structured error list.
func UploadDefinitionHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)

		xmlText, err := readDefinitionBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(xmlText) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body is empty"})
			return
		}

		version, validationErrs, err := eng.UploadDefinition(c.Request.Context(), tenant, xmlText)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		if len(validationErrs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"errors": validationErrs})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"id":          version.ID,
			"process_key": version.ProcessKey,
			"version":     version.Version,
			"created_at":  version.CreatedAt,
		})
	}
}

func readDefinitionBody(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxDefinitionBytes))
	}
	return io.ReadAll(io.LimitReader(c.Request.Body, maxDefinitionBytes))
}

// ListDefinitionsHandler handles GET /api/v1/definitions.
func ListDefinitionsHandler(store DefinitionStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)
		defs, err := store.ListDefinitions(c.Request.Context(), tenant.ID)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"definitions": defs, "total": len(defs)})
	}
}

// GetDefinitionHandler handles GET /api/v1/definitions/:process_key,
// returning the definition with its version history.
func GetDefinitionHandler(store DefinitionStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)
		processKey := c.Param("process_key")

		def, err := store.GetDefinition(c.Request.Context(), tenant.ID, processKey)
		if err != nil {
			writeEngineError(c, mapNotFound(err))
			return
		}
		versions, err := store.ListDefinitionVersions(c.Request.Context(), tenant.ID, processKey)
		if err != nil {
			writeEngineError(c, mapNotFound(err))
			return
		}
		for _, v := range versions {
			v.BpmnXML = "" // omit full XML from the listing
		}
		c.JSON(http.StatusOK, gin.H{"definition": def, "versions": versions})
	}
}

// GetDefinitionVersionHandler handles
// GET /api/v1/definitions/:process_key/versions/:version including the XML.
func GetDefinitionVersionHandler(store DefinitionStorage) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := tenantFromContext(c)
		processKey := c.Param("process_key")
		version, err := strconv.Atoi(c.Param("version"))
		if err != nil || version < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a positive integer"})
			return
		}

		v, err := store.GetDefinitionVersion(c.Request.Context(), tenant.ID, processKey, version)
		if err != nil {
			writeEngineError(c, mapNotFound(err))
			return
		}
		c.JSON(http.StatusOK, v)
	}
}
