package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quickwind/workflow/pkg/types"
)

const tenantContextKey = "tenant"

// APIKeyHeader carries the tenant API key on every authenticated route.
const APIKeyHeader = "X-Tenant-Api-Key"

// TenantAuthenticator resolves raw API keys to tenants.
type TenantAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, rawKey string) (*types.Tenant, error)
}

// TenantAuth authenticates the request's API key and attaches the tenant to
// the gin context. Unknown and missing keys both produce the same 401 so the
// header does not leak key validity.
func TenantAuth(auth TenantAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader(APIKeyHeader)
		if rawKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid API key"})
			return
		}
		tenant, err := auth.AuthenticateAPIKey(c.Request.Context(), rawKey)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid API key"})
			return
		}
		c.Set(tenantContextKey, tenant)
		c.Next()
	}
}

// tenantFromContext returns the tenant attached by TenantAuth.
func tenantFromContext(c *gin.Context) *types.Tenant {
	value, ok := c.Get(tenantContextKey)
	if !ok {
		return nil
	}
	tenant, _ := value.(*types.Tenant)
	return tenant
}
