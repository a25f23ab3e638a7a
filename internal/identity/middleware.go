package identity

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxTenantClaims = "cloakgate_tenant_claims"

// EdgeKeyHeader carries the shared secret the edge presents to the resolve
// endpoint.
const EdgeKeyHeader = "X-Edge-Key"

// DevOwnerHeader names the tenant when no token verifier is configured.
const DevOwnerHeader = "X-Owner-ID"

// TenantAuth is RequireTenant, or a pass-through in development mode when
// tokens is nil.
func TenantAuth(tokens *TokenVerifier) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return RequireTenant(tokens)
}

// Owner returns the authenticated tenant or aborts with 401. In development
// mode the owner is read from DevOwnerHeader.
func Owner(c *gin.Context, devMode bool) (string, bool) {
	owner := OwnerFromCtx(c)
	if owner == "" && devMode {
		owner = c.GetHeader(DevOwnerHeader)
	}
	if owner == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant identity required"})
		return "", false
	}
	return owner, true
}

// RequireTenant returns a Gin middleware that enforces a valid tenant
// Bearer token and stores its claims in the context.
func RequireTenant(tokens *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		c.Set(ctxTenantClaims, claims)
		c.Next()
	}
}

// RequireEdgeKey returns a Gin middleware that checks the shared edge key.
// An empty key disables the check.
func RequireEdgeKey(key string) gin.HandlerFunc {
	if key == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(EdgeKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid edge key",
			})
			return
		}
		c.Next()
	}
}

// ClaimsFromCtx returns the tenant claims stored by RequireTenant, or nil.
func ClaimsFromCtx(c *gin.Context) *TenantClaims {
	v, _ := c.Get(ctxTenantClaims)
	claims, _ := v.(*TenantClaims)
	return claims
}

// OwnerFromCtx returns the authenticated tenant identifier, or "".
func OwnerFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.OwnerID()
	}
	return ""
}
