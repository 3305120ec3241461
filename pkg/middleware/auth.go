package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gogotex/docstore/internal/security"
)

const (
	claimsKey = "claims"
	userKey   = "user"

	// PermissionsClaim carries a docPermissions document inside a token.
	PermissionsClaim = "docPermissions"
)

// Token is minimal interface for a verified token that can expose claims
type Token interface {
	Claims(v interface{}) error
}

// Verifier is the minimal interface the middleware depends on
type Verifier interface {
	Verify(ctx context.Context, raw string) (Token, error)
}

// GrantDirectory resolves permissions for tokens that carry none.
type GrantDirectory interface {
	Lookup(userID string) (security.Grant, bool)
}

// Revocations reports whether a raw token has been revoked before expiry.
type Revocations interface {
	IsRevoked(ctx context.Context, raw string) (bool, error)
}

// AuthOptions holds the optional collaborators of AuthMiddleware.
type AuthOptions struct {
	Directory   GrantDirectory
	Revocations Revocations
}

// AuthMiddleware returns a Gin middleware that verifies Bearer tokens using the
// provided verifier and stores the resulting security.User on the context.
// Permissions come from the docPermissions claim when present, otherwise from
// the directory; a caller known to neither is denied every action.
func AuthMiddleware(ver Verifier, opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}
		// Expect 'Bearer <token>'
		var token string
		if n, _ := fmt.Sscanf(auth, "Bearer %s", &token); n != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
			return
		}

		if opts.Revocations != nil {
			revoked, err := opts.Revocations.IsRevoked(c.Request.Context(), token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "token revocation check failed"})
				return
			}
			if revoked {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token revoked"})
				return
			}
		}

		verified, err := ver.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "details": err.Error()})
			return
		}

		var claims map[string]interface{}
		if err := verified.Claims(&claims); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "failed to parse claims"})
			return
		}

		user, err := UserFromClaims(claims, opts.Directory)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(claimsKey, claims)
		c.Set(userKey, user)
		c.Next()
	}
}

// UserFromClaims builds the caller identity from verified token claims.
func UserFromClaims(claims map[string]interface{}, dir GrantDirectory) (security.User, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return security.User{}, fmt.Errorf("token has no subject")
	}
	if raw, ok := claims[PermissionsClaim]; ok {
		grant, err := security.ParseGrant(raw)
		if err != nil {
			return security.User{}, fmt.Errorf("invalid %s claim: %w", PermissionsClaim, err)
		}
		return security.User{ID: sub, Permissions: grant}, nil
	}
	if dir != nil {
		if grant, ok := dir.Lookup(sub); ok {
			return security.User{ID: sub, Permissions: grant}, nil
		}
	}
	return security.User{ID: sub, Permissions: security.PerType{}}, nil
}

// UserFromContext returns the caller stored by AuthMiddleware.
func UserFromContext(c *gin.Context) (security.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return security.User{}, false
	}
	u, ok := v.(security.User)
	return u, ok
}

// rateKey prefers the authenticated user so callers behind one NAT are limited
// separately; anonymous requests fall back to the client IP.
func rateKey(c *gin.Context) string {
	if u, ok := UserFromContext(c); ok && u.ID != "" {
		return "sub:" + u.ID
	}
	if v, ok := c.Get(claimsKey); ok {
		if cm, ok := v.(map[string]interface{}); ok {
			if sub, ok := cm["sub"].(string); ok && sub != "" {
				return "sub:" + sub
			}
		}
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
