package identity

import (
	"context"
	"strings"

	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/contextkey"
	"benchboard/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const ginIdentityKey = "identity"

// RequireIdentity rejects requests without a valid bearer token with 401.
func RequireIdentity(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			response.AbortWithErrorCode(c, appErr.ServiceUnavailable, "identity provider unavailable")
			return
		}
		id, err := verifier.Verify(c.Request.Context(), ExtractBearerToken(c.GetHeader("Authorization")))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(ginIdentityKey, id)
		c.Set("user_id", id.UserID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, id.UserID))
		c.Next()
	}
}

// FromContext returns the identity stored by RequireIdentity.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ginIdentityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(authHeader string) string {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
