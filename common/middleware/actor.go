package middleware

import (
	"github.com/TNZtims/bazaar-pos-sub001/common/auth"
	apperrors "github.com/TNZtims/bazaar-pos-sub001/common/errors"
	"github.com/gin-gonic/gin"
)

const (
	ActorKey = "actor_id"
	RoleKey  = "role"
)

// Actor resolves who owns the reservations made by this request. A bearer
// token identifies customers, cashiers and admins; otherwise the
// X-Session-ID header identifies an anonymous visitor.
func Actor(validator *auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := auth.BearerToken(c.GetHeader("Authorization")); ok {
			id, err := validator.Identify(token)
			if err != nil {
				apperrors.Abort(c, apperrors.ErrInvalidToken.Wrap(err))
				return
			}
			storeID := c.Param("storeId")
			if id.Role == auth.RoleCashier && id.StoreID != "" && id.StoreID != storeID {
				apperrors.Abort(c, apperrors.ErrForbidden)
				return
			}
			c.Set(ActorKey, auth.ActorID(id, storeID))
			c.Set(RoleKey, id.Role)
			c.Next()
			return
		}

		if session := c.GetHeader("X-Session-ID"); session != "" {
			c.Set(ActorKey, auth.AnonymousActorID(session))
			c.Set(RoleKey, "anonymous")
			c.Next()
			return
		}

		apperrors.Abort(c, apperrors.ErrMissingIdentity)
	}
}

// RequireRole only lets callers with one of roles through.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(RoleKey)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		apperrors.Abort(c, apperrors.ErrForbidden)
	}
}
