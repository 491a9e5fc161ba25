package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/noah-isme/metislab-api/internal/models"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
	"github.com/noah-isme/metislab-api/pkg/response"
)

// RequireRoles admits callers whose account role is one of roles. It is a
// coarse route guard; per-request workflow rules are enforced by the gateway.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	names := lo.Map(roles, func(r models.UserRole, _ int) string { return string(r) })
	denied := appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("requires one of: %s", strings.Join(names, ", ")))

	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok {
			response.Abort(c, appErrors.ErrUnauthorized)
			return
		}
		if !lo.Contains(roles, claims.Role) {
			response.Abort(c, denied)
			return
		}
		c.Next()
	}
}

// RequireStaff admits the approval chain roles.
func RequireStaff() gin.HandlerFunc {
	return RequireRoles(models.StaffRoles...)
}

// RequireRequester admits the roles that submit requests.
func RequireRequester() gin.HandlerFunc {
	return RequireRoles(models.RequesterRoles...)
}
