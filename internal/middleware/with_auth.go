package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/utils"
)

// Roles understood by the grader.
const (
	AuthRoleAny       = "any"
	AuthRoleStudent   = "student"
	AuthRoleProfessor = "professor"
	AuthRoleAdmin     = "admin"
)

// AuthOptions configures WithAuth.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth wraps a single handler with an authentication and role guard.
// The professor role also admits teacher and admin tokens.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}
	requireUser := opts.RequireUser || role != AuthRoleAny

	return func(c *fiber.Ctx) error {
		if c.Locals("user_id") == nil {
			if requireUser {
				return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
			}
			return handler(c)
		}

		if !roleAllows(role, normalizeRoleValue(c.Locals("user_role"))) {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{"required_role": role})
		}
		return handler(c)
	}
}

func roleAllows(required, current string) bool {
	switch required {
	case AuthRoleAny:
		return true
	case AuthRoleProfessor:
		return current == AuthRoleProfessor || current == "teacher" || current == AuthRoleAdmin
	default:
		return current == required
	}
}
