package auth

import (
	"crypto/subtle"
	"strings"

	"branch-ledger/internal/config"

	"github.com/gofiber/fiber/v2"
)

const (
	CtxBranchIDKey = "branch_id"

	AdminTokenHeader = "X-Admin-Token"
)

// BranchJWTMiddleware accepts "Authorization: Bearer <branch token>" and
// stores the branch id in the request locals.
func BranchJWTMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing Authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return fiber.NewError(fiber.StatusUnauthorized, "Authorization must be 'Bearer <token>'")
		}

		claims, err := ParseBranchToken(cfg.JWTSecret, parts[1])
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}

		c.Locals(CtxBranchIDKey, claims.BranchID)
		return c.Next()
	}
}

// BranchIDFromCtx returns the branch authenticated by BranchJWTMiddleware.
func BranchIDFromCtx(c *fiber.Ctx) (string, error) {
	id, ok := c.Locals(CtxBranchIDKey).(string)
	if !ok || id == "" {
		return "", fiber.NewError(fiber.StatusForbidden, "branch not resolved")
	}
	return id, nil
}

// AdminGuard protects operator endpoints with a shared token.
func AdminGuard(cfg *config.Config) fiber.Handler {
	want := []byte(cfg.AdminToken)
	return func(c *fiber.Ctx) error {
		got := []byte(c.Get(AdminTokenHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid admin token")
		}
		return c.Next()
	}
}
