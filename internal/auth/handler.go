package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"branch-ledger/internal/config"
	"branch-ledger/internal/models"
	"branch-ledger/internal/syncapi"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// NewAPIKey returns a random branch API key. Only its bcrypt hash is stored.
func NewAPIKey() (plain, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plain = "bl_" + hex.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return plain, string(h), nil
}

// POST /api/auth/branch-token
// Exchanges a branch API key for a short-lived push token. Inactive
// branches still get one; their entries are rejected per entry on push.
func IssueBranchTokenHandler(cfg *config.Config, db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body syncapi.TokenRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}

		body.BranchID = strings.TrimSpace(body.BranchID)
		if body.BranchID == "" || body.APIKey == "" {
			return fiber.NewError(fiber.StatusBadRequest, "branch_id and api_key are required")
		}

		var branch models.Branch
		if err := db.WithContext(c.UserContext()).Where("id = ?", body.BranchID).First(&branch).Error; err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid branch credentials")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(branch.APIKeyHash), []byte(body.APIKey)); err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid branch credentials")
		}

		token, expires, err := GenerateBranchToken(cfg.JWTSecret, branch.ID, cfg.JWTTTL, time.Now())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not issue token")
		}

		return c.JSON(syncapi.TokenResponse{Token: token, ExpiresAt: expires.UTC()})
	}
}
