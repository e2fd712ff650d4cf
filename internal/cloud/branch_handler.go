package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"branch-ledger/internal/auth"
	"branch-ledger/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type BranchResponse struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// returned once, when the key is created
type BranchCredentialsResponse struct {
	BranchResponse
	APIKey string `json:"api_key"`
}

type CreateBranchRequest struct {
	ID   string `json:"id"` // optional, generated when empty
	Code string `json:"code"`
	Name string `json:"name"`
}

type UpdateBranchRequest struct {
	Name   *string `json:"name"`
	Active *bool   `json:"active"`
}

func toBranchResponse(b models.Branch) BranchResponse {
	return BranchResponse{
		ID:        b.ID,
		Code:      b.Code,
		Name:      b.Name,
		Active:    b.Active,
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ----------------------------------------
// BRANCH REGISTRY
// ----------------------------------------

var (
	ErrBranchExists     = errors.New("branch id or code already exists")
	ErrBranchIncomplete = errors.New("code and name are required")
)

// RegisterBranch creates an active branch and returns it with its plain
// API key. Only the bcrypt hash is stored.
func RegisterBranch(ctx context.Context, db *gorm.DB, in CreateBranchRequest) (*models.Branch, string, error) {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	in.ID = strings.TrimSpace(in.ID)
	if in.Code == "" || in.Name == "" {
		return nil, "", ErrBranchIncomplete
	}
	if in.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, "", fmt.Errorf("generate branch id: %w", err)
		}
		in.ID = id.String()
	}

	plain, hash, err := auth.NewAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	branch := models.Branch{
		ID:         in.ID,
		Code:       in.Code,
		Name:       in.Name,
		Active:     true,
		APIKeyHash: hash,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Branch{}).Where("id = ? OR code = ?", in.ID, in.Code).Count(&count).Error; err != nil {
			return fmt.Errorf("check branch: %w", err)
		}
		if count > 0 {
			return ErrBranchExists
		}
		if err := tx.Create(&branch).Error; err != nil {
			return fmt.Errorf("create branch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return &branch, plain, nil
}

// POST /api/admin/branches
func CreateBranchHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateBranchRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}

		branch, plain, err := RegisterBranch(c.UserContext(), db, body)
		switch {
		case errors.Is(err, ErrBranchIncomplete):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case errors.Is(err, ErrBranchExists):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		case err != nil:
			log.Error().Err(err).Msg("register branch failed")
			return fiber.NewError(fiber.StatusInternalServerError, "could not create branch")
		}

		return c.Status(fiber.StatusCreated).JSON(BranchCredentialsResponse{
			BranchResponse: toBranchResponse(*branch),
			APIKey:         plain,
		})
	}
}

// GET /api/admin/branches
func ListBranchesHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var branches []models.Branch
		if err := db.Order("code ASC").Find(&branches).Error; err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not list branches")
		}

		res := make([]BranchResponse, 0, len(branches))
		for _, b := range branches {
			res = append(res, toBranchResponse(b))
		}
		return c.JSON(res)
	}
}

// PATCH /api/admin/branches/:id
// Deactivating a branch makes the ledger reject its entries.
func UpdateBranchHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var branch models.Branch
		if err := db.First(&branch, "id = ?", c.Params("id")).Error; err != nil {
			return fiber.NewError(fiber.StatusNotFound, "branch not found")
		}

		var body UpdateBranchRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if body.Name != nil {
			name := strings.TrimSpace(*body.Name)
			if name == "" {
				return fiber.NewError(fiber.StatusBadRequest, "name cannot be empty")
			}
			branch.Name = name
		}
		if body.Active != nil {
			branch.Active = *body.Active
		}

		if err := db.Save(&branch).Error; err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not update branch")
		}
		return c.JSON(toBranchResponse(branch))
	}
}

// POST /api/admin/branches/:id/api-key
// Replaces the branch key; the old one stops working for new tokens.
func RotateBranchKeyHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var branch models.Branch
		if err := db.First(&branch, "id = ?", c.Params("id")).Error; err != nil {
			return fiber.NewError(fiber.StatusNotFound, "branch not found")
		}

		plain, hash, err := auth.NewAPIKey()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not create api key")
		}
		if err := db.Model(&branch).Update("api_key_hash", hash).Error; err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not store api key")
		}

		return c.JSON(BranchCredentialsResponse{
			BranchResponse: toBranchResponse(branch),
			APIKey:         plain,
		})
	}
}
