package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lamyj/dopamine/internal/database"
	"github.com/lamyj/dopamine/internal/models"
)

// DestinationRepository handles move-destination database operations.
type DestinationRepository struct{}

// NewDestinationRepository creates a new destination repository.
func NewDestinationRepository() *DestinationRepository {
	return &DestinationRepository{}
}

// Create creates a new destination.
func (r *DestinationRepository) Create(ctx context.Context, dest *models.Destination) error {
	dest.AETitle = strings.TrimSpace(dest.AETitle)
	if err := database.DB.WithContext(ctx).Create(dest).Error; err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	return nil
}

// GetByID retrieves a destination by ID.
func (r *DestinationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Destination, error) {
	var dest models.Destination
	err := database.DB.WithContext(ctx).Where("id = ?", id).First(&dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrDestinationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get destination: %w", err)
	}
	return &dest, nil
}

// Resolve looks up an active destination by AE title. Move requests name
// their target this way.
func (r *DestinationRepository) Resolve(ctx context.Context, aeTitle string) (*models.Destination, error) {
	var dest models.Destination
	err := database.DB.WithContext(ctx).
		Where("ae_title = ? AND is_active = ?", strings.TrimSpace(aeTitle), true).
		First(&dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrDestinationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination: %w", err)
	}
	return &dest, nil
}

// List retrieves all destinations, active first.
func (r *DestinationRepository) List(ctx context.Context) ([]models.Destination, error) {
	var dests []models.Destination
	if err := database.DB.WithContext(ctx).
		Order("is_active DESC, ae_title ASC").
		Find(&dests).Error; err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	return dests, nil
}

// Update updates a destination.
func (r *DestinationRepository) Update(ctx context.Context, dest *models.Destination) error {
	if err := database.DB.WithContext(ctx).Save(dest).Error; err != nil {
		return fmt.Errorf("failed to update destination: %w", err)
	}
	return nil
}

// Delete soft deletes a destination.
func (r *DestinationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := database.DB.WithContext(ctx).Delete(&models.Destination{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete destination: %w", err)
	}
	return nil
}

// UpdateEchoStatus records the outcome of a C-ECHO probe.
func (r *DestinationRepository) UpdateEchoStatus(ctx context.Context, id uuid.UUID, status *models.EchoStatus) error {
	updates := map[string]interface{}{
		"last_echo_at": status.LastChecked,
		"last_echo_ok": status.Reachable,
		"last_error":   status.ErrorMessage,
	}
	if err := database.DB.WithContext(ctx).
		Model(&models.Destination{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update echo status: %w", err)
	}
	return nil
}
