package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stwalsh4118/vivo/internal/models"
)

// ContentRepository handles database operations for catalog content
type ContentRepository struct {
	db *DB
}

// NewContentRepository creates a new content repository
func NewContentRepository(db *DB) *ContentRepository {
	return &ContentRepository{db: db}
}

// Create inserts a new content item
func (r *ContentRepository) Create(ctx context.Context, content *models.Content) error {
	result := r.db.WithContext(ctx).Create(content)
	if result.Error != nil {
		return fmt.Errorf("failed to create content: %w", MapGormError(result.Error))
	}
	return nil
}

// GetByID retrieves a content item by its UUID
func (r *ContentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Content, error) {
	var content models.Content
	result := r.db.WithContext(ctx).Where("id = ?", id.String()).First(&content)
	if result.Error != nil {
		return nil, MapGormError(result.Error)
	}
	return &content, nil
}

// GetByName retrieves a content item by its exact name
func (r *ContentRepository) GetByName(ctx context.Context, name string) (*models.Content, error) {
	var content models.Content
	result := r.db.WithContext(ctx).Where("name = ?", name).First(&content)
	if result.Error != nil {
		return nil, MapGormError(result.Error)
	}
	return &content, nil
}

// List retrieves all content ordered by name
func (r *ContentRepository) List(ctx context.Context) ([]*models.Content, error) {
	var contents []*models.Content
	result := r.db.WithContext(ctx).Order("name ASC").Find(&contents)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list contents: %w", MapGormError(result.Error))
	}
	return contents, nil
}

// Update updates an existing content item, including zero values
func (r *ContentRepository) Update(ctx context.Context, content *models.Content) error {
	content.UpdatedAt = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Where("id = ?", content.ID.String()).
		Select("name", "url", "available_since", "available_until", "autoplay", "muted", "updated_at").
		Updates(content)
	if result.Error != nil {
		return fmt.Errorf("failed to update content: %w", MapGormError(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete deletes a content item by its UUID
func (r *ContentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id.String()).Delete(&models.Content{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete content: %w", MapGormError(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
