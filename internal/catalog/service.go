// Package catalog manages the playable content items and their availability windows.
package catalog

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stwalsh4118/vivo/internal/availability"
	"github.com/stwalsh4118/vivo/internal/db"
	"github.com/stwalsh4118/vivo/internal/logger"
	"github.com/stwalsh4118/vivo/internal/models"
)

// CreateInput describes a new content item. Since and Until are DD/MM/YYYY
// strings in the service location; empty strings leave the bound open.
type CreateInput struct {
	Name     string
	URL      string
	Since    string
	Until    string
	Autoplay bool
	Muted    bool
}

// Service handles business logic for catalog content
type Service struct {
	db    *db.DB
	repos *db.Repositories
	loc   *time.Location
}

// NewService creates a catalog service. Availability dates are read in loc.
func NewService(database *db.DB, repos *db.Repositories, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{db: database, repos: repos, loc: loc}
}

// Create validates and stores a new content item
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Content, error) {
	content := models.NewContent(strings.TrimSpace(in.Name), strings.TrimSpace(in.URL))
	content.Autoplay = in.Autoplay
	content.Muted = in.Muted

	if err := s.applyWindow(content, in.Since, in.Until); err != nil {
		return nil, fmt.Errorf("failed to create content: %w", err)
	}
	if err := validate(content); err != nil {
		return nil, fmt.Errorf("failed to create content: %w", err)
	}

	if err := s.repos.Contents.Create(ctx, content); err != nil {
		if db.IsDuplicate(err) {
			logger.Log.Warn().
				Str("name", content.Name).
				Msg("Content creation failed: duplicate name")
			return nil, fmt.Errorf("failed to create content: %w", ErrDuplicateName)
		}
		logger.Log.Error().
			Err(err).
			Str("name", content.Name).
			Msg("Failed to create content in database")
		return nil, fmt.Errorf("failed to create content: %w", err)
	}

	logger.Log.Info().
		Str("content_id", content.ID.String()).
		Str("name", content.Name).
		Msg("Content created")

	return content, nil
}

// GetByID retrieves a content item
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.Content, error) {
	content, err := s.repos.Contents.GetByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, ErrContentNotFound
		}
		logger.Log.Error().
			Err(err).
			Str("content_id", id.String()).
			Msg("Failed to get content by ID")
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	return content, nil
}

// List retrieves all content items
func (s *Service) List(ctx context.Context) ([]*models.Content, error) {
	contents, err := s.repos.Contents.List(ctx)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to list contents")
		return nil, fmt.Errorf("failed to list contents: %w", err)
	}
	return contents, nil
}

// Delete removes a content item
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repos.Contents.Delete(ctx, id); err != nil {
		if db.IsNotFound(err) {
			return ErrContentNotFound
		}
		return fmt.Errorf("failed to delete content: %w", err)
	}

	logger.Log.Info().
		Str("content_id", id.String()).
		Msg("Content deleted")
	return nil
}

// EnsureChannel creates or updates the content item named name so that it
// points at canonicalURL with no availability window. It is used to seed the
// configured live channel at startup.
func (s *Service) EnsureChannel(ctx context.Context, name, canonicalURL string) (*models.Content, error) {
	candidate := models.NewContent(strings.TrimSpace(name), strings.TrimSpace(canonicalURL))
	if err := validate(candidate); err != nil {
		return nil, fmt.Errorf("failed to seed channel: %w", err)
	}

	var result *models.Content
	err := s.db.WithTransaction(ctx, func(repos *db.Repositories) error {
		existing, err := repos.Contents.GetByName(ctx, candidate.Name)
		if db.IsNotFound(err) {
			if err := repos.Contents.Create(ctx, candidate); err != nil {
				return fmt.Errorf("failed to create channel content: %w", err)
			}
			result = candidate
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up channel content: %w", err)
		}

		if existing.URL != candidate.URL {
			existing.URL = candidate.URL
			if err := repos.Contents.Update(ctx, existing); err != nil {
				return fmt.Errorf("failed to update channel content: %w", err)
			}
		}
		result = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info().
		Str("content_id", result.ID.String()).
		Str("name", result.Name).
		Msg("Live channel ready")
	return result, nil
}

func (s *Service) applyWindow(content *models.Content, since, until string) error {
	w, err := availability.NewWindow(since, until, s.loc)
	if err != nil {
		return err
	}
	content.AvailableSince = w.Since
	content.AvailableUntil = w.Until
	return nil
}

func validate(content *models.Content) error {
	if content.Name == "" {
		return ErrEmptyName
	}
	u, err := url.Parse(content.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	if content.AvailableSince != nil && content.AvailableUntil != nil &&
		content.AvailableUntil.Before(*content.AvailableSince) {
		return ErrInvalidWindow
	}
	return nil
}
