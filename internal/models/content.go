// Package models defines the persisted entities.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/stwalsh4118/vivo/internal/availability"
)

// Content is a playable catalog entry. URL is the canonical source: an unsigned
// manifest URL for adaptive delivery, or a provider page URL for embedded delivery.
type Content struct {
	ID             uuid.UUID  `json:"id" gorm:"type:text;primaryKey;column:id"`
	Name           string     `json:"name" gorm:"type:text;not null;uniqueIndex;column:name"`
	URL            string     `json:"url" gorm:"type:text;not null;column:url"`
	AvailableSince *time.Time `json:"available_since,omitempty" gorm:"type:datetime;column:available_since"`
	AvailableUntil *time.Time `json:"available_until,omitempty" gorm:"type:datetime;column:available_until"`
	Autoplay       bool       `json:"autoplay" gorm:"type:integer;not null;default:1;column:autoplay"`
	Muted          bool       `json:"muted" gorm:"type:integer;not null;default:0;column:muted"`
	CreatedAt      time.Time  `json:"created_at" gorm:"type:datetime;default:CURRENT_TIMESTAMP;column:created_at"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"type:datetime;default:CURRENT_TIMESTAMP;column:updated_at"`
}

// NewContent creates a Content with generated UUID and timestamps
func NewContent(name, url string) *Content {
	now := time.Now().UTC()
	return &Content{
		ID:        uuid.New(),
		Name:      name,
		URL:       url,
		Autoplay:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Window returns the availability window of the content
func (c *Content) Window() availability.Window {
	return availability.Window{Since: c.AvailableSince, Until: c.AvailableUntil}
}
