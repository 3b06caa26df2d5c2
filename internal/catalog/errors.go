package catalog

import (
	"errors"

	"github.com/stwalsh4118/vivo/internal/availability"
)

// Catalog errors
var (
	// ErrDuplicateName indicates content with the same name already exists
	ErrDuplicateName = errors.New("content name already exists")

	// ErrContentNotFound indicates the requested content does not exist
	ErrContentNotFound = errors.New("content not found")

	// ErrEmptyName indicates a blank content name
	ErrEmptyName = errors.New("content name cannot be empty")

	// ErrInvalidURL indicates the canonical URL is not absolute
	ErrInvalidURL = errors.New("content url must be an absolute http(s) url")

	// ErrInvalidWindow indicates the availability window ends before it starts
	ErrInvalidWindow = errors.New("availability window ends before it starts")
)

// IsDuplicateName checks if the error is a duplicate content name error
func IsDuplicateName(err error) bool {
	return errors.Is(err, ErrDuplicateName)
}

// IsNotFound checks if the error is a content not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContentNotFound)
}

// IsValidation reports whether err was caused by invalid input
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyName) ||
		errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, availability.ErrInvalidDate)
}
