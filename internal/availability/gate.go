// Package availability decides whether a content item may be played at a given instant.
//
// A Window carries optional since/until bounds. Both bounds are inclusive: an instant
// exactly equal to Since or Until is eligible. Check is pure and must be evaluated
// once per load, never continuously during playback.
package availability

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the day/month/year layout used for configuration and reasons
const DateLayout = "02/01/2006"

var (
	// ErrInvalidDate indicates a bound could not be parsed as day/month/year
	ErrInvalidDate = errors.New("invalid availability date")

	// ErrUnavailable indicates the content is outside its availability window
	ErrUnavailable = errors.New("content outside availability window")
)

// Window is the availability window of a content item. Nil bounds are absent.
type Window struct {
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
}

// Result is the outcome of an availability check
type Result struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// AvailabilityError carries the human-readable reason a content item cannot be played
type AvailabilityError struct {
	Reason string
}

func (e *AvailabilityError) Error() string {
	return e.Reason
}

// Unwrap lets errors.Is match ErrUnavailable
func (e *AvailabilityError) Unwrap() error {
	return ErrUnavailable
}

// Check evaluates w at now.
func Check(w Window, now time.Time) Result {
	if w.Since == nil && w.Until == nil {
		return Result{Eligible: true}
	}

	if w.Since != nil && now.Before(*w.Since) {
		return Result{Reason: "available from " + w.Since.Format(DateLayout)}
	}

	if w.Until != nil && now.After(*w.Until) {
		return Result{Reason: "expired on " + w.Until.Format(DateLayout)}
	}

	return Result{Eligible: true}
}

// Err converts an ineligible result into an *AvailabilityError, or nil when eligible
func (r Result) Err() error {
	if r.Eligible {
		return nil
	}
	return &AvailabilityError{Reason: r.Reason}
}

// NewWindow parses day/month/year bounds in loc. Empty strings leave the bound absent.
// since resolves to 00:00:00 and until to 23:59:59 of the given day.
func NewWindow(since, until string, loc *time.Location) (Window, error) {
	var w Window

	s, err := ParseDMY(since, false, loc)
	if err != nil {
		return Window{}, fmt.Errorf("since: %w", err)
	}
	w.Since = s

	u, err := ParseDMY(until, true, loc)
	if err != nil {
		return Window{}, fmt.Errorf("until: %w", err)
	}
	w.Until = u

	return w, nil
}

// ParseDMY parses "DD/MM/YYYY" in loc. It returns nil for an empty string.
// endOfDay selects 23:59:59 instead of 00:00:00.
func ParseDMY(value string, endOfDay bool, loc *time.Location) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}

	parts := strings.Split(value, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDate, value)
		}
		nums[i] = n
	}
	day, month, year := nums[0], nums[1], nums[2]

	if month < 1 || month > 12 || day < 1 || day > daysIn(time.Month(month), year) || year < 1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}

	hour, minute, second := 0, 0, 0
	if endOfDay {
		hour, minute, second = 23, 59, 59
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	return &t, nil
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
