package api

import (
	"encoding/json"
	"strconv"

	"github.com/stwalsh4118/vivo/internal/delivery"
)

// Flag is a boolean that also accepts the loose string forms used by embed
// attributes ("1", "yes", "on"). Unrecognized strings read as false.
type Flag bool

// UnmarshalJSON accepts a JSON bool, number or string
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return err
		}
		s = n.String()
	}
	*f = Flag(delivery.ParseFlag(s, false))
	return nil
}

// MarshalJSON writes a plain JSON bool
func (f Flag) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatBool(bool(f))), nil
}

// boolOr returns the flag value or def when f is nil
func boolOr(f *Flag, def bool) bool {
	if f == nil {
		return def
	}
	return bool(*f)
}
