// Package api provides HTTP handlers for the REST API endpoints.
package api

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// MessageResponse represents a successful operation without a payload
type MessageResponse struct {
	Message string `json:"message"`
}
