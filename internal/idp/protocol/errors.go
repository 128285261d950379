package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// OAuth2-style error codes the IDP uses in error bodies.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeAccessDenied   = "access_denied"
	ErrorCodeServerError    = "server_error"
)

// Error represents an API-level error response from the IDP: the server
// understood the request and rejected it. Transport problems (DNS, timeouts,
// TLS) are ordinary errors and never take this type; the session layer's
// refresh classification depends on that distinction.
type Error struct {
	// StatusCode is the HTTP status the IDP answered with
	StatusCode int `json:"-"`

	// Code is the OAuth2-style error code (e.g. "invalid_grant")
	Code string `json:"error"`

	// Description is a human-readable description of the error
	Description string `json:"error_description"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("idp: %s (%d): %s", e.Code, e.StatusCode, e.Description)
}

// parseErrorResponse turns a non-2xx IDP response into a typed *Error.
// Returns nil for success status codes.
func parseErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errResp Error
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
		errResp.StatusCode = resp.StatusCode
		return &errResp
	}

	// Fallback: create generic error from status code
	return &Error{
		StatusCode:  resp.StatusCode,
		Code:        ErrorCodeServerError,
		Description: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
	}
}
