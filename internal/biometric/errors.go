package biometric

import (
	"errors"
	"fmt"
	"net/http"
)

// Matcher service errors.
var (
	ErrUnauthorized  = errors.New("matcher rejected credentials")
	ErrNoReference   = errors.New("no reference image on file")
	ErrRateLimited   = errors.New("matcher rate limited")
	ErrBadImage      = errors.New("matcher rejected image")
	ErrServerError   = errors.New("matcher server error")
	ErrNoCredentials = errors.New("no matcher credentials found")
)

// APIError is an error response from the face-match service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("matcher error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("matcher error %d", e.StatusCode)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return target == ErrUnauthorized
	case http.StatusNotFound:
		return target == ErrNoReference
	case http.StatusTooManyRequests:
		return target == ErrRateLimited
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return target == ErrBadImage
	}
	if e.StatusCode >= 500 {
		return target == ErrServerError
	}
	return false
}
