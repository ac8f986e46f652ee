package security

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxIdentifierLength bounds subject, resolver and record identifiers.
const MaxIdentifierLength = 128

// Input validation errors.
var (
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: input contains control characters")
)

// ValidateIdentifier checks an externally supplied identifier such as a
// subject id. kind names the field in error messages.
func ValidateIdentifier(kind, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, kind)
	}
	if len(value) > MaxIdentifierLength {
		return fmt.Errorf("%w: %s is %d bytes, maximum %d", ErrInputTooLong, kind, len(value), MaxIdentifierLength)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s", ErrInvalidUTF8, kind)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s", ErrControlCharacters, kind)
		}
	}
	return nil
}
