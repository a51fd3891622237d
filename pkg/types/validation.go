package types

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Shared by every connection goroutine.
var (
	validate      = validator.New(validator.WithRequiredStructEnabled())
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidatePayload checks the struct tags of a decoded inbound payload.
func ValidatePayload(payload any) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// IsValidUsername mirrors the identity provider's username rules (unique, at most 80 characters).
func IsValidUsername(username string) bool {
	if len(username) < 1 || len(username) > 80 {
		return false
	}
	return usernameRegex.MatchString(username)
}

// NormalizeText trims a chat body and enforces the configured rune limit.
func NormalizeText(text string, maxRunes int) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if maxRunes > 0 && utf8.RuneCountInString(trimmed) > maxRunes {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}
