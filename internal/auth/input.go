package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrInvalidInput rejects malformed credentials before any backend work.
var ErrInvalidInput = errors.New("invalid input")

const (
	minUsernameLen = 3
	maxUsernameLen = 64
	minPasswordLen = 8
	maxPasswordLen = 128
)

// Patterns that have no business in a username. Matching input is rejected
// outright rather than escaped.
var hostilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)('|--|;)\s*(or|and|union|select|insert|drop|delete|update)\b`),
	regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table)\b`),
}

// ValidateCredentials checks length bounds, control characters and hostile
// patterns. It never touches the directory, so it costs the same for known
// and unknown users.
func ValidateCredentials(username, password string) error {
	if l := len(username); l < minUsernameLen || l > maxUsernameLen {
		return fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsernameLen, maxUsernameLen)
	}
	if l := len(password); l < minPasswordLen || l > maxPasswordLen {
		return fmt.Errorf("%w: password must be %d-%d characters", ErrInvalidInput, minPasswordLen, maxPasswordLen)
	}
	if hasControlChars(username) || hasControlChars(password) {
		return fmt.Errorf("%w: control characters are not allowed", ErrInvalidInput)
	}
	if strings.ContainsAny(username, " \t") {
		return fmt.Errorf("%w: username must not contain whitespace", ErrInvalidInput)
	}
	for _, p := range hostilePatterns {
		if p.MatchString(username) {
			return fmt.Errorf("%w: username contains forbidden sequence", ErrInvalidInput)
		}
	}
	return nil
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
