// ABOUTME: Input validation and sanitization for agent ids and message content.
// ABOUTME: All rejections are *ValidationError values naming the offending field.

package message

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError reports bad caller input. It is raised before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidateAgentID checks an agent id used as field. The broadcast token is
// not a valid agent id.
func ValidateAgentID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if id == Broadcast {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is reserved", Broadcast)}
	}
	if !agentIDPattern.MatchString(id) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q must match %s", id, agentIDPattern)}
	}
	return nil
}

// ValidateRecipient accepts an agent id or the broadcast token.
func ValidateRecipient(id string) error {
	if id == Broadcast {
		return nil
	}
	return ValidateAgentID("recipient", id)
}

// SanitizeContent strips terminal escape sequences and control characters
// (keeping newline and tab), trims surrounding whitespace and enforces the
// length bound in runes.
func SanitizeContent(content string, maxLength int) (string, error) {
	content = strings.ToValidUTF8(content, "�")
	content = ansi.Strip(content)
	content = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, content)
	content = strings.TrimSpace(content)

	if content == "" {
		return "", &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if maxLength > 0 {
		if n := utf8.RuneCountInString(content); n > maxLength {
			return "", &ValidationError{Field: "content", Reason: fmt.Sprintf("%d characters exceeds limit of %d", n, maxLength)}
		}
	}
	return content, nil
}
