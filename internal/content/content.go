// Package content validates and sanitizes user-supplied message content
// before it is persisted or relayed to other clients.
package content

import (
	"errors"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.StrictPolicy()

var ErrEmptyMessage = errors.New("message must contain text or an image")

// Sanitize strips all HTML from the input string. Chat messages are plain
// text; anything markup-shaped is removed rather than escaped.
func Sanitize(input string) string {
	return strings.TrimSpace(policy.Sanitize(input))
}

// ValidateMessage enforces the text-or-image invariant: a message must carry
// at least one of the two.
func ValidateMessage(text, image string) error {
	if strings.TrimSpace(text) == "" && image == "" {
		return ErrEmptyMessage
	}
	return nil
}
