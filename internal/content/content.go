package content

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxTextLength = 4000
	MaxFileSize   = 15 << 20
)

var (
	policy        = bluemonday.UGCPolicy()
	strictPolicy  = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
)

// Sanitize removes unsafe HTML from the input string.
// It is used for message text, where basic formatting is kept. Plain
// characters such as quotes and ampersands come back as typed.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// StripTags removes all markup, for values rendered as plain labels.
func StripTags(input string) string {
	return html.UnescapeString(strictPolicy.Sanitize(input))
}

// ValidateUsername checks if the username is 3 to 20 letters, digits or
// underscores.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username cannot be empty", models.ErrInvalidPayload)
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("%w: username must be 3-20 letters, digits or underscores", models.ErrInvalidPayload)
	}
	return nil
}

// ValidatePayload checks a message payload and returns it sanitized.
// Text messages need non-empty text, media messages need a file URL.
func ValidatePayload(p models.MessagePayload) (models.MessagePayload, error) {
	if p.Type == "" {
		p.Type = models.MessageTypeText
	}

	switch p.Type {
	case models.MessageTypeText:
		if utf8.RuneCountInString(strings.TrimSpace(p.Text)) > MaxTextLength {
			return models.MessagePayload{}, fmt.Errorf("%w: message text exceeds %d characters", models.ErrInvalidPayload, MaxTextLength)
		}
		text := strings.TrimSpace(Sanitize(p.Text))
		if text == "" {
			return models.MessagePayload{}, fmt.Errorf("%w: message text cannot be empty", models.ErrInvalidPayload)
		}
		return models.MessagePayload{Type: p.Type, Text: text}, nil

	case models.MessageTypeImage, models.MessageTypeFile, models.MessageTypeVoice:
		if strings.TrimSpace(p.FileURL) == "" {
			return models.MessagePayload{}, fmt.Errorf("%w: %s message requires a file url", models.ErrInvalidPayload, p.Type)
		}
		if p.FileSize < 0 || p.FileSize > MaxFileSize {
			return models.MessagePayload{}, fmt.Errorf("%w: file size %d out of range", models.ErrInvalidPayload, p.FileSize)
		}
		return models.MessagePayload{
			Type:     p.Type,
			Text:     strings.TrimSpace(Sanitize(p.Text)),
			FileURL:  strings.TrimSpace(p.FileURL),
			FileName: strings.TrimSpace(StripTags(p.FileName)),
			FileSize: p.FileSize,
		}, nil
	}

	return models.MessagePayload{}, fmt.Errorf("%w: unknown message type %q", models.ErrInvalidPayload, p.Type)
}
