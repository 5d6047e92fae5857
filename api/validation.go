package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError is a client-side, pre-submission check failure. It is
// pure and synchronous; nothing network-related ever produces one.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateEmail checks an email address. Returns nil when valid.
func ValidateEmail(email string) error {
	if email == "" {
		return &ValidationError{Field: "email", Message: "email is required"}
	}
	if !emailRe.MatchString(email) {
		return &ValidationError{Field: "email", Message: "invalid email format"}
	}
	return nil
}

// ValidateUsername checks a username for length and charset.
func ValidateUsername(username string) error {
	if username == "" {
		return &ValidationError{Field: "username", Message: "username is required"}
	}
	if len(username) < 2 {
		return &ValidationError{Field: "username", Message: "username must be at least 2 characters"}
	}
	if len(username) > MaxUsernameLength {
		return &ValidationError{Field: "username", Message: fmt.Sprintf("username must be at most %d characters", MaxUsernameLength)}
	}
	if !usernameRe.MatchString(username) {
		return &ValidationError{Field: "username", Message: "username can only contain letters, numbers, hyphens, and underscores"}
	}
	return nil
}

// ValidateDisplayName checks a display name.
func ValidateDisplayName(name string) error {
	if name == "" {
		return &ValidationError{Field: "displayName", Message: "display name is required"}
	}
	if len(name) > MaxDisplayNameLength {
		return &ValidationError{Field: "displayName", Message: fmt.Sprintf("display name must be at most %d characters", MaxDisplayNameLength)}
	}
	return nil
}

// ValidatePassword checks a password.
func ValidatePassword(password string) error {
	if password == "" {
		return &ValidationError{Field: "password", Message: "password is required"}
	}
	if len(password) < 8 {
		return &ValidationError{Field: "password", Message: "password must be at least 8 characters"}
	}
	return nil
}

// ValidateChannelName checks a channel name.
func ValidateChannelName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "channel name is required"}
	}
	if len(name) > MaxChannelNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("channel name must be at most %d characters", MaxChannelNameLength)}
	}
	return nil
}

// ValidateMessage checks message content.
func ValidateMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "message cannot be empty"}
	}
	if len(content) > MaxMessageLength {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("message must be at most %d characters", MaxMessageLength)}
	}
	return nil
}

// ValidateInstanceURL checks that a string is an absolute http(s) URL.
func ValidateInstanceURL(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "url", Message: "instance URL is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{Field: "url", Message: "invalid URL format"}
	}
	return nil
}

// ValidateImageUpload checks an upload's content type and size against
// the fixed client-side limits. A negative size skips the size check.
func ValidateImageUpload(contentType string, size int64) error {
	allowed := false
	for _, t := range AllowedImageTypes {
		if t == contentType {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ValidationError{Field: "file", Message: "unsupported image type"}
	}
	if size >= 0 && size > MaxImageSize {
		return &ValidationError{Field: "file", Message: fmt.Sprintf("image must be at most %d bytes", MaxImageSize)}
	}
	return nil
}
