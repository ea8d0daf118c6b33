// Package ident provides identifier generation, opaque token minting, and
// field validation shared by the registries.
package ident

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxUsernameLength    = 254
	MinPasswordLength    = 8
	MaxPasswordLength    = 128
	MaxDisplayNameLength = 50
	MinChannelNameLength = 2
	MaxChannelNameLength = 32
)

var (
	// Lowercase email pattern. Uppercase input is rejected rather than folded
	// so the username index has exactly one canonical spelling.
	usernamePattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)

	channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	sanitizer = bluemonday.StrictPolicy()
)

// NewID mints an opaque identifier with a type prefix, e.g. "acct_2f1a...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSessionToken mints an opaque bearer token for a session.
func NewSessionToken() string {
	return "tok_" + randomToken(32)
}

// NewStreamKeyToken mints the per-channel stream publish secret.
func NewStreamKeyToken() string {
	return "sk_" + randomToken(32)
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; a broken entropy
		// source is not something we can limp past.
		panic(fmt.Sprintf("ident: reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// FormatStreamKey renders the publish key a broadcaster pastes into their
// encoder: "<channel>+<token>". Legacy RTMP publishers send this as the
// stream path and the auth endpoint splits it back apart.
func FormatStreamKey(channelName, token string) string {
	return channelName + "+" + token
}

// ExtractStreamKeyToken inverts FormatStreamKey. Returns the token and true,
// or "" and false when no key is embedded.
func ExtractStreamKeyToken(streamKey string) (string, bool) {
	idx := strings.IndexByte(streamKey, '+')
	if idx < 0 || idx == len(streamKey)-1 {
		return "", false
	}
	return streamKey[idx+1:], true
}

// ValidateUsername checks the lowercase-email username form.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("username must be a lowercase email address")
	}
	return nil
}

// ValidatePassword enforces the length bounds. Content is unrestricted; the
// KDF consumes raw bytes.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}
	return nil
}

// ValidateChannelName checks the addressable channel name form. '+' is not in
// the accepted alphabet, which keeps stream keys unambiguous to split.
func ValidateChannelName(name string) error {
	if len(name) < MinChannelNameLength || len(name) > MaxChannelNameLength {
		return fmt.Errorf("channel name must be %d to %d characters", MinChannelNameLength, MaxChannelNameLength)
	}
	if !channelNamePattern.MatchString(name) {
		return fmt.Errorf("channel name may only contain letters, digits, '_' and '-'")
	}
	return nil
}

// ValidateDisplayName checks the sanitized display name bounds.
func ValidateDisplayName(name string) error {
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if len(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name must be at most %d characters", MaxDisplayNameLength)
	}
	return nil
}

// SanitizeText strips markup and angle brackets from user-supplied text.
// Interior control characters are dropped; surrounding whitespace is trimmed.
func SanitizeText(text string) string {
	text = sanitizer.Sanitize(text)
	// The policy entity-escapes stray angle brackets; unescape before the
	// literal strip so none survive in either form.
	text = html.UnescapeString(text)
	text = strings.ReplaceAll(text, "<", "")
	text = strings.ReplaceAll(text, ">", "")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}

// ValidateMessageText sanitizes and bounds chat text. Returns the sanitized
// form.
func ValidateMessageText(text string, maxLength int) (string, error) {
	clean := SanitizeText(text)
	if clean == "" {
		return "", fmt.Errorf("message text cannot be empty")
	}
	if len(clean) > maxLength {
		return "", fmt.Errorf("message text must be at most %d characters", maxLength)
	}
	return clean, nil
}
