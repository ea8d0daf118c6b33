package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	id1 := NewID("acct")
	id2 := NewID("acct")

	assert.True(t, strings.HasPrefix(id1, "acct_"))
	assert.NotEqual(t, id1, id2, "ids must be unique")
	assert.NotContains(t, id1, "-")
}

func TestTokenPrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewSessionToken(), "tok_"))
	assert.True(t, strings.HasPrefix(NewStreamKeyToken(), "sk_"))
	assert.NotEqual(t, NewSessionToken(), NewSessionToken())
}

func TestStreamKeyRoundTrip(t *testing.T) {
	cases := []struct {
		channel string
		token   string
	}{
		{"cam1", "sk_abc123"},
		{"a-b_C9", NewStreamKeyToken()},
		{"xx", "sk_with+plus"}, // token itself may contain '+'; split is on the first one
	}

	for _, tc := range cases {
		key := FormatStreamKey(tc.channel, tc.token)
		got, ok := ExtractStreamKeyToken(key)
		assert.True(t, ok, "key %q should contain a token", key)
		assert.Equal(t, tc.token, got)
	}
}

func TestExtractStreamKeyToken_Absent(t *testing.T) {
	_, ok := ExtractStreamKeyToken("cam1")
	assert.False(t, ok)

	_, ok = ExtractStreamKeyToken("cam1+")
	assert.False(t, ok)
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice@x.io"))
	assert.NoError(t, ValidateUsername("first.last+tag@sub.example.com"))

	assert.Error(t, ValidateUsername(""))
	assert.Error(t, ValidateUsername("Alice@x.io"), "uppercase is rejected, not folded")
	assert.Error(t, ValidateUsername("not-an-email"))
	assert.Error(t, ValidateUsername("a@b"))
	assert.Error(t, ValidateUsername(strings.Repeat("a", 250)+"@x.io"))
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("correcthorse"))
	assert.Error(t, ValidatePassword("short"))
	assert.Error(t, ValidatePassword(strings.Repeat("p", 129)))
}

func TestValidateChannelName(t *testing.T) {
	assert.NoError(t, ValidateChannelName("general"))
	assert.NoError(t, ValidateChannelName("cam-1_test"))

	assert.Error(t, ValidateChannelName("a"))
	assert.Error(t, ValidateChannelName("has space"))
	assert.Error(t, ValidateChannelName("key+embedded"))
	assert.Error(t, ValidateChannelName(strings.Repeat("x", 33)))
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello", SanitizeText("  hello  "))
	assert.Equal(t, "bold", SanitizeText("<b>bold</b>"))
	assert.Equal(t, "ab", SanitizeText("a<script>alert(1)</script>b"))
	assert.Equal(t, "no", SanitizeText("no <angles>"), "tag-shaped tokens are stripped by the policy")
	assert.Equal(t, "1  2", SanitizeText("1 < 2"), "stray angle brackets are removed in both literal and entity form")
	assert.Equal(t, "line\nbreak", SanitizeText("line\nbreak"))
	assert.Equal(t, "ctrl", SanitizeText("ct\x00rl"))
}

func TestValidateMessageText(t *testing.T) {
	clean, err := ValidateMessageText("  hi there  ", 100)
	assert.NoError(t, err)
	assert.Equal(t, "hi there", clean)

	_, err = ValidateMessageText("   ", 100)
	assert.Error(t, err)

	_, err = ValidateMessageText(strings.Repeat("m", 101), 100)
	assert.Error(t, err)
}
