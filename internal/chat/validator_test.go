package chat

import (
	"strings"
	"testing"
)

func TestValidateContent_Valid(t *testing.T) {
	cases := []string{
		"hello",
		"multi\nline\nmessage",
		"emoji 👋 and unicode — ça va?",
		strings.Repeat("a", MaxContentChars),
	}
	for _, content := range cases {
		if err := ValidateContent(content); err != nil {
			t.Errorf("expected valid content (len=%d), got error: %v", len(content), err)
		}
	}
}

func TestValidateContent_EmptyOrWhitespace(t *testing.T) {
	cases := []string{"", " ", "\t\n ", "   \r\n"}
	for _, content := range cases {
		if err := ValidateContent(content); err == nil {
			t.Errorf("expected error for whitespace-only content %q", content)
		}
	}
}

func TestValidateContent_TooManyBytes(t *testing.T) {
	// Multi-byte runes: under the character limit but over the byte limit.
	content := strings.Repeat("好", MaxMessageBytes/3+1)
	if err := ValidateContent(content); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestValidateContent_TooManyCharacters(t *testing.T) {
	content := strings.Repeat("a", MaxContentChars+1)
	if err := ValidateContent(content); err == nil {
		t.Error("expected error for content over the character limit")
	}
}

func TestValidateContent_InvalidUTF8(t *testing.T) {
	if err := ValidateContent("hello \xff\xfe world"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
