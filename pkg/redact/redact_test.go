package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +966 55 123 4567"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	in := "email a@b.com and phone +966 55 123 4567"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestSnippetTruncatesRunes(t *testing.T) {
	SetEnabled(false)
	if got := Snippet("  مرحبا بالعالم  ", 5); got != "مرحبا..." {
		t.Fatalf("unexpected snippet %q", got)
	}
	if got := Snippet("hello", 0); got != "hello" {
		t.Fatalf("expected untouched text, got %q", got)
	}
}

func TestRedactCredentials(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text(`openrouter: status 401: {"error":"invalid key sk-or-v1-abcdef0123456789"} Authorization: Bearer dg_0123456789abcdef`)
	if strings.Contains(got, "abcdef0123456789") || strings.Contains(got, "dg_0123456789abcdef") {
		t.Fatalf("credential leaked: %q", got)
	}
	if !strings.Contains(got, "Bearer [REDACTED_KEY]") {
		t.Fatalf("expected bearer mask, got %q", got)
	}
}
