package codepunk

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"120", 120 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
		{"12.5", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.value); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	d := ParseRetryAfter(future)
	if d < 80*time.Second || d > 90*time.Second {
		t.Errorf("future date = %v, want ~90s", d)
	}

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	if d := ParseRetryAfter(past); d != 0 {
		t.Errorf("past date = %v, want 0", d)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{429, true},
		{503, true},
		{500, false},
		{401, false},
		{400, false},
	}
	for _, tt := range tests {
		err := error(&ErrHTTP{Status: tt.status})
		if got := IsTransient(err); got != tt.want {
			t.Errorf("IsTransient(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error classified transient")
	}
}

func TestErrorClassifiersThroughWrapping(t *testing.T) {
	inner := &ErrHTTP{Status: 401, Body: "bad key", RetryAfter: 0}
	wrapped := error(&ErrProvider{Provider: "anthropic", Message: "send failed", Err: inner})

	if !IsUnauthorized(wrapped) {
		t.Error("401 not detected through ErrProvider")
	}
	if IsServerError(wrapped) {
		t.Error("401 classified as server error")
	}

	srv := fmt.Errorf("attempt 3: %w", &ErrHTTP{Status: 502, Body: "bad gateway"})
	if !IsServerError(srv) {
		t.Error("502 not detected through fmt wrapping")
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := &ErrProvider{Provider: "anthropic", Message: "rate limited",
		Err: &ErrHTTP{Status: 429, RetryAfter: 30 * time.Second}}
	if got := RetryAfterOf(err); got != 30*time.Second {
		t.Errorf("RetryAfterOf = %v", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("plain error RetryAfterOf = %v", got)
	}
}

func TestErrProviderMessages(t *testing.T) {
	with := &ErrProvider{Provider: "anthropic", Message: "stream failed", Err: errors.New("eof")}
	if with.Error() != "anthropic: stream failed: eof" {
		t.Errorf("Error() = %q", with.Error())
	}
	without := &ErrProvider{Provider: "anthropic", Message: "unauthorized: check the API key"}
	if without.Error() != "anthropic: unauthorized: check the API key" {
		t.Errorf("Error() = %q", without.Error())
	}
	if !errors.Is(with, with.Err) {
		t.Error("Unwrap chain broken")
	}
}
