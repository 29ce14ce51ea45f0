package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(RateLimited, "slow down")
	if KindOf(err) != RateLimited {
		t.Errorf("KindOf = %s", KindOf(err))
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != RateLimited {
		t.Errorf("KindOf through wrap = %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != Internal {
		t.Error("unclassified errors default to Internal")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{BadRequest, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{RateLimited, http.StatusTooManyRequests},
		{UpstreamError, http.StatusBadGateway},
		{ToolCompileError, http.StatusBadGateway},
		{DeadlineExceeded, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestFatal(t *testing.T) {
	for _, kind := range []Kind{SandboxViolation, ToolExecError, RecursionLimit} {
		if kind.Fatal() {
			t.Errorf("%s must not terminate the session", kind)
		}
	}
	for _, kind := range []Kind{UpstreamError, ToolCompileError, DeadlineExceeded} {
		if !kind.Fatal() {
			t.Errorf("%s must terminate the session", kind)
		}
	}
}

func TestMessageOf(t *testing.T) {
	err := Wrap(UpstreamError, "upstream error (status 500)", errors.New("raw body"))
	if MessageOf(err) != "upstream error (status 500)" {
		t.Errorf("MessageOf = %q", MessageOf(err))
	}
	if MessageOf(errors.New("secret detail")) != "internal error" {
		t.Error("unclassified messages must not leak")
	}
}
