package services_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"aideps/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("disk full")
	err := services.Wrap(services.ErrPersistence, "cleansing", "save completion", "write failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrPersistence) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"cleansing", "save completion", "write failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{services.Wrap(services.ErrNotFound, "", "load", "missing", nil), http.StatusNotFound},
		{services.Wrap(services.ErrInvalidTransition, "analysis", "record", "out of turn", nil), http.StatusConflict},
		{services.Wrap(services.ErrValidation, "confirmation", "complete", "unconfirmed", nil), http.StatusUnprocessableEntity},
		{services.Wrap(services.ErrPersistence, "upload", "save", "", errors.New("io")), http.StatusServiceUnavailable},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := services.HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !services.Retryable(services.Wrap(services.ErrPersistence, "", "", "", nil)) {
		t.Fatal("expected persistence errors to be retryable")
	}
	if services.Retryable(services.Wrap(services.ErrValidation, "", "", "", nil)) {
		t.Fatal("expected validation errors to be final")
	}
}
