package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{Validation, http.StatusUnprocessableEntity},
		{Auth, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{InsufficientFunds, http.StatusBadRequest},
		{InsufficientAsset, http.StatusBadRequest},
		{IllegalState, http.StatusBadRequest},
		{Conflict, http.StatusConflict},
		{Internal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := HTTPStatus(tc.code); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestAsUnwrapsWrappedError(t *testing.T) {
	base := errors.New("pq: connection refused")
	wrapped := Wrap(Internal, "begin transaction", base)
	outer := fmt.Errorf("outer: %w", wrapped)

	e, ok := As(outer)
	if !ok {
		t.Fatal("expected wrapped error to be an *Error")
	}
	if e.Code != Internal {
		t.Fatalf("expected Internal, got %s", e.Code)
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("expected errors.Is to see through Unwrap")
	}
}

func TestAsRejectsPlainError(t *testing.T) {
	if _, ok := As(errors.New("plain")); ok {
		t.Fatal("expected a plain error not to be an *Error")
	}
}

func TestNewfFormatsMessage(t *testing.T) {
	e := Newf(Validation, "qty must be > 0, got %d", -3)
	if e.Message != "qty must be > 0, got -3" {
		t.Fatalf("unexpected message: %s", e.Message)
	}
}
