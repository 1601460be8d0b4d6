package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := Conflict("seat capacity exceeded")
	wrapped := fmt.Errorf("accept booking: %w", err)
	if !IsConflict(wrapped) {
		t.Fatalf("expected conflict kind, got %v", KindOf(wrapped))
	}
}

func TestTransientKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient(cause, "redis unreachable")
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if !IsTransient(err) {
		t.Fatalf("expected transient, got %v", KindOf(err))
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad seats"), http.StatusBadRequest},
		{Authorization("not the driver"), http.StatusForbidden},
		{NotFound("no such listing"), http.StatusNotFound},
		{Conflict("duplicate booking"), http.StatusConflict},
		{Transient(errors.New("x"), "store down"), http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
