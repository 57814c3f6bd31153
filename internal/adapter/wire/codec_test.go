package wire

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"modelrelay/internal/domain"
)

func TestMapStatusErrorUnmatchedStatusIsUnclassified(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone, http.StatusConflict} {
		err := mapStatusError("test.Decode", status, http.Header{}, []byte("no such endpoint"))
		if !errors.Is(err, domain.ErrUnknown) {
			t.Errorf("status %d: err = %v, want ErrUnknown", status, err)
		}
		if domain.IsRetryable(err) {
			t.Errorf("status %d: unclassified error must not be retryable", status)
		}
		if !strings.Contains(err.Error(), "no such endpoint") {
			t.Errorf("status %d: raw body missing from %q", status, err)
		}
	}
}

func TestMapStatusErrorKnownStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusServiceUnavailable, domain.ErrOverloaded},
		{529, domain.ErrOverloaded},
		{http.StatusBadGateway, domain.ErrNetwork},
		{http.StatusBadRequest, domain.ErrEncoding},
	}
	for _, tc := range cases {
		err := mapStatusError("test.Decode", tc.status, http.Header{}, nil)
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}
