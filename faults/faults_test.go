package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{Validation("url", "empty"), http.StatusBadRequest},
		{fmt.Errorf("api: %w", ErrUnauthorized), http.StatusUnauthorized},
		{Conflict("agent a1", "training already in progress"), http.StatusConflict},
		{ErrRateLimited, http.StatusTooManyRequests},
		{Transient("fetch", errors.New("timeout")), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatus(c.err), "%v", c.err)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient("embed", errors.New("503"))))
	assert.True(t, Retryable(errors.New("unclassified")))
	assert.False(t, Retryable(fmt.Errorf("wrapped: %w", Validation("type", "unknown"))))
	assert.False(t, Retryable(Integrity("pg_1", "src_1", "parent removed")))
	assert.False(t, Retryable(&PermanentFailure{JobType: "crawl_page", Cause: errors.New("404")}))
}

func TestTransient_NilCause(t *testing.T) {
	assert.NoError(t, Transient("fetch", nil))
}

func TestUnwrap(t *testing.T) {
	root := errors.New("connection reset")
	err := &PermanentFailure{JobType: "embed", TargetID: "src_1", Attempts: 3, Cause: Transient("embed", root)}
	assert.ErrorIs(t, err, root)
	assert.True(t, IsTransient(err))
	assert.True(t, IsPermanent(err))
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	err := Permanent(errors.New("http 404"))
	assert.False(t, Retryable(err))
	assert.Equal(t, "permanent failure: http 404", err.Error())
}
