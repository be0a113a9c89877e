package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "no such task")))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(nil))

	t.Run("survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("submit: %w", New(KindQuotaExceeded, "daily limit"))
		assert.Equal(t, KindQuotaExceeded, KindOf(err))
		assert.True(t, IsQuotaExceeded(err))
	})
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, KindUnavailable, "store unreachable")

	require.NotNil(t, err)
	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")

	assert.Nil(t, Wrap(nil, KindInternal, "ignored"))
}

func TestFieldsAndRetryAfter(t *testing.T) {
	err := New(KindQuotaExceeded, "daily task limit reached").
		WithField("dimension", "tasks_per_day").
		WithRetryAfter(42 * time.Second)

	assert.Equal(t, "tasks_per_day", FieldsOf(err)["dimension"])
	assert.Equal(t, 42*time.Second, RetryAfterOf(err))

	assert.Nil(t, FieldsOf(stderrors.New("plain")))
	assert.Zero(t, RetryAfterOf(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(KindUnavailable, "provider down")))
	assert.True(t, IsTransient(New(KindRateLimited, "slow down")))
	assert.False(t, IsTransient(New(KindValidation, "bad payload")))
	assert.False(t, IsTransient(stderrors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindQuotaExceeded, http.StatusTooManyRequests},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
		{Kind("mystery"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}
