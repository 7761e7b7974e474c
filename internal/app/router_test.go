package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleResync(t *testing.T) {
	var gotUsers []string
	handler := handleResync(nil, func(_ context.Context, userIDs []string) error {
		gotUsers = userIDs
		return nil
	})

	t.Run("scoped to listed users", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/resync",
			strings.NewReader(`{"user_ids": ["u1", "u2"]}`))
		rec := httptest.NewRecorder()
		handler(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"u1", "u2"}, gotUsers)
	})

	t.Run("empty body means all users", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/resync", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Empty(t, gotUsers)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/resync", strings.NewReader(`{broken`))
		rec := httptest.NewRecorder()
		handler(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleResyncEnqueueFailure(t *testing.T) {
	handler := handleResync(nil, func(context.Context, []string) error {
		return errors.New("redis down")
	})

	req := httptest.NewRequest(http.MethodPost, "/resync", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
