package faceclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	t.Run("match", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/verify", r.URL.Path)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ref-1", body["user_id"])
			assert.NotEmpty(t, body["image_b64"])
			_ = json.NewEncoder(w).Encode(map[string]any{"verified": true, "similarity": 0.91, "threshold": 0.45})
		}))
		defer srv.Close()

		c := New(srv.URL, false, time.Second)
		matched, err := c.Verify(context.Background(), "ref-1", []byte("img"))
		require.NoError(t, err)
		assert.True(t, matched)
	})

	t.Run("non-match is not an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"verified": false, "similarity": 0.12})
		}))
		defer srv.Close()

		c := New(srv.URL, false, time.Second)
		matched, err := c.Verify(context.Background(), "ref-1", []byte("img"))
		require.NoError(t, err)
		assert.False(t, matched)
	})

	t.Run("5xx maps to ErrUnavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := New(srv.URL, false, time.Second)
		_, err := c.Verify(context.Background(), "ref-1", []byte("img"))
		assert.True(t, errors.Is(err, ErrUnavailable))
	})

	t.Run("connection failure maps to ErrUnavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close() // refuse connections

		c := New(srv.URL, false, time.Second)
		_, err := c.Verify(context.Background(), "ref-1", []byte("img"))
		assert.True(t, errors.Is(err, ErrUnavailable))
	})

	t.Run("4xx is a plain error, not unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		c := New(srv.URL, false, time.Second)
		_, err := c.Verify(context.Background(), "ref-1", []byte("img"))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnavailable))
	})

	t.Run("skip mode short-circuits", func(t *testing.T) {
		c := New("http://unused", true, time.Second)
		matched, err := c.Verify(context.Background(), "ref-1", []byte("img"))
		require.NoError(t, err)
		assert.True(t, matched)
	})
}

func TestVerifyURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://img.example/e1", body["image_url"])
		_ = json.NewEncoder(w).Encode(map[string]any{"verified": true, "similarity": 0.88, "threshold": 0.45})
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	res, err := c.VerifyURL(context.Background(), "ref-1", "https://img.example/e1")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 0.88, res.Similarity)
}
