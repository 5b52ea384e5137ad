package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemInfo(t *testing.T) {
	t.Run("Should send basic credentials and decode system info", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "admin" || pass != "district" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "/api/29/system/info", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":"2.39.1","revision":"abc"}`))
		}))
		defer srv.Close()

		client := NewClient(Config{BaseURL: srv.URL + "/api/29/", Username: "admin", Password: "district"})
		defer client.Close()

		info, err := client.SystemInfo(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2.39.1", info.Version)
	})

	t.Run("Should return a StatusError for rejected credentials", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		client := NewClient(Config{BaseURL: srv.URL, Username: "admin", Password: "wrong"})
		defer client.Close()

		_, err := client.SystemInfo(context.Background())
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})

	t.Run("Should honor the configured timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()

		client := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
		defer client.Close()

		start := time.Now()
		_, err := client.SystemInfo(context.Background())
		assert.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestRetryCondition(t *testing.T) {
	t.Run("Should retry GET requests on 5xx", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		client := NewClient(Config{BaseURL: srv.URL, RetryCount: 2})
		resp, err := client.Get(context.Background(), "dataSets/D1", nil)
		require.NoError(t, err)
		assert.True(t, resp.IsSuccess())
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("Should never retry POST requests", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := NewClient(Config{BaseURL: srv.URL, RetryCount: 3})
		resp, err := client.Post(context.Background(), "dataValueSets", map[string]string{"dataSet": "D1"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode())
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})
}
