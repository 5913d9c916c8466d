package apiauth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpbridge/erpbridge/internal/apiauth"
)

func writeTokens(w http.ResponseWriter, access, refresh string) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func TestAuthenticateAndBearer(t *testing.T) {
	var seenAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "svc", creds["username"])
			writeTokens(w, "access-1", "refresh-1")
		case "/ping":
			seenAuth.Store(r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := apiauth.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})

	_, status, err := c.Do(context.Background(), http.MethodGet, "/ping", nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Bearer access-1", seenAuth.Load())
}

func TestExpiredTokenRefreshedOnce(t *testing.T) {
	var pings int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			writeTokens(w, "stale", "refresh-1")
		case "/auth/refresh":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "refresh-1", body["refresh_token"])
			writeTokens(w, "fresh", "")
		case "/ping":
			atomic.AddInt32(&pings, 1)
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := apiauth.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})

	_, status, err := c.Do(context.Background(), http.MethodGet, "/ping", nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pings))
}

func TestStaleRefreshTokenTriggersReauth(t *testing.T) {
	var logins int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			n := atomic.AddInt32(&logins, 1)
			if n == 1 {
				writeTokens(w, "stale", "stale-refresh")
				return
			}
			writeTokens(w, "good", "good-refresh")
		case "/auth/refresh":
			// refresh token is rejected
			w.WriteHeader(http.StatusUnauthorized)
		case "/ping":
			if r.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := apiauth.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "pw"})

	_, status, err := c.Do(context.Background(), http.MethodGet, "/ping", nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))
}

func TestLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := apiauth.New(apiauth.Config{BaseURL: srv.URL, Username: "svc", Password: "bad"})
	err := c.Authenticate(context.Background())
	require.Error(t, err)
}
