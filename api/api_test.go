package api

import (
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmcpi/uefivars/internal/config"
)

func TestHandler(t *testing.T) {
	var logs bytes.Buffer
	a := New(&config.Config{Address: "127.0.0.1", Port: 8080}, slog.New(slog.NewTextHandler(&logs, nil)))

	a.AddHandler("/hello", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	a.AddHandler("/panic", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	a.AddHandler("/healthcheck", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	a.AddHandler("/nil", nil)

	h := a.Handler()

	testCases := []struct {
		path string
		code int
	}{
		{"/hello", http.StatusTeapot},
		{"/panic", http.StatusInternalServerError},
		{"/healthcheck", http.StatusOK},
		{"/nil", http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.code, w.Code)
		})
	}

	out := logs.String()
	assert.Contains(t, out, "/hello")
	assert.Contains(t, out, "418")
	assert.Contains(t, out, "/panic")
	assert.Contains(t, out, "500")
	assert.NotContains(t, out, "/healthcheck")
	assert.Contains(t, out, "Attempted to add nil handler")
}

func TestHandlerTrustedProxies(t *testing.T) {
	cfg := &config.Config{Address: "127.0.0.1", Port: 8080, TrustedProxies: "10.0.0.0/8"}
	a := New(cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	var remote string
	a.AddHandler("/remote", http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		remote, _, _ = net.SplitHostPort(r.RemoteAddr)
	}))
	h := a.Handler()

	testCases := []struct {
		name   string
		peer   string
		expect string
	}{
		{"trusted proxy", "10.1.2.3:4000", "8.8.8.8"},
		{"untrusted peer", "172.16.0.9:4000", "172.16.0.9"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/remote", nil)
			req.RemoteAddr = tc.peer
			req.Header.Set("X-Forwarded-For", "8.8.8.8")

			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.expect, remote)
		})
	}
}
