package terminal

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopbackOnlyRejectsNonLoopback(t *testing.T) {
	called := false
	handler := LoopbackOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/terminal", nil)
	req.RemoteAddr = "203.0.113.5:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoopbackOnlyAllowsLoopback(t *testing.T) {
	called := false
	handler := LoopbackOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/terminal", nil)
	req.RemoteAddr = "127.0.0.1:51234"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseResize(t *testing.T) {
	cols, rows, ok := parseResize([]byte("\x1b[RESIZE;120;40"))
	assert.True(t, ok)
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)

	_, _, ok = parseResize([]byte("hello world"))
	assert.False(t, ok)

	_, _, ok = parseResize([]byte("\x1b[RESIZE;abc;40"))
	assert.False(t, ok)
}

func TestRemoteIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	assert.Equal(t, "10.0.0.1", remoteIP(req))

	req.RemoteAddr = "not-a-valid-addr"
	assert.Equal(t, "not-a-valid-addr", remoteIP(req))
}
