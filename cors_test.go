package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestGate() *CORSGate {
	return NewCORSGate([]string{"https://app.example.com", "http://localhost:3000/"}, 10*time.Minute)
}

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	spy := &spyHandler{}
	req := httptest.NewRequest(http.MethodOptions, "/api/ideas", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	newTestGate().Handler(spy).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, spy.calls)
	h := rec.Header()
	assert.Equal(t, "https://app.example.com", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, PATCH, DELETE, OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", h.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "true", h.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "600", h.Get("Access-Control-Max-Age"))
	assert.Equal(t, "Origin", h.Get("Vary"))
}

func TestCORSPreflightTrailingSlashInConfig(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	newTestGate().Handler(&spyHandler{}).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCORSPreflightDeniedOrigin(t *testing.T) {
	for _, origin := range []string{"https://evil.example.com", ""} {
		spy := &spyHandler{}
		req := httptest.NewRequest(http.MethodOptions, "/api/ideas", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		newTestGate().Handler(spy).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code, origin)
		assert.Equal(t, 0, spy.calls)
		for _, name := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Methods", "Access-Control-Allow-Credentials"} {
			assert.Empty(t, rec.Header().Get(name), name)
		}
	}
}

func TestCORSDecoratesAllowedAPIRequests(t *testing.T) {
	spy := &spyHandler{}
	req := httptest.NewRequest(http.MethodGet, "/api/ideas", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	newTestGate().Handler(spy).ServeHTTP(rec, req)

	assert.Equal(t, 1, spy.calls)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSPassesThroughUnknownOrigins(t *testing.T) {
	spy := &spyHandler{}
	req := httptest.NewRequest(http.MethodGet, "/api/ideas", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	newTestGate().Handler(spy).ServeHTTP(rec, req)

	assert.Equal(t, 1, spy.calls)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSIgnoresNonAPIPaths(t *testing.T) {
	for _, method := range []string{http.MethodOptions, http.MethodGet} {
		spy := &spyHandler{}
		req := httptest.NewRequest(method, "/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		newTestGate().Handler(spy).ServeHTTP(rec, req)

		assert.Equal(t, 1, spy.calls, method)
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
