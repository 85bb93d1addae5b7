package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const apiPrefix = "/api/"

// CORSGate answers preflights and decorates API responses for allow-listed origins.
type CORSGate struct {
	origins map[string]struct{}
	maxAge  string
}

func NewCORSGate(origins []string, maxAge time.Duration) *CORSGate {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return &CORSGate{origins: set, maxAge: strconv.Itoa(int(maxAge.Seconds()))}
}

func (g *CORSGate) allows(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := g.origins[origin]
	return ok
}

func (g *CORSGate) setHeaders(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Max-Age", g.maxAge)
	h.Add("Vary", "Origin")
}

// Check is the gate's step. Paths outside /api/ are not touched.
func (g *CORSGate) Check(w http.ResponseWriter, r *http.Request) Verdict {
	if !strings.HasPrefix(r.URL.Path, apiPrefix) {
		return Continue(r)
	}
	origin := r.Header.Get("Origin")
	allowed := g.allows(origin)

	if r.Method == http.MethodOptions {
		if !allowed {
			writeError(w, http.StatusForbidden, "CORS_ORIGIN_DENIED", "Origin not allowed")
			return Respond()
		}
		g.setHeaders(w.Header(), origin)
		w.WriteHeader(http.StatusNoContent)
		return Respond()
	}

	if allowed {
		g.setHeaders(w.Header(), origin)
	}
	return Continue(r)
}

// Handler wraps next so that preflights are answered even for paths the router does not know.
func (g *CORSGate) Handler(next http.Handler) http.Handler {
	return Chain(g.Check)(next)
}
