package main

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyTrust resolves the client address of a request. X-Forwarded-For is honored only when
// the connecting peer is one of the trusted proxies; otherwise the peer address is the client.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

func NewProxyTrust(prefixes []netip.Prefix) *ProxyTrust {
	return &ProxyTrust{prefixes: prefixes}
}

func (p *ProxyTrust) trusted(addr netip.Addr) bool {
	if p == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP walks X-Forwarded-For from the right, skipping trusted proxies, and returns the
// first hop no trusted proxy vouches for.
func (p *ProxyTrust) ClientIP(r *http.Request) string {
	client := peerHost(r)
	addr, err := netip.ParseAddr(client)
	if err != nil || !p.trusted(addr) {
		return client
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			break
		}
		client = addr.Unmap().String()
		if !p.trusted(addr) {
			break
		}
	}
	return client
}

type clientIPKey struct{}

// Middleware resolves the client address once and stores it for clientIP.
func (p *ProxyTrust) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, p.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP returns the address resolved by ProxyTrust.Middleware, or the peer address when the
// request did not pass through it.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return peerHost(r)
}

func peerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
