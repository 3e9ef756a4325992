// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/eclaw/clawd/internal/log"
)

// requestLogger tags each request with a correlation id and emits one
// access log line.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.Info().
			Str("event", "api.request").
			Str(log.FieldRequestID, reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// operatorAuth gates the operator surface: shared secret in X-Admin-Key
// compared in constant time, plus an optional source CIDR restriction.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Snapshot().OperatorKey
		provided := r.Header.Get("X-Admin-Key")
		if provided == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			s.logger.Warn().
				Str("event", "api.operator_auth_failed").
				Str("path", r.URL.Path).
				Msg("bad or missing operator key")
			writeUnauthorized(w)
			return
		}
		if len(s.operatorNets) > 0 {
			ip := net.ParseIP(s.clientIP(r))
			if ip == nil || !ipInAny(ip, s.operatorNets) {
				s.logger.Warn().
					Str("event", "api.operator_ip_rejected").
					Str("ip", s.clientIP(r)).
					Msg("operator call from outside allowed networks")
				writeForbidden(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller address, honoring X-Forwarded-For only
// when the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return host
	}
	if len(s.trustedNets) > 0 && ipInAny(peer, s.trustedNets) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
	}
	return host
}

func ipInAny(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// bearerToken extracts the player credential from the Authorization
// header, falling back to the token query parameter for clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
