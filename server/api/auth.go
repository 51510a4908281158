// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/teris-io/shortid"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
)

// withAuth resolves the caller's session and stores it on the request
// context. Requests without a valid bearer token or session cookie end
// here with 401.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token := bearerToken(r)
		if token == "" {
			if cookie, err := r.Cookie(console.SessionCookieName); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			server.serveErrorPayload(w, http.StatusUnauthorized, "not_authenticated", "authentication required")
			return
		}

		auth, err := server.console.Authorize(ctx, token)
		if err != nil {
			server.serveErrorPayload(w, http.StatusUnauthorized, "not_authenticated", "invalid session")
			return
		}

		next.ServeHTTP(w, r.WithContext(console.WithAuth(ctx, auth)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// setSessionCookie installs the session token for browser clients; API
// clients keep using the bearer token from the login response.
func (server *Server) setSessionCookie(w http.ResponseWriter, token string, expiry time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     console.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(expiry / time.Second),
		HttpOnly: true,
		Secure:   server.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (server *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     console.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   server.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// withRequestLog tags every request with a short id and logs its outcome.
func (server *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		requestID, _ := shortid.Generate()
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(recorder, r)

		fields := []zap.Field{
			zap.String("req", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)),
		}
		if server.config.DeploymentID != "" {
			fields = append(fields, zap.String("src", server.config.DeploymentID))
		}
		server.log.Debug("request", fields...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (recorder *statusRecorder) WriteHeader(status int) {
	recorder.status = status
	recorder.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the logging wrapper.
func (recorder *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := recorder.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, Error.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
