// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package collab

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/ratelimit"
)

// Handler upgrades requests on /ws/pages/{page_external_id}/ and walks each
// connection through admission: authenticate, rate limit, resolve the page,
// authorize. Every step happens after the upgrade is accepted, so a refused
// client always receives an error frame naming the reason before the close.
type Handler struct {
	log      *zap.Logger
	service  *console.Service
	registry *Registry
	limiter  ratelimit.Limiter
	config   Config
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket entry point of the relay.
func NewHandler(log *zap.Logger, service *console.Service, registry *Registry, limiter ratelimit.Limiter, config Config) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		registry: registry,
		limiter:  limiter,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP implements http.Handler. It returns only when the connection is
// gone; the request context stays alive for the connection's lifetime.
func (handler *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	ws, err := handler.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		handler.log.Debug("websocket upgrade refused", zap.Error(err))
		return
	}
	conn := newConn(handler.log, ws, handler.config)
	go conn.writePump()

	page, rejected := handler.admit(ctx, r, conn)
	if rejected != nil {
		conn.reject(rejected.frame, rejected.closeCode)
		return
	}

	room, err := handler.registry.Join(ctx, *page, conn)
	if err != nil {
		handler.log.Error("room join failed", zap.Error(err))
		conn.reject(errorFrame(CodeUnexpected, "room unavailable"), websocket.CloseInternalServerErr)
		return
	}
	conn.readPump(room)
}

type rejection struct {
	frame     Frame
	closeCode int
}

func deny(closeCode int, code, message string) *rejection {
	return &rejection{frame: errorFrame(code, message), closeCode: closeCode}
}

// admit runs the admission sequence under the configured deadline. The rate
// limit is consulted before any room or page work: it keys on the user for
// authenticated clients and on the address for anonymous ones.
func (handler *Handler) admit(ctx context.Context, r *http.Request, conn *Conn) (*console.Page, *rejection) {
	ctx, cancel := context.WithTimeout(ctx, handler.config.AdmitTimeout)
	defer cancel()

	auth, authErr := handler.authenticate(ctx, r)

	key := ratelimit.ConnIPKey(requestIP(r))
	if authErr == nil {
		key = ratelimit.ConnUserKey(auth.User.ID)
	}
	result, err := handler.limiter.Allow(ctx, key, handler.config.ConnLimit, handler.config.ConnWindow)
	if err != nil {
		handler.log.Warn("connection limiter failed, allowing", zap.Error(err))
	} else if !result.Allowed {
		return nil, deny(CloseRateLimited, CodeRateLimited, "too many connection attempts")
	}

	if authErr != nil {
		return nil, deny(CloseNotAuthenticated, CodeNotAuthenticated, "authentication required")
	}

	page, project, err := handler.service.ResolvePage(ctx, mux.Vars(r)["page_external_id"])
	if err != nil {
		return nil, denyFromError(err)
	}

	target := console.Target{Page: page, Project: project}
	allowed, err := handler.service.Permissions().Can(ctx, &auth.User, console.ActionReadPage, target)
	if err != nil {
		return nil, denyFromError(err)
	}
	if !allowed {
		return nil, deny(CloseAccessDenied, CodeAccessDenied, "access denied")
	}

	writable, err := handler.service.Permissions().Can(ctx, &auth.User, console.ActionWritePage, target)
	if err != nil {
		return nil, denyFromError(err)
	}

	conn.user = auth.User
	conn.readOnly = !writable
	return page, nil
}

func denyFromError(err error) *rejection {
	switch {
	case console.ErrNotFound.Has(err):
		// Unknown and deleted pages are indistinguishable from denied ones.
		return deny(CloseAccessDenied, CodeAccessDenied, "access denied")
	case errors.Is(err, context.DeadlineExceeded):
		// Admission that cannot complete in time counts as a denial.
		return deny(CloseAccessDenied, CodeAccessDenied, "access denied")
	default:
		return deny(websocket.CloseInternalServerErr, CodeUnexpected, "internal error")
	}
}

func (handler *Handler) authenticate(ctx context.Context, r *http.Request) (console.Authorization, error) {
	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(console.SessionCookieName); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return console.Authorization{}, console.ErrUnauthorized.New("no credentials")
	}
	return handler.service.Authorize(ctx, token)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func requestIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			forwarded = forwarded[:i]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
