// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/imports"
)

// errorPayload is the envelope every failed request carries.
type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (server *Server) serveJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if value == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(value); err != nil {
		server.log.Error("failed writing response", zap.Error(err))
	}
}

func (server *Server) serveErrorPayload(w http.ResponseWriter, status int, code, message string) {
	server.serveJSON(w, status, errorPayload{Error: code, Message: message})
}

// serveError maps a service error onto the envelope. Handlers run behind
// the auth middleware, so an unauthorized error here is an authorization
// denial, not missing authentication.
func (server *Server) serveError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		server.log.Error("request failed", zap.Error(err))
	}
	server.serveErrorPayload(w, status, code, err.Error())
}

func classify(err error) (status int, code string) {
	switch {
	case console.ErrValidation.Has(err):
		return http.StatusBadRequest, "invalid_request"
	case console.ErrLoginCredentials.Has(err):
		return http.StatusUnauthorized, "not_authenticated"
	case console.ErrUnauthorized.Has(err):
		return http.StatusForbidden, "access_denied"
	case console.ErrEmailUsed.Has(err):
		return http.StatusConflict, "email_used"
	case console.ErrContentTooLarge.Has(err):
		return http.StatusRequestEntityTooLarge, "content_too_large"
	case console.ErrInvalidInvitation.Has(err):
		return http.StatusBadRequest, "invalid_invitation"
	case console.ErrEmailMismatch.Has(err):
		return http.StatusForbidden, "email_mismatch"
	case console.ErrRateLimited.Has(err),
		files.ErrRateLimited.Has(err),
		ask.ErrRateLimited.Has(err):
		return http.StatusTooManyRequests, "rate_limited"
	case console.ErrNotFound.Has(err),
		files.ErrNotFound.Has(err),
		imports.ErrNotFound.Has(err):
		return http.StatusNotFound, "not_found"

	case ask.ErrEmptyQuestion.Has(err):
		return http.StatusBadRequest, "empty_question"
	case ask.ErrNoMatchingPages.Has(err):
		return http.StatusNotFound, "no_matching_pages"
	case ask.ErrKeyNotConfigured.Has(err):
		return http.StatusBadRequest, "ai_key_not_configured"
	case ask.ErrFeatureDisabled.Has(err):
		return http.StatusServiceUnavailable, "feature_disabled"
	case ask.ErrAPI.Has(err):
		return http.StatusBadGateway, "api_error"

	case files.ErrValidation.Has(err):
		return http.StatusBadRequest, "invalid_request"
	case files.ErrUploadIncomplete.Has(err):
		return http.StatusConflict, "upload_incomplete"

	case imports.ErrValidation.Has(err):
		return http.StatusBadRequest, "invalid_request"
	case imports.ErrBlocked.Has(err):
		return http.StatusForbidden, "temporarily_blocked"

	default:
		return http.StatusInternalServerError, "unexpected"
	}
}

// decodeJSON reads a request body into value, with a size cap that keeps
// a handler from buffering an oversized body. An empty body decodes to
// the zero value; the services validate required fields.
func decodeJSON(r *http.Request, value interface{}) error {
	const maxBody = 16 << 20
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	if err := decoder.Decode(value); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return console.ErrValidation.New("malformed request body: %v", err)
	}
	return nil
}
