// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/console"
)

func (server *Server) processQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var query ask.Query
	if err := decodeJSON(r, &query); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	answer, err := server.ask.ProcessQuery(ctx, query)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, answer)
}

func (server *Server) listAskRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			server.serveError(ctx, w, console.ErrValidation.New("malformed limit"))
			return
		}
		limit = parsed
	}

	requests, err := server.ask.ListRequests(ctx, limit)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, requests)
}

func (server *Server) getAskRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, console.ErrValidation.New("malformed request id"))
		return
	}
	request, err := server.ask.GetRequest(ctx, id)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, request)
}

func (server *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	credentials, err := server.ask.ListCredentials(ctx)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, credentials)
}

func (server *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req ask.CreateCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	credential, err := server.ask.CreateCredential(ctx, req)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, credential)
}

func (server *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, console.ErrValidation.New("malformed credential id"))
		return
	}
	if err := server.ask.DeleteCredential(ctx, id); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, nil)
}
