// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"net/http"

	"inkwell.io/inkwell/server/console"
)

func (server *Server) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req console.CreateUser
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	user, err := server.console.Register(ctx, req)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, user)
}

func (server *Server) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	token, err := server.console.Token(ctx, req.Email, req.Password)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}

	server.setSessionCookie(w, token, server.console.TokenExpiration())
	server.serveJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (server *Server) logout(w http.ResponseWriter, r *http.Request) {
	server.clearSessionCookie(w)
	server.serveJSON(w, http.StatusOK, nil)
}

func (server *Server) currentUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, auth.User)
}

func (server *Server) listOrgs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	orgs, err := server.console.ListUserOrgs(ctx)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, orgs)
}
