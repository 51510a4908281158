// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"net/http"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

func (server *Server) invite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		Kind     string `json:"kind"`
		TargetID string `json:"targetId"`
		Email    string `json:"email"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}

	// Targets arrive by external id; the console works on internal ids.
	var kind console.InviteKind
	var targetID uuid.UUID
	switch console.InviteKind(req.Kind) {
	case console.InvitePage:
		page, err := server.console.GetPage(ctx, req.TargetID)
		if err != nil {
			server.serveError(ctx, w, err)
			return
		}
		kind, targetID = console.InvitePage, page.ID
	case console.InviteProject:
		project, err := server.console.GetProject(ctx, req.TargetID)
		if err != nil {
			server.serveError(ctx, w, err)
			return
		}
		kind, targetID = console.InviteProject, project.ID
	default:
		server.serveError(ctx, w, console.ErrValidation.New("unknown invitation kind %q", req.Kind))
		return
	}

	result, err := server.console.InviteEditor(ctx, kind, targetID, req.Email, role)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, result)
}

func (server *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	invitation, err := server.console.AcceptInvitation(ctx, req.Token)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, invitation)
}
