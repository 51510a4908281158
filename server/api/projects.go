// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"inkwell.io/inkwell/server/console"
)

func (server *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	projects, err := server.console.ListProjects(ctx)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, projects)
}

func (server *Server) createProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		OrgID               uuid.UUID `json:"orgId"`
		Name                string    `json:"name"`
		OrgMembersCanAccess bool      `json:"orgMembersCanAccess"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	project, err := server.console.CreateProject(ctx, req.OrgID, req.Name, req.OrgMembersCanAccess)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, project)
}

func (server *Server) getProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	project, err := server.console.GetProject(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, project)
}

func (server *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	project, err := server.console.GetProject(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	if err := server.console.DeleteProject(ctx, project.ID); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, nil)
}

func (server *Server) updateProjectSharing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		OrgMembersCanAccess bool `json:"orgMembersCanAccess"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	project, err := server.console.GetProject(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	if err := server.console.UpdateProjectSharing(ctx, project.ID, req.OrgMembersCanAccess); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, nil)
}

func (server *Server) listProjectPages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	project, err := server.console.GetProject(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	pages, err := server.console.ListProjectPages(ctx, project.ID)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, pages)
}

func (server *Server) listEditors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	project, err := server.console.GetProject(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	editors, err := server.console.ListEditors(ctx, project.ID)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, editors)
}

func (server *Server) addEditor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		UserID uuid.UUID `json:"userId"`
		Role   string    `json:"role"`
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

	project, err := server.console.GetProject(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	if err := server.console.AddEditor(ctx, project.ID, req.UserID, role); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, nil)
}

func (server *Server) updateEditor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		Role string `json:"role"`
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

	vars := mux.Vars(r)
	userID, err := uuid.Parse(vars["user_id"])
	if err != nil {
		server.serveError(ctx, w, console.ErrValidation.New("malformed user id"))
		return
	}
	project, err := server.console.GetProject(ctx, vars["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	if err := server.console.UpdateEditorRole(ctx, project.ID, userID, role); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, nil)
}

func (server *Server) removeEditor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	vars := mux.Vars(r)
	userID, err := uuid.Parse(vars["user_id"])
	if err != nil {
		server.serveError(ctx, w, console.ErrValidation.New("malformed user id"))
		return
	}
	project, err := server.console.GetProject(ctx, vars["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	if err := server.console.RemoveEditor(ctx, project.ID, userID); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, nil)
}

func parseRole(role string) (console.ProjectRole, error) {
	switch role {
	case "viewer":
		return console.RoleViewer, nil
	case "editor", "":
		return console.RoleEditor, nil
	default:
		return 0, console.ErrValidation.New("unknown role %q", role)
	}
}
