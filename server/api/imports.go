// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"inkwell.io/inkwell/server/console"
)

func (server *Server) startNotionImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	// The archive arrives as a multipart form; oversized parts spill to
	// disk here and the service bounds the final spool.
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		server.serveError(ctx, w, console.ErrValidation.New("malformed multipart form: %v", err))
		return
	}
	project, err := server.console.GetProject(ctx, r.FormValue("project_id"))
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		server.serveError(ctx, w, console.ErrValidation.New("missing file part"))
		return
	}
	defer func() { _ = part.Close() }()

	job, err := server.imports.Start(ctx, project.ID, header.Filename, part)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusAccepted, job)
}

func (server *Server) getImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	job, err := server.imports.GetJob(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, job)
}

func (server *Server) listImports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	jobs, err := server.imports.ListJobs(ctx)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, jobs)
}
