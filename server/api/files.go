// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"inkwell.io/inkwell/server/files"
)

func (server *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		ProjectID   string `json:"projectId"`
		Filename    string `json:"filename"`
		ContentType string `json:"contentType"`
		Size        int64  `json:"size"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	project, err := server.console.GetProject(ctx, req.ProjectID)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	upload, err := server.files.CreateUpload(ctx, files.CreateUploadRequest{
		ProjectID:   project.ID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
	})
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, upload)
}

func (server *Server) getFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	file, err := server.files.GetFile(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, file)
}

func (server *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	if err := server.files.DeleteFile(ctx, mux.Vars(r)["id"]); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, nil)
}

func (server *Server) finalizeUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	file, blob, err := server.files.FinalizeUpload(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{
		"file": file,
		"blob": blob,
	})
}
