// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"inkwell.io/inkwell/server/console"
)

func (server *Server) listPages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	pages, err := server.console.ListAccessiblePages(ctx)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, pages)
}

func (server *Server) createPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		ProjectID string `json:"projectId"`
		Title     string `json:"title"`
		Content   string `json:"content"`
		Filetype  string `json:"filetype"`
		CopyFrom  string `json:"copyFrom"`
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
	page, err := server.console.CreatePage(ctx, console.CreatePageRequest{
		ProjectID: project.ID,
		Title:     req.Title,
		Details: console.PageDetails{
			Content:  req.Content,
			Filetype: req.Filetype,
		},
		CopyFrom: req.CopyFrom,
	})
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	if page.Details.Content != "" {
		server.dispatcher.Sync(ctx, page.ID, page.Details.Content)
	}
	server.serveJSON(w, http.StatusCreated, page)
}

func (server *Server) getPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	page, err := server.console.GetPage(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, page)
}

func (server *Server) updatePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		Content  string `json:"content"`
		Filetype string `json:"filetype"`
		Mode     string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	mode, err := parseContentMode(req.Mode)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}

	page, err := server.console.GetPage(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	updated, err := server.console.UpdatePage(ctx, page.ID, console.PageDetails{
		Content:  req.Content,
		Filetype: req.Filetype,
	}, mode)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	// REST edits never pass through a room, so quiescence cannot pick
	// them up; derive here instead. Sync logs failures, the edit stands.
	server.dispatcher.Sync(ctx, page.ID, updated.Details.Content)
	server.serveJSON(w, http.StatusOK, updated)
}

func (server *Server) deletePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	page, err := server.console.GetPage(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	if err := server.console.SoftDeletePage(ctx, page.ID); err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, nil)
}

func (server *Server) pageLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	page, err := server.console.GetPage(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	outgoing, incoming, err := server.console.PageLinks(ctx, page.ID)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{
		"outgoing": outgoing,
		"incoming": incoming,
	})
}

// syncPageLinks re-derives links, attachments and mentions from the page
// content. The caller may post fresher content than what is persisted,
// which the live editor does on a debounce while typing.
func (server *Server) syncPageLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	var req struct {
		Content *string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		server.serveError(ctx, w, err)
		return
	}

	page, err := server.console.GetPage(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	text := page.Details.Content
	if req.Content != nil {
		text = *req.Content
	}
	changed, err := server.dispatcher.Dispatch(ctx, page.ID, text)
	if err != nil {
		server.serveError(ctx, w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func parseContentMode(mode string) (console.ContentMode, error) {
	switch mode {
	case "overwrite":
		return console.ContentOverwrite, nil
	case "append", "":
		return console.ContentAppend, nil
	case "prepend":
		return console.ContentPrepend, nil
	default:
		return "", console.ErrValidation.New("unknown content mode %q", mode)
	}
}
