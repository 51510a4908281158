// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package files

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// DownloadHandler serves the public token download endpoint at
// GET /files/{project_id}/{file_id}/{access_token}/.
//
// The handler never streams bytes: it authorises by the URL triple and
// redirects to a short-lived storage URL. All misses are a plain 404.
type DownloadHandler struct {
	log     *zap.Logger
	service *Service
}

// NewDownloadHandler constructs a DownloadHandler.
func NewDownloadHandler(log *zap.Logger, service *Service) *DownloadHandler {
	return &DownloadHandler{log: log, service: service}
}

// ServeHTTP implements http.Handler.
func (handler *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	vars := mux.Vars(r)
	link, err := handler.service.DownloadByToken(ctx,
		vars["project_id"], vars["file_id"], vars["access_token"],
		r.URL.Query().Get("provider"))
	if err != nil {
		if !ErrNotFound.Has(err) {
			handler.log.Error("token download failed", zap.Error(err))
		}
		http.NotFound(w, r)
		return
	}

	http.Redirect(w, r, link.URL, http.StatusFound)
}
