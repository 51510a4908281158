// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/derive"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/imports"
)

// Server hosts the REST api, the public download endpoint and the
// websocket relay upgrade on one listener.
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server

	console    *console.Service
	ask        *ask.Service
	files      *files.Service
	imports    *imports.Service
	dispatcher *derive.Dispatcher

	config Config
}

// NewServer wires the routes and returns a Server ready to Run.
func NewServer(
	log *zap.Logger,
	listener net.Listener,
	consoleService *console.Service,
	askService *ask.Service,
	filesService *files.Service,
	importsService *imports.Service,
	dispatcher *derive.Dispatcher,
	downloads http.Handler,
	relay http.Handler,
	config Config,
) *Server {
	server := &Server{
		log:      log,
		listener: listener,

		console:    consoleService,
		ask:        askService,
		files:      filesService,
		imports:    importsService,
		dispatcher: dispatcher,

		config: config,
	}

	root := mux.NewRouter()
	root.Use(server.withRequestLog)

	// Public routes. The relay and the download endpoint authenticate and
	// authorize on their own terms.
	root.Handle("/ws/pages/{page_external_id}/", relay)
	root.Handle("/files/{project_id}/{file_id}/{access_token}/", downloads).Methods("GET")
	root.HandleFunc("/api/auth/register/", server.register).Methods("POST")
	root.HandleFunc("/api/auth/login/", server.login).Methods("POST")
	root.HandleFunc("/api/auth/logout/", server.logout).Methods("POST")

	api := root.PathPrefix("/api/").Subrouter()
	api.Use(server.withAuth)

	api.HandleFunc("/user/", server.currentUser).Methods("GET")
	api.HandleFunc("/orgs/", server.listOrgs).Methods("GET")

	api.HandleFunc("/projects/", server.listProjects).Methods("GET")
	api.HandleFunc("/projects/", server.createProject).Methods("POST")
	api.HandleFunc("/projects/{id}/", server.getProject).Methods("GET")
	api.HandleFunc("/projects/{id}/", server.deleteProject).Methods("DELETE")
	api.HandleFunc("/projects/{id}/sharing/", server.updateProjectSharing).Methods("POST")
	api.HandleFunc("/projects/{id}/pages/", server.listProjectPages).Methods("GET")
	api.HandleFunc("/projects/{id}/editors/", server.listEditors).Methods("GET")
	api.HandleFunc("/projects/{id}/editors/", server.addEditor).Methods("POST")
	api.HandleFunc("/projects/{id}/editors/{user_id}/", server.updateEditor).Methods("PATCH")
	api.HandleFunc("/projects/{id}/editors/{user_id}/", server.removeEditor).Methods("DELETE")

	api.HandleFunc("/pages/", server.listPages).Methods("GET")
	api.HandleFunc("/pages/", server.createPage).Methods("POST")
	api.HandleFunc("/pages/{id}/", server.getPage).Methods("GET")
	api.HandleFunc("/pages/{id}/", server.updatePage).Methods("PATCH")
	api.HandleFunc("/pages/{id}/", server.deletePage).Methods("DELETE")
	api.HandleFunc("/pages/{id}/links/", server.pageLinks).Methods("GET")
	api.HandleFunc("/pages/{id}/links/sync/", server.syncPageLinks).Methods("POST")

	api.HandleFunc("/invitations/", server.invite).Methods("POST")
	api.HandleFunc("/invitations/accept/", server.acceptInvitation).Methods("POST")

	api.HandleFunc("/ask/", server.processQuery).Methods("POST")
	api.HandleFunc("/ask/requests/", server.listAskRequests).Methods("GET")
	api.HandleFunc("/ask/requests/{id}/", server.getAskRequest).Methods("GET")
	api.HandleFunc("/ask/credentials/", server.listCredentials).Methods("GET")
	api.HandleFunc("/ask/credentials/", server.createCredential).Methods("POST")
	api.HandleFunc("/ask/credentials/{id}/", server.deleteCredential).Methods("DELETE")

	api.HandleFunc("/files/", server.createUpload).Methods("POST")
	api.HandleFunc("/files/{id}/", server.getFile).Methods("GET")
	api.HandleFunc("/files/{id}/", server.deleteFile).Methods("DELETE")
	api.HandleFunc("/files/{id}/finalize/", server.finalizeUpload).Methods("POST")

	api.HandleFunc("/imports/", server.listImports).Methods("GET")
	api.HandleFunc("/imports/notion/", server.startNotionImport).Methods("POST")
	api.HandleFunc("/imports/{id}/", server.getImport).Methods("GET")

	server.server.Handler = root
	return server
}

// Handler exposes the routed handler, for tests that drive the server
// through httptest instead of a listener.
func (server *Server) Handler() http.Handler {
	return server.server.Handler
}

// Run serves requests until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	if server.listener == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts the server down without waiting for open requests.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}
