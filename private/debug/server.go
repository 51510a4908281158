// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package debug hosts the operator-facing listener: health checks,
// prometheus metrics and pprof. It binds to localhost by default and is
// never exposed through the public api.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var mon = monkit.Package()

var (
	// Error is the default debug errs class.
	Error = errs.Class("debug")
	// ErrCheckExists is returned when a check with the same name already exists.
	ErrCheckExists = Error.New("check with name already exists")
)

// HealthCheck reports whether one subsystem is able to do its job.
type HealthCheck interface {
	// Healthy returns true if the subsystem is healthy.
	Healthy(ctx context.Context) bool
	// Name returns the name of the subsystem being checked.
	Name() string
}

// CheckFunc adapts a function to the HealthCheck interface.
type CheckFunc struct {
	CheckName string
	Check     func(ctx context.Context) bool
}

// Name implements HealthCheck.
func (check CheckFunc) Name() string { return check.CheckName }

// Healthy implements HealthCheck.
func (check CheckFunc) Healthy(ctx context.Context) bool { return check.Check(ctx) }

// Config is the configuration for the debug server.
type Config struct {
	Enabled bool   `help:"whether the debug listener is enabled" default:"false"`
	Address string `help:"address the debug listener binds to" default:"localhost:10600" testDefault:"$HOST:0"`
}

// Server serves health, metrics and pprof over HTTP.
type Server struct {
	log *zap.Logger

	checks map[string]HealthCheck

	listener net.Listener
	server   http.Server
}

// NewServer creates a new debug Server on the listener.
func NewServer(log *zap.Logger, listener net.Listener, checks ...HealthCheck) *Server {
	checkMap := make(map[string]HealthCheck, len(checks))
	for _, check := range checks {
		checkMap[check.Name()] = check
	}
	srv := &Server{
		log:      log,
		listener: listener,
		checks:   checkMap,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", srv.handleAllHTTP)
	router.HandleFunc("/health/{name}", srv.handleSingleHTTP)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/debug/pprof/", pprof.Index)
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	router.PathPrefix("/debug/pprof/").Handler(http.HandlerFunc(pprof.Index))

	srv.server = http.Server{
		Handler: router,
	}

	return srv
}

// AddCheck adds a health check to the server.
func (s *Server) AddCheck(check HealthCheck) error {
	if _, ok := s.checks[check.Name()]; ok {
		return ErrCheckExists
	}
	s.checks[check.Name()] = check

	return nil
}

func (s *Server) handleAllHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	checkMap := make(map[string]bool, len(s.checks))
	allHealthy := true
	for name, check := range s.checks {
		healthy := check.Healthy(ctx)
		allHealthy = allHealthy && healthy
		checkMap[name] = healthy
	}
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	err = json.NewEncoder(w).Encode(checkMap)
	if err != nil {
		s.log.Error("failed to encode health check response", zap.Error(err))
	}
}

func (s *Server) handleSingleHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	name, ok := mux.Vars(r)["name"]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		err = json.NewEncoder(w).Encode(map[string]string{"error": "missing name parameter"})
		if err != nil {
			s.log.Error("failed to encode health check response", zap.Error(err))
		}
		return
	}

	check, ok := s.checks[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		err = json.NewEncoder(w).Encode(map[string]string{"error": "unknown check name"})
		if err != nil {
			s.log.Error("failed to encode health check response", zap.Error(err))
		}
		return
	}

	healthy := check.Healthy(ctx)
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	err = json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy})
	if err != nil {
		s.log.Error("failed to encode health check response", zap.Error(err))
	}
}

// Run serves the debug endpoints until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return s.server.Shutdown(context.Background())
	})
	group.Go(func() error {
		defer cancel()
		err := s.server.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})

	return group.Wait()
}

// Close stops the server.
func (s *Server) Close() error {
	return s.server.Close()
}

// TestGetAddress returns the address of this server for tests.
func (s *Server) TestGetAddress() string {
	return s.listener.Addr().String()
}
