// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package api implements the public REST surface of the platform.
//
// One mux router carries three kinds of routes: the authenticated /api/
// tree, the public token download endpoint and the websocket relay
// upgrade. Handlers stay thin: decode, call a service, encode. Every
// error leaves as the JSON envelope {"error": code, "message": human}
// with a status derived from the error class.
package api

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default api errs class.
	Error = errs.Class("api")

	mon = monkit.Package()
)

// Config contains configuration for the REST server.
type Config struct {
	Address string `help:"address the public api listens on" default:":8080"`

	DeploymentID  string `help:"identifier attached to request logs" default:""`
	SecureCookies bool   `help:"set the Secure flag on session cookies" default:"false"`
}
