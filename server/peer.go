// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package server wires the inkwell subsystems into runnable peers.
//
// Two process classes exist: the API peer terminates client traffic (REST,
// websocket relay, token downloads) and the Core peer runs the background
// machinery (job workers, chores). A deployment can run both in one
// process or scale them separately; they share nothing but the databases
// and the job queue.
package server

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"inkwell.io/inkwell/private/debug"
	"inkwell.io/inkwell/server/abuse"
	"inkwell.io/inkwell/server/api"
	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/collab"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/embeddings"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/imports"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/mail"
	"inkwell.io/inkwell/server/objstore"
	"inkwell.io/inkwell/server/serverdb"
)

var (
	// Error is the default server peer errs class.
	Error = errs.Class("server")

	mon = monkit.Package()
)

// DB is the master database interface shared by the peers.
//
// architecture: Master Database
type DB interface {
	// MigrateToLatest initializes the database schema.
	MigrateToLatest(ctx context.Context) error
	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error
	// Close closes the database.
	Close() error

	// Console returns the database for users, orgs, projects and pages.
	Console() console.DB
	// DocStore returns the database for room update logs and snapshots.
	DocStore() collab.DocStore
	// Files returns the database for uploaded files and blobs.
	Files() files.DB
	// Abuse returns the database for abuse records and bans.
	Abuse() abuse.DB
	// Imports returns the database for import jobs and archives.
	Imports() imports.DB
	// Embeddings returns the database for page embedding vectors.
	Embeddings() embeddings.DB
	// Ask returns the database for ask requests and AI credentials.
	Ask() ask.DB
}

// RedisConfig locates the redis instance backing rate limits and the job
// queue.
type RedisConfig struct {
	Address   string        `help:"redis url used for rate limiting and job queues" default:"redis://localhost:6379"`
	ClaimIdle time.Duration `help:"pending job age before another worker claims the delivery" default:"1m"`
}

// Config is the composite configuration of all subsystems. One struct
// serves both peers; each picks the parts it runs.
type Config struct {
	Database serverdb.Config
	Redis    RedisConfig

	API   api.Config
	Debug debug.Config

	Console    console.Config
	Collab     collab.Config
	Embeddings embeddings.Config
	Ask        ask.Config
	Files      files.Config
	Imports    imports.Config
	Abuse      abuse.Config
	Mail       mail.Config
	ObjStore   objstore.Config
	Worker     jobq.WorkerConfig
}
