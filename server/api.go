// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package server

import (
	"context"
	"errors"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkwell.io/inkwell/private/debug"
	"inkwell.io/inkwell/private/lifecycle"
	"inkwell.io/inkwell/server/abuse"
	"inkwell.io/inkwell/server/api"
	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/collab"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/crdt"
	"inkwell.io/inkwell/server/derive"
	"inkwell.io/inkwell/server/embeddings"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/imports"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/mail"
	"inkwell.io/inkwell/server/objstore"
	"inkwell.io/inkwell/server/ratelimit"
)

// API is the peer that terminates client traffic: the REST api, the
// websocket relay and the public token download endpoint.
//
// architecture: Peer
type API struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}

	Mail struct {
		Service *mail.Service
	}

	RateLimit struct {
		Limiter *ratelimit.RedisLimiter
	}

	Queue struct {
		Queue *jobq.RedisQueue
	}

	ObjStore struct {
		Stores *objstore.Stores
	}

	Console struct {
		Service *console.Service
	}

	Collab struct {
		Registry *collab.Registry
		Handler  *collab.Handler
	}

	Files struct {
		Service   *files.Service
		Downloads *files.DownloadHandler
	}

	Derive struct {
		Dispatcher *derive.Dispatcher
	}

	Embeddings struct {
		Service *embeddings.Service
	}

	Abuse struct {
		Service *abuse.Service
	}

	Imports struct {
		Service *imports.Service
	}

	Ask struct {
		Service *ask.Service
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}
}

// NewAPI creates a new API peer.
func NewAPI(ctx context.Context, log *zap.Logger, db DB, config *Config) (peer *API, err error) {
	peer = &API{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup debug
		if config.Debug.Enabled && config.Debug.Address != "" {
			peer.Debug.Listener, err = net.Listen("tcp", config.Debug.Address)
			if err != nil {
				withoutStack := errors.New(err.Error())
				peer.Log.Debug("failed to start debug endpoints", zap.Error(withoutStack))
			}
		}
		peer.Debug.Server = debug.NewServer(log.Named("debug"), peer.Debug.Listener,
			debug.CheckFunc{CheckName: "database", Check: func(ctx context.Context) bool {
				return db.Ping(ctx) == nil
			}})
		peer.Servers.Add(lifecycle.Item{
			Name:  "debug",
			Run:   peer.Debug.Server.Run,
			Close: peer.Debug.Server.Close,
		})
	}

	{ // setup mail
		peer.Mail.Service = mail.NewService(log.Named("mail"),
			mail.SenderFromConfig(log, config.Mail), config.Mail)
	}

	{ // setup redis
		peer.RateLimit.Limiter, err = ratelimit.OpenLimiter(ctx, log.Named("ratelimit"), config.Redis.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "ratelimit",
			Close: peer.RateLimit.Limiter.Close,
		})

		peer.Queue.Queue, err = jobq.OpenRedisQueue(ctx, log.Named("jobq"), config.Redis.Address, config.Redis.ClaimIdle)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "jobq",
			Close: peer.Queue.Queue.Close,
		})
	}

	{ // setup object storage
		peer.ObjStore.Stores, err = objstore.Open(ctx, log.Named("objstore"), config.ObjStore)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	perms := console.NewPermissions(db.Console())

	{ // setup console
		peer.Console.Service, err = console.NewService(log.Named("console"),
			db.Console(), perms, peer.RateLimit.Limiter, peer.Mail.Service, config.Console)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup collab
		peer.Collab.Registry = collab.NewRegistry(log.Named("collab"),
			db.DocStore(), crdt.NewAutomergeEngine(), peer.Console.Service,
			peer.Queue.Queue, config.Collab)
		peer.Collab.Handler = collab.NewHandler(log.Named("collab:handler"),
			peer.Console.Service, peer.Collab.Registry, peer.RateLimit.Limiter, config.Collab)

		// Access changes made through the console must reach live rooms.
		peer.Console.Service.SetNotifier(peer.Collab.Registry)

		peer.Services.Add(lifecycle.Item{
			Name: "collab",
			Run:  peer.Collab.Registry.Run,
		})
	}

	{ // setup files
		peer.Files.Service = files.NewService(log.Named("files"),
			db.Files(), db.Console(), perms, peer.ObjStore.Stores,
			peer.Queue.Queue, peer.RateLimit.Limiter, config.Files)
		peer.Files.Downloads = files.NewDownloadHandler(log.Named("files:downloads"), peer.Files.Service)
	}

	{ // setup derived work
		peer.Derive.Dispatcher = derive.NewDispatcher(log.Named("derive"),
			db.Console(), peer.Files.Service, peer.Queue.Queue, peer.Collab.Registry)
		peer.Collab.Registry.SetDeriver(peer.Derive.Dispatcher)
	}

	{ // setup embeddings
		var client embeddings.Client
		if config.Embeddings.APIKey != "" {
			openaiClient, err := embeddings.NewOpenAIClient(
				config.Embeddings.APIKey, config.Embeddings.Model, config.Embeddings.BaseURL)
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}
			client = openaiClient
		} else {
			log.Warn("no embedding provider configured; semantic retrieval is unavailable")
		}
		peer.Embeddings.Service = embeddings.NewService(log.Named("embeddings"),
			db.Embeddings(), db.Console().Pages(), client, config.Embeddings)
	}

	{ // setup abuse
		peer.Abuse.Service = abuse.NewService(log.Named("abuse"), db.Abuse(), config.Abuse)
	}

	{ // setup imports
		peer.Imports.Service = imports.NewService(log.Named("imports"),
			db.Imports(), db.Console(), perms, peer.Abuse.Service,
			peer.ObjStore.Stores, peer.Queue.Queue, config.Imports)
	}

	{ // setup ask
		peer.Ask.Service = ask.NewService(log.Named("ask"),
			db.Ask(), db.Console(), peer.Embeddings.Service,
			peer.RateLimit.Limiter, nil, config.Ask)
	}

	{ // setup api server
		peer.API.Listener, err = net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.API.Server = api.NewServer(log.Named("api"), peer.API.Listener,
			peer.Console.Service, peer.Ask.Service, peer.Files.Service,
			peer.Imports.Service, peer.Derive.Dispatcher,
			peer.Files.Downloads, peer.Collab.Handler, config.API)
		peer.Servers.Add(lifecycle.Item{
			Name:  "api",
			Run:   peer.API.Server.Run,
			Close: peer.API.Server.Close,
		})
	}

	return peer, nil
}

// Run runs the peer until the context is canceled.
func (peer *API) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Servers.Run(ctx, group)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close closes all the resources.
func (peer *API) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
