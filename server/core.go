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
	"inkwell.io/inkwell/server/collab"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/crdt"
	"inkwell.io/inkwell/server/embeddings"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/imports"
	"inkwell.io/inkwell/server/jobq"
	"inkwell.io/inkwell/server/mail"
	"inkwell.io/inkwell/server/objstore"
	"inkwell.io/inkwell/server/ratelimit"
)

// Core is the peer that runs the background machinery: job workers and
// periodic chores. It serves no client traffic.
//
// architecture: Peer
type Core struct {
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
		Source *jobq.RedisQueue
		Worker *jobq.Worker
	}

	ObjStore struct {
		Stores *objstore.Stores
	}

	Console struct {
		Service *console.Service
		Cleanup *console.CleanupChore
	}

	Abuse struct {
		Service *abuse.Service
	}

	Files struct {
		Service *files.Service
	}

	Imports struct {
		Service *imports.Service
		Janitor *imports.Janitor
	}

	Embeddings struct {
		Service *embeddings.Service
		Worker  *embeddings.Worker
	}

	Collab struct {
		Syncer *collab.PageSyncer
	}
}

// NewCore creates a new Core peer.
func NewCore(ctx context.Context, log *zap.Logger, db DB, config *Config) (peer *Core, err error) {
	peer = &Core{
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

		peer.Queue.Source, err = jobq.OpenRedisQueue(ctx, log.Named("jobq"), config.Redis.Address, config.Redis.ClaimIdle)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "jobq",
			Close: peer.Queue.Source.Close,
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

		peer.Console.Cleanup = console.NewCleanupChore(log.Named("console:cleanup"), peer.Console.Service)
		peer.Services.Add(lifecycle.Item{
			Name:  "console:cleanup",
			Run:   peer.Console.Cleanup.Run,
			Close: peer.Console.Cleanup.Close,
		})
	}

	{ // setup abuse
		peer.Abuse.Service = abuse.NewService(log.Named("abuse"), db.Abuse(), config.Abuse)
	}

	{ // setup files
		peer.Files.Service = files.NewService(log.Named("files"),
			db.Files(), db.Console(), perms, peer.ObjStore.Stores,
			peer.Queue.Source, peer.RateLimit.Limiter, config.Files)
	}

	{ // setup imports
		peer.Imports.Service = imports.NewService(log.Named("imports"),
			db.Imports(), db.Console(), perms, peer.Abuse.Service,
			peer.ObjStore.Stores, peer.Queue.Source, config.Imports)

		peer.Imports.Janitor = imports.NewJanitor(log.Named("imports:janitor"), peer.Imports.Service)
		peer.Services.Add(lifecycle.Item{
			Name:  "imports:janitor",
			Run:   peer.Imports.Janitor.Run,
			Close: peer.Imports.Janitor.Close,
		})
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
			log.Warn("no embedding provider configured; embedding jobs will fail")
		}
		peer.Embeddings.Service = embeddings.NewService(log.Named("embeddings"),
			db.Embeddings(), db.Console().Pages(), client, config.Embeddings)
		peer.Embeddings.Worker = embeddings.NewWorker(log.Named("embeddings:worker"),
			peer.Embeddings.Service, peer.Queue.Source)
	}

	{ // setup collab snapshot sync
		peer.Collab.Syncer = collab.NewPageSyncer(log.Named("collab:sync"),
			db.DocStore(), crdt.NewAutomergeEngine(), db.Console().Pages())
	}

	{ // setup job worker
		peer.Queue.Worker = jobq.NewWorker(log.Named("worker"), peer.Queue.Source,
			[]string{jobq.QueueEmbeddings, jobq.QueueImports, jobq.QueueMaintenance},
			config.Worker)

		peer.Queue.Worker.Register(jobq.TaskUpdatePageEmbedding, peer.Embeddings.Worker.HandleUpdatePageEmbedding)
		peer.Queue.Worker.Register(jobq.TaskIndexUserPages, peer.Embeddings.Worker.HandleIndexUserPages)
		peer.Queue.Worker.Register(jobq.TaskSyncSnapshot, peer.Collab.Syncer.HandleSyncSnapshot)
		peer.Queue.Worker.Register(jobq.TaskReplicateBlob, peer.Files.Service.HandleReplicateBlob)
		peer.Queue.Worker.Register(jobq.TaskProcessNotionImport, peer.Imports.Service.HandleProcessImport)

		peer.Services.Add(lifecycle.Item{
			Name: "worker",
			Run:  peer.Queue.Worker.Run,
		})
	}

	return peer, nil
}

// Run runs the peer until the context is canceled.
func (peer *Core) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Servers.Run(ctx, group)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close closes all the resources.
func (peer *Core) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
