// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package serverdb implements the server master database on PostgreSQL.
package serverdb

import (
	"context"
	"embed"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver

	"inkwell.io/inkwell/server/abuse"
	"inkwell.io/inkwell/server/ask"
	"inkwell.io/inkwell/server/collab"
	"inkwell.io/inkwell/server/console"
	"inkwell.io/inkwell/server/embeddings"
	"inkwell.io/inkwell/server/files"
	"inkwell.io/inkwell/server/imports"
)

var (
	// Error is the default serverdb errs class.
	Error = errs.Class("serverdb")

	mon = monkit.Package()
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds the database connection options.
type Config struct {
	URL             string        `help:"postgres connection string" default:"postgres://postgres@localhost/inkwell?sslmode=disable"`
	MaxOpenConns    int           `help:"maximum number of open connections" default:"25"`
	MaxIdleConns    int           `help:"maximum number of idle connections" default:"10"`
	ConnMaxLifetime time.Duration `help:"maximum lifetime of a connection" default:"30m"`
}

// DB combines access to the different server database tables.
type DB struct {
	log *zap.Logger
	db  *sqlx.DB
}

// Open connects to the database at the configured URL.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", config.URL)
	if err != nil {
		return nil, Error.New("failed opening database: %v", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	log.Debug("connected to database")

	return &DB{log: log, db: db}, nil
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// MigrateToLatest applies all pending schema migrations.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: db.log.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(goose.UpContext(ctx, db.db.DB, "migrations"))
}

// Console returns the database for console related tables.
func (db *DB) Console() console.DB {
	return &consoleDB{q: db.db, db: db.db}
}

// DocStore returns the storage for room update logs and snapshots.
func (db *DB) DocStore() collab.DocStore {
	return &docStore{db: db.db}
}

// Files returns the database for uploaded files and their blobs.
func (db *DB) Files() files.DB {
	return &filesDB{q: db.db, db: db.db}
}

// Abuse returns the database for abuse records and bans.
func (db *DB) Abuse() abuse.DB {
	return &abuseDB{q: db.db}
}

// Imports returns the database for import jobs, archives and bookkeeping.
func (db *DB) Imports() imports.DB {
	return &importsDB{q: db.db, db: db.db}
}

// Embeddings returns the database for page embedding vectors.
func (db *DB) Embeddings() embeddings.DB {
	return &embeddingsDB{q: db.db}
}

// Ask returns the database for ask requests and AI credentials.
func (db *DB) Ask() ask.DB {
	return &askDB{q: db.db, db: db.db}
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx so repositories run
// unchanged inside and outside transactions.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// consoleDB is the console.DB view over the master database. Inside WithTx
// the root handle is nil and q is the transaction.
type consoleDB struct {
	q  querier
	db *sqlx.DB
}

// Users is a getter for Users repository.
func (db *consoleDB) Users() console.Users { return &users{db: db} }

// Orgs is a getter for Orgs repository.
func (db *consoleDB) Orgs() console.Orgs { return &orgs{db: db} }

// Projects is a getter for Projects repository.
func (db *consoleDB) Projects() console.Projects { return &projects{db: db} }

// Pages is a getter for Pages repository.
func (db *consoleDB) Pages() console.Pages { return &pages{db: db} }

// Invitations is a getter for Invitations repository.
func (db *consoleDB) Invitations() console.Invitations { return &invitations{db: db} }

// PageLinks is a getter for PageLinks repository.
func (db *consoleDB) PageLinks() console.PageLinks { return &pageLinks{db: db} }

// FileLinks is a getter for FileLinks repository.
func (db *consoleDB) FileLinks() console.FileLinks { return &fileLinks{db: db} }

// Mentions is a getter for Mentions repository.
func (db *consoleDB) Mentions() console.Mentions { return &mentions{db: db} }

// WithTx runs fn inside a database transaction. Nested calls run on the
// already open transaction.
func (db *consoleDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx console.DB) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if db.db == nil {
		return fn(ctx, db)
	}
	return withTx(ctx, db.db, func(tx *sqlx.Tx) error {
		return fn(ctx, &consoleDB{q: tx})
	})
}

// runTx executes fn inside a fresh transaction, or directly on the current
// one when the view is already transaction-bound.
func (db *consoleDB) runTx(ctx context.Context, fn func(q querier) error) error {
	if db.db == nil {
		return fn(db.q)
	}
	return withTx(ctx, db.db, func(tx *sqlx.Tx) error {
		return fn(tx)
	})
}

// withTx begins a transaction, runs fn and commits, rolling back on error.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	err = Error.Wrap(tx.Commit())
	return err
}

// gooseLogger adapts zap to the goose migration logger.
type gooseLogger struct {
	log *zap.SugaredLogger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.log.Fatalf(format, v...) }
func (l gooseLogger) Printf(format string, v ...interface{}) { l.log.Infof(format, v...) }
