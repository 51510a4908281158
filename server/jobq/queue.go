// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package jobq provides named queues with at-least-once delivery for the
// background tasks the server publishes.
package jobq

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default jobq errs class.
	Error = errs.Class("jobq")

	mon = monkit.Package()
)

// Task names published by the core.
const (
	TaskUpdatePageEmbedding = "update_page_embedding"
	TaskIndexUserPages      = "index_user_pages"
	TaskSyncSnapshot        = "sync_snapshot_with_page"
	TaskReplicateBlob       = "replicate_blob"
	TaskProcessNotionImport = "process_notion_import"
)

// Queue names the server publishes to.
const (
	QueueEmbeddings  = "embeddings"
	QueueImports     = "imports"
	QueueMaintenance = "maintenance"
)

// Job is a single unit of queued work.
type Job struct {
	// ID identifies the delivery, assigned by the queue backend.
	ID string
	// Queue is the named queue the job was published to.
	Queue string
	// Task selects the handler.
	Task string
	// Args carries the task arguments.
	Args map[string]string

	// Attempt counts deliveries, starting at 0.
	Attempt int

	EnqueuedAt time.Time
}

// Queue is the narrow publish interface handed to services.
type Queue interface {
	// Enqueue publishes a task with its arguments onto the named queue.
	Enqueue(ctx context.Context, queue, task string, args map[string]string) error
}

// Source extends Queue with the consuming side used by workers.
type Source interface {
	Queue

	// Receive blocks until a job is available on one of the queues or the
	// context is done.
	Receive(ctx context.Context, queues []string) (*Job, error)
	// Ack marks a received job as done.
	Ack(ctx context.Context, job *Job) error
	// Retry re-publishes the job with an incremented attempt counter and
	// acknowledges the original delivery.
	Retry(ctx context.Context, job *Job) error
	// DeadLetter parks a job that exhausted its deliveries and acknowledges
	// the original delivery. Parked jobs are kept until an operator replays
	// or deletes them.
	DeadLetter(ctx context.Context, job *Job) error
}
