// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package imports

import (
	"context"

	"go.uber.org/zap"

	"inkwell.io/inkwell/private/sync2"
)

// Janitor periodically reconciles imports that never reached a terminal
// status, removing their spooled archives and failing the jobs.
//
// architecture: Chore
type Janitor struct {
	log     *zap.Logger
	service *Service
	Loop    *sync2.Cycle
}

// NewJanitor constructs an import Janitor.
func NewJanitor(log *zap.Logger, service *Service) *Janitor {
	return &Janitor{
		log:     log,
		service: service,
		Loop:    sync2.NewCycle(service.config.JanitorInterval),
	}
}

// Run starts the janitor loop.
func (janitor *Janitor) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return janitor.Loop.Run(ctx, func(ctx context.Context) error {
		if err := janitor.service.CleanupStale(ctx); err != nil {
			janitor.log.Error("stale import cleanup failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the janitor loop.
func (janitor *Janitor) Close() error {
	janitor.Loop.Close()
	return nil
}
