// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"context"
	"time"

	"go.uber.org/zap"

	"inkwell.io/inkwell/private/sync2"
)

// CleanupChore periodically purges expired, unaccepted invitations so
// that stale tokens cannot pile up in the database.
//
// architecture: Chore
type CleanupChore struct {
	log     *zap.Logger
	service *Service
	Loop    *sync2.Cycle
}

// NewCleanupChore constructs a console cleanup chore.
func NewCleanupChore(log *zap.Logger, service *Service) *CleanupChore {
	return &CleanupChore{
		log:     log,
		service: service,
		Loop:    sync2.NewCycle(service.config.CleanupInterval),
	}
}

// Run starts the cleanup loop.
func (chore *CleanupChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		deleted, err := chore.service.DeleteExpiredInvitations(ctx, time.Now())
		if err != nil {
			chore.log.Error("invitation cleanup failed", zap.Error(err))
			return nil
		}
		if deleted > 0 {
			chore.log.Info("expired invitations purged", zap.Int64("count", deleted))
		}
		return nil
	})
}

// Close stops the cleanup loop.
func (chore *CleanupChore) Close() error {
	chore.Loop.Close()
	return nil
}
