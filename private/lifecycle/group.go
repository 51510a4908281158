// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of items.
package lifecycle

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Group implements a collection of items that have a start and a shutdown.
// Items are started in the order they were added and closed in reverse.
type Group struct {
	log   *zap.Logger
	items []Item
}

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts each item concurrently inside g.
//
// A context cancellation is considered a clean shutdown and is not reported
// as an item failure.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}
		g.Go(func() error {
			group.log.Debug("starting", zap.String("item", item.Name))
			err := item.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			if err != nil {
				group.log.Error("unexpected exit",
					zap.String("item", item.Name), zap.Error(err))
			}
			return err
		})
	}
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group
	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		group.log.Debug("closing", zap.String("item", item.Name))
		errlist.Add(item.Close())
	}
	return errlist.Err()
}
