// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package abuse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the abuse thresholds. A threshold of zero disables banning
// at that severity.
type Config struct {
	Window time.Duration `help:"sliding window violations are counted over" default:"720h"`

	CriticalThreshold int `help:"critical violations inside the window that ban a user" default:"1"`
	HighThreshold     int `help:"high violations inside the window that ban a user" default:"3"`
	MediumThreshold   int `help:"medium violations inside the window that ban a user" default:"10"`
	LowThreshold      int `help:"low violations inside the window that ban a user" default:"50"`
}

// Violation is a single rejected action to record.
type Violation struct {
	UserID   uuid.UUID
	Reason   string
	Severity Severity

	// Detail is marshalled to JSON and stored with the record.
	Detail any

	JobID     *uuid.UUID
	IP        string
	UserAgent string
}

// Service records violations and maintains bans.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	config Config
}

// NewService constructs an abuse Service.
func NewService(log *zap.Logger, db DB, config Config) *Service {
	return &Service{log: log, db: db, config: config}
}

// Record stores the violation and re-evaluates the user's recent history
// against the thresholds, banning when any is met.
func (s *Service) Record(ctx context.Context, v Violation) (_ *Record, err error) {
	defer mon.Task()(&ctx)(&err)

	detail := ""
	if v.Detail != nil {
		raw, err := json.Marshal(v.Detail)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		detail = string(raw)
	}

	record, err := s.db.Records().Insert(ctx, &Record{
		ID:        uuid.New(),
		UserID:    v.UserID,
		Reason:    v.Reason,
		Severity:  v.Severity,
		Detail:    detail,
		JobID:     v.JobID,
		IP:        v.IP,
		UserAgent: v.UserAgent,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	s.log.Warn("abuse recorded",
		zap.Stringer("user_id", v.UserID),
		zap.String("reason", v.Reason),
		zap.String("severity", string(v.Severity)))

	if err := s.evaluate(ctx, v.UserID); err != nil {
		return nil, Error.Wrap(err)
	}
	return record, nil
}

// ShouldBlock reports whether the user is under an active ban. Abuse-prone
// entry points call this before doing any work.
func (s *Service) ShouldBlock(ctx context.Context, userID uuid.UUID) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	ban, err := s.db.Bans().Get(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return !ban.Lifted, nil
}

// LiftBan marks the user's ban as lifted. The row stays; another
// violation over a threshold reinstates it.
func (s *Service) LiftBan(ctx context.Context, userID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(s.db.Bans().SetLifted(ctx, userID, true))
}

// evaluate checks each severity from most to least hostile and bans on
// the first threshold met. Counts persist across lifted bans, so a lifted
// user re-violating inside the window is banned again immediately.
func (s *Service) evaluate(ctx context.Context, userID uuid.UUID) error {
	since := time.Now().Add(-s.config.Window)

	levels := []struct {
		severity  Severity
		threshold int
	}{
		{SeverityCritical, s.config.CriticalThreshold},
		{SeverityHigh, s.config.HighThreshold},
		{SeverityMedium, s.config.MediumThreshold},
		{SeverityLow, s.config.LowThreshold},
	}
	for _, level := range levels {
		if level.threshold <= 0 {
			continue
		}
		count, err := s.db.Records().CountSince(ctx, userID, level.severity, since)
		if err != nil {
			return err
		}
		if count < level.threshold {
			continue
		}

		reason := fmt.Sprintf("%d %s violations in %dd",
			count, level.severity, int(s.config.Window.Hours()/24))
		if err := s.db.Bans().Upsert(ctx, &Ban{UserID: userID, Reason: reason}); err != nil {
			return err
		}
		s.log.Warn("user banned",
			zap.Stringer("user_id", userID),
			zap.String("reason", reason))
		return nil
	}
	return nil
}
