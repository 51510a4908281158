// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package memdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/abuse"
)

type abuseDB DB

func (db *abuseDB) Records() abuse.Records { return (*abuseRecordsRepo)(db) }
func (db *abuseDB) Bans() abuse.Bans       { return (*abuseBansRepo)(db) }

type abuseRecordsRepo DB

func (repo *abuseRecordsRepo) Insert(ctx context.Context, record *abuse.Record) (*abuse.Record, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.abuseRecords = append(repo.abuseRecords, stored)
	out := stored
	return &out, nil
}

func (repo *abuseRecordsRepo) CountSince(ctx context.Context, userID uuid.UUID, severity abuse.Severity, since time.Time) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	count := 0
	for _, record := range repo.abuseRecords {
		if record.UserID == userID && record.Severity == severity && !record.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

type abuseBansRepo DB

func (repo *abuseBansRepo) Upsert(ctx context.Context, ban *abuse.Ban) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored, ok := repo.abuseBans[ban.UserID]
	if !ok {
		stored = abuse.Ban{UserID: ban.UserID, CreatedAt: now()}
	}
	stored.Reason = ban.Reason
	stored.Lifted = false
	stored.UpdatedAt = now()
	repo.abuseBans[ban.UserID] = stored
	return nil
}

func (repo *abuseBansRepo) Get(ctx context.Context, userID uuid.UUID) (*abuse.Ban, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	ban, ok := repo.abuseBans[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := ban
	return &out, nil
}

func (repo *abuseBansRepo) SetLifted(ctx context.Context, userID uuid.UUID, lifted bool) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	ban, ok := repo.abuseBans[userID]
	if !ok {
		return nil
	}
	ban.Lifted = lifted
	ban.UpdatedAt = now()
	repo.abuseBans[userID] = ban
	return nil
}
