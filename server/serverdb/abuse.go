// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/abuse"
)

var (
	_ abuse.DB      = (*abuseDB)(nil)
	_ abuse.Records = (*abuseRecords)(nil)
	_ abuse.Bans    = (*abuseBans)(nil)
)

// abuseDB implements abuse.DB on Postgres.
type abuseDB struct {
	q querier
}

// Records returns the violation table.
func (db *abuseDB) Records() abuse.Records { return &abuseRecords{db: db} }

// Bans returns the ban table.
func (db *abuseDB) Bans() abuse.Bans { return &abuseBans{db: db} }

type abuseRecordRow struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	Reason    string     `db:"reason"`
	Severity  string     `db:"severity"`
	Detail    string     `db:"detail"`
	JobID     *uuid.UUID `db:"job_id"`
	IP        string     `db:"ip"`
	UserAgent string     `db:"user_agent"`
	CreatedAt time.Time  `db:"created_at"`
}

func (row abuseRecordRow) toRecord() *abuse.Record {
	return &abuse.Record{
		ID:        row.ID,
		UserID:    row.UserID,
		Reason:    row.Reason,
		Severity:  abuse.Severity(row.Severity),
		Detail:    row.Detail,
		JobID:     row.JobID,
		IP:        row.IP,
		UserAgent: row.UserAgent,
		CreatedAt: row.CreatedAt,
	}
}

const abuseRecordColumns = `id, user_id, reason, severity, detail, job_id, ip, user_agent, created_at`

type abuseRecords struct {
	db *abuseDB
}

// Insert stores a violation row.
func (records *abuseRecords) Insert(ctx context.Context, record *abuse.Record) (_ *abuse.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var row abuseRecordRow
	err = records.db.q.GetContext(ctx, &row, `
		INSERT INTO abuse_records (id, user_id, reason, severity, detail, job_id, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+abuseRecordColumns,
		record.ID, record.UserID, record.Reason, string(record.Severity),
		record.Detail, record.JobID, record.IP, record.UserAgent)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toRecord(), nil
}

// CountSince counts the user's violations at the severity inside the window.
func (records *abuseRecords) CountSince(ctx context.Context, userID uuid.UUID, severity abuse.Severity, since time.Time) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int
	err = records.db.q.GetContext(ctx, &count, `
		SELECT count(*) FROM abuse_records
		WHERE user_id = $1 AND severity = $2 AND created_at >= $3`,
		userID, string(severity), since)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return count, nil
}

type abuseBanRow struct {
	UserID    uuid.UUID `db:"user_id"`
	Reason    string    `db:"reason"`
	Lifted    bool      `db:"lifted"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (row abuseBanRow) toBan() *abuse.Ban {
	return &abuse.Ban{
		UserID:    row.UserID,
		Reason:    row.Reason,
		Lifted:    row.Lifted,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

type abuseBans struct {
	db *abuseDB
}

// Upsert creates or reinstates the user's ban.
func (bans *abuseBans) Upsert(ctx context.Context, ban *abuse.Ban) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = bans.db.q.ExecContext(ctx, `
		INSERT INTO abuse_bans (user_id, reason, lifted)
		VALUES ($1, $2, false)
		ON CONFLICT (user_id)
		DO UPDATE SET reason = EXCLUDED.reason, lifted = false, updated_at = now()`,
		ban.UserID, ban.Reason)
	return Error.Wrap(err)
}

// Get returns the user's ban row, or sql.ErrNoRows.
func (bans *abuseBans) Get(ctx context.Context, userID uuid.UUID) (_ *abuse.Ban, err error) {
	defer mon.Task()(&ctx)(&err)

	var row abuseBanRow
	err = bans.db.q.GetContext(ctx, &row, `
		SELECT user_id, reason, lifted, created_at, updated_at
		FROM abuse_bans WHERE user_id = $1`, userID)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toBan(), nil
}

// SetLifted flips the lifted flag.
func (bans *abuseBans) SetLifted(ctx context.Context, userID uuid.UUID, lifted bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = bans.db.q.ExecContext(ctx, `
		UPDATE abuse_bans SET lifted = $2, updated_at = now() WHERE user_id = $1`,
		userID, lifted)
	return Error.Wrap(err)
}
