// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"inkwell.io/inkwell/server/ask"
)

var (
	_ ask.DB          = (*askDB)(nil)
	_ ask.Requests    = (*askRequests)(nil)
	_ ask.Credentials = (*askCredentials)(nil)
)

// askDB implements ask.DB on Postgres.
type askDB struct {
	q  querier
	db *sqlx.DB
}

// Requests is a getter for Requests repository.
func (db *askDB) Requests() ask.Requests { return &askRequests{db: db} }

// Credentials is a getter for Credentials repository.
func (db *askDB) Credentials() ask.Credentials { return &askCredentials{db: db} }

// runTx executes fn inside a fresh transaction, or directly on the current
// one when the view is already transaction-bound.
func (db *askDB) runTx(ctx context.Context, fn func(q querier) error) error {
	if db.db == nil {
		return fn(db.q)
	}
	return withTx(ctx, db.db, func(tx *sqlx.Tx) error {
		return fn(tx)
	})
}

type askRequestRow struct {
	ID           uuid.UUID `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	Query        string    `db:"query"`
	CleanedQuery string    `db:"cleaned_query"`
	Response     string    `db:"response"`
	Status       string    `db:"status"`
	ErrorCode    string    `db:"error_code"`
	Provider     string    `db:"provider"`
	Model        string    `db:"model"`
	CreatedAt    time.Time `db:"created_at"`
}

func (row askRequestRow) toRequest() *ask.Request {
	return &ask.Request{
		ID:           row.ID,
		UserID:       row.UserID,
		Query:        row.Query,
		CleanedQuery: row.CleanedQuery,
		Response:     row.Response,
		Status:       ask.Status(row.Status),
		ErrorCode:    row.ErrorCode,
		Provider:     row.Provider,
		Model:        row.Model,
		CreatedAt:    row.CreatedAt,
	}
}

const askRequestColumns = `id, user_id, query, cleaned_query, response, status, error_code, provider, model, created_at`

type askRequests struct {
	db *askDB
}

// Insert records a new request, initially pending.
func (requests *askRequests) Insert(ctx context.Context, request *ask.Request) (_ *ask.Request, err error) {
	defer mon.Task()(&ctx)(&err)

	var row askRequestRow
	err = requests.db.q.GetContext(ctx, &row, `
		INSERT INTO ask_requests (id, user_id, query, cleaned_query, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+askRequestColumns,
		request.ID, request.UserID, request.Query, request.CleanedQuery,
		string(request.Status))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.toRequest(), nil
}

// Get returns the request by id, or sql.ErrNoRows.
func (requests *askRequests) Get(ctx context.Context, id uuid.UUID) (_ *ask.Request, err error) {
	defer mon.Task()(&ctx)(&err)

	var row askRequestRow
	err = requests.db.q.GetContext(ctx, &row, `
		SELECT `+askRequestColumns+` FROM ask_requests WHERE id = $1`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}

	request := row.toRequest()
	err = requests.db.q.SelectContext(ctx, &request.PageIDs, `
		SELECT page_id FROM ask_request_pages
		WHERE request_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return request, nil
}

// ListByUser returns the user's requests, newest first.
func (requests *askRequests) ListByUser(ctx context.Context, userID uuid.UUID, limit int) (_ []ask.Request, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []askRequestRow
	err = requests.db.q.SelectContext(ctx, &rows, `
		SELECT `+askRequestColumns+` FROM ask_requests
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(rows))
	byID := make(map[uuid.UUID]int, len(rows))
	list := make([]ask.Request, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
		byID[row.ID] = i
		list[i] = *row.toRequest()
	}

	var pageRows []struct {
		RequestID uuid.UUID `db:"request_id"`
		PageID    uuid.UUID `db:"page_id"`
	}
	err = requests.db.q.SelectContext(ctx, &pageRows, `
		SELECT request_id, page_id FROM ask_request_pages
		WHERE request_id = ANY($1) ORDER BY request_id, position`, ids)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, pageRow := range pageRows {
		i := byID[pageRow.RequestID]
		list[i].PageIDs = append(list[i].PageIDs, pageRow.PageID)
	}
	return list, nil
}

// Finish sets the terminal state of a request.
func (requests *askRequests) Finish(ctx context.Context, id uuid.UUID, status ask.Status, response, errorCode string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = requests.db.q.ExecContext(ctx, `
		UPDATE ask_requests SET status = $2, response = $3, error_code = $4
		WHERE id = $1`,
		id, string(status), response, errorCode)
	return Error.Wrap(err)
}

// SetPages records which pages the answer drew from.
func (requests *askRequests) SetPages(ctx context.Context, id uuid.UUID, pageIDs []uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	return requests.db.runTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, `
			DELETE FROM ask_request_pages WHERE request_id = $1`, id); err != nil {
			return Error.Wrap(err)
		}
		for i, pageID := range pageIDs {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO ask_request_pages (request_id, page_id, position)
				VALUES ($1, $2, $3)`, id, pageID, i); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// SetModel records the provider and model the request resolved to.
func (requests *askRequests) SetModel(ctx context.Context, id uuid.UUID, provider, model string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = requests.db.q.ExecContext(ctx, `
		UPDATE ask_requests SET provider = $2, model = $3 WHERE id = $1`,
		id, provider, model)
	return Error.Wrap(err)
}

type aiCredentialRow struct {
	ID        uuid.UUID  `db:"id"`
	UserID    *uuid.UUID `db:"user_id"`
	OrgID     *uuid.UUID `db:"org_id"`
	Provider  string     `db:"provider"`
	Model     string     `db:"model"`
	APIKey    string     `db:"api_key"`
	BaseURL   string     `db:"base_url"`
	IsDefault bool       `db:"is_default"`
	CreatedAt time.Time  `db:"created_at"`
}

func (row aiCredentialRow) toCredential() *ask.Credential {
	return &ask.Credential{
		ID:        row.ID,
		UserID:    row.UserID,
		OrgID:     row.OrgID,
		Provider:  row.Provider,
		Model:     row.Model,
		APIKey:    row.APIKey,
		BaseURL:   row.BaseURL,
		IsDefault: row.IsDefault,
		CreatedAt: row.CreatedAt,
	}
}

const aiCredentialColumns = `id, user_id, org_id, provider, model, api_key, base_url, is_default, created_at`

type askCredentials struct {
	db *askDB
}

// Insert stores a credential. A credential marked default demotes the
// previous default of the same scope inside the same transaction.
func (credentials *askCredentials) Insert(ctx context.Context, credential *ask.Credential) (_ *ask.Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	var row aiCredentialRow
	err = credentials.db.runTx(ctx, func(q querier) error {
		if credential.IsDefault {
			switch {
			case credential.UserID != nil:
				if _, err := q.ExecContext(ctx, `
					UPDATE ai_credentials SET is_default = false
					WHERE user_id = $1 AND is_default`, credential.UserID); err != nil {
					return Error.Wrap(err)
				}
			case credential.OrgID != nil:
				if _, err := q.ExecContext(ctx, `
					UPDATE ai_credentials SET is_default = false
					WHERE org_id = $1 AND is_default`, credential.OrgID); err != nil {
					return Error.Wrap(err)
				}
			}
		}
		return Error.Wrap(q.GetContext(ctx, &row, `
			INSERT INTO ai_credentials (id, user_id, org_id, provider, model, api_key, base_url, is_default)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+aiCredentialColumns,
			credential.ID, credential.UserID, credential.OrgID, credential.Provider,
			credential.Model, credential.APIKey, credential.BaseURL, credential.IsDefault))
	})
	if err != nil {
		return nil, err
	}
	return row.toCredential(), nil
}

// Get returns the credential by id, or sql.ErrNoRows.
func (credentials *askCredentials) Get(ctx context.Context, id uuid.UUID) (_ *ask.Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	var row aiCredentialRow
	err = credentials.db.q.GetContext(ctx, &row, `
		SELECT `+aiCredentialColumns+` FROM ai_credentials WHERE id = $1`, id)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	return row.toCredential(), nil
}

// ListByUser returns the user's credentials, defaults first.
func (credentials *askCredentials) ListByUser(ctx context.Context, userID uuid.UUID) (_ []ask.Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []aiCredentialRow
	err = credentials.db.q.SelectContext(ctx, &rows, `
		SELECT `+aiCredentialColumns+` FROM ai_credentials
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return credentialsFromRows(rows), nil
}

// ListByOrgs returns the orgs' credentials, defaults first.
func (credentials *askCredentials) ListByOrgs(ctx context.Context, orgIDs []uuid.UUID) (_ []ask.Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(orgIDs) == 0 {
		return nil, nil
	}

	var rows []aiCredentialRow
	err = credentials.db.q.SelectContext(ctx, &rows, `
		SELECT `+aiCredentialColumns+` FROM ai_credentials
		WHERE org_id = ANY($1)
		ORDER BY is_default DESC, created_at`, orgIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return credentialsFromRows(rows), nil
}

// Delete removes a credential.
func (credentials *askCredentials) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = credentials.db.q.ExecContext(ctx, `DELETE FROM ai_credentials WHERE id = $1`, id)
	return Error.Wrap(err)
}

func credentialsFromRows(rows []aiCredentialRow) []ask.Credential {
	list := make([]ask.Credential, 0, len(rows))
	for _, row := range rows {
		list = append(list, *row.toCredential())
	}
	return list
}
