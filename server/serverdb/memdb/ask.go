// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package memdb

import (
	"context"
	"database/sql"
	"sort"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/ask"
)

var (
	_ ask.DB          = (*askDB)(nil)
	_ ask.Requests    = (*askRequestsRepo)(nil)
	_ ask.Credentials = (*askCredentialsRepo)(nil)
)

type askDB DB

func (db *askDB) Requests() ask.Requests       { return (*askRequestsRepo)(db) }
func (db *askDB) Credentials() ask.Credentials { return (*askCredentialsRepo)(db) }

type askRequestsRepo DB

func (repo *askRequestsRepo) Insert(ctx context.Context, request *ask.Request) (*ask.Request, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	stored := *request
	stored.PageIDs = append([]uuid.UUID(nil), request.PageIDs...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.askRequests[stored.ID] = stored
	repo.askRequestSeq[stored.ID] = (*DB)(repo).nextSeq()
	out := stored
	return &out, nil
}

func (repo *askRequestsRepo) Get(ctx context.Context, id uuid.UUID) (*ask.Request, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	request, ok := repo.askRequests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := request
	out.PageIDs = append([]uuid.UUID(nil), request.PageIDs...)
	return &out, nil
}

func (repo *askRequestsRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]ask.Request, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var requests []ask.Request
	for _, request := range repo.askRequests {
		if request.UserID == userID {
			out := request
			out.PageIDs = append([]uuid.UUID(nil), request.PageIDs...)
			requests = append(requests, out)
		}
	}
	sort.Slice(requests, func(i, k int) bool {
		return repo.askRequestSeq[requests[i].ID] > repo.askRequestSeq[requests[k].ID]
	})
	if limit > 0 && len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

func (repo *askRequestsRepo) Finish(ctx context.Context, id uuid.UUID, status ask.Status, response, errorCode string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	request, ok := repo.askRequests[id]
	if !ok {
		return sql.ErrNoRows
	}
	request.Status = status
	request.Response = response
	request.ErrorCode = errorCode
	repo.askRequests[id] = request
	return nil
}

func (repo *askRequestsRepo) SetPages(ctx context.Context, id uuid.UUID, pageIDs []uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	request, ok := repo.askRequests[id]
	if !ok {
		return sql.ErrNoRows
	}
	request.PageIDs = append([]uuid.UUID(nil), pageIDs...)
	repo.askRequests[id] = request
	return nil
}

func (repo *askRequestsRepo) SetModel(ctx context.Context, id uuid.UUID, provider, model string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	request, ok := repo.askRequests[id]
	if !ok {
		return sql.ErrNoRows
	}
	request.Provider = provider
	request.Model = model
	repo.askRequests[id] = request
	return nil
}

type askCredentialsRepo DB

func (repo *askCredentialsRepo) Insert(ctx context.Context, credential *ask.Credential) (*ask.Credential, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if credential.IsDefault {
		for id, other := range repo.aiCredentials {
			if !other.IsDefault {
				continue
			}
			sameUser := credential.UserID != nil && other.UserID != nil && *credential.UserID == *other.UserID
			sameOrg := credential.OrgID != nil && other.OrgID != nil && *credential.OrgID == *other.OrgID
			if sameUser || sameOrg {
				other.IsDefault = false
				repo.aiCredentials[id] = other
			}
		}
	}

	stored := *credential
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now()
	}
	repo.aiCredentials[stored.ID] = stored
	repo.aiCredentialSeq[stored.ID] = (*DB)(repo).nextSeq()
	out := stored
	return &out, nil
}

func (repo *askCredentialsRepo) Get(ctx context.Context, id uuid.UUID) (*ask.Credential, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	credential, ok := repo.aiCredentials[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := credential
	return &out, nil
}

func (repo *askCredentialsRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]ask.Credential, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var credentials []ask.Credential
	for _, credential := range repo.aiCredentials {
		if credential.UserID != nil && *credential.UserID == userID {
			credentials = append(credentials, credential)
		}
	}
	repo.sortCredentialsLocked(credentials)
	return credentials, nil
}

func (repo *askCredentialsRepo) ListByOrgs(ctx context.Context, orgIDs []uuid.UUID) ([]ask.Credential, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	wanted := make(map[uuid.UUID]bool, len(orgIDs))
	for _, orgID := range orgIDs {
		wanted[orgID] = true
	}
	var credentials []ask.Credential
	for _, credential := range repo.aiCredentials {
		if credential.OrgID != nil && wanted[*credential.OrgID] {
			credentials = append(credentials, credential)
		}
	}
	repo.sortCredentialsLocked(credentials)
	return credentials, nil
}

func (repo *askCredentialsRepo) Delete(ctx context.Context, id uuid.UUID) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	delete(repo.aiCredentials, id)
	delete(repo.aiCredentialSeq, id)
	return nil
}

// sortCredentialsLocked orders defaults first, then by insertion.
func (repo *askCredentialsRepo) sortCredentialsLocked(credentials []ask.Credential) {
	sort.Slice(credentials, func(i, k int) bool {
		if credentials[i].IsDefault != credentials[k].IsDefault {
			return credentials[i].IsDefault
		}
		return repo.aiCredentialSeq[credentials[i].ID] < repo.aiCredentialSeq[credentials[k].ID]
	})
}
