// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package ask

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

// CreateCredentialRequest carries the fields for storing an AI key.
type CreateCredentialRequest struct {
	OrgID *uuid.UUID `json:"orgId,omitempty"`

	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"apiKey"`
	BaseURL  string `json:"baseUrl,omitempty"`

	IsDefault bool `json:"isDefault"`
}

// CreateCredential stores an AI key for the caller, or for an org the
// caller administers.
func (service *Service) CreateCredential(ctx context.Context, req CreateCredentialRequest) (_ *Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, console.ErrValidation.New("api key is required")
	}

	credential := &Credential{
		ID:        uuid.New(),
		Provider:  req.Provider,
		Model:     req.Model,
		APIKey:    strings.TrimSpace(req.APIKey),
		BaseURL:   req.BaseURL,
		IsDefault: req.IsDefault,
	}
	if credential.Provider == "" {
		credential.Provider = service.config.DefaultProvider
	}

	if req.OrgID != nil {
		if err := service.requireOrgAdmin(ctx, *req.OrgID, auth.User.ID); err != nil {
			return nil, err
		}
		credential.OrgID = req.OrgID
	} else {
		userID := auth.User.ID
		credential.UserID = &userID
	}

	credential, err = service.db.Credentials().Insert(ctx, credential)
	return credential, Error.Wrap(err)
}

// ListCredentials returns the credentials usable by the caller: their own
// and those of their orgs. API keys are redacted.
func (service *Service) ListCredentials(ctx context.Context) (_ []Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return nil, err
	}

	userCreds, err := service.db.Credentials().ListByUser(ctx, auth.User.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	orgs, err := service.console.Orgs().ListByUser(ctx, auth.User.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	orgIDs := make([]uuid.UUID, len(orgs))
	for i, org := range orgs {
		orgIDs[i] = org.ID
	}
	orgCreds, err := service.db.Credentials().ListByOrgs(ctx, orgIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	all := append(userCreds, orgCreds...)
	for i := range all {
		all[i].APIKey = redactKey(all[i].APIKey)
	}
	return all, nil
}

// DeleteCredential removes a credential the caller owns or administers.
func (service *Service) DeleteCredential(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	auth, err := console.GetAuth(ctx)
	if err != nil {
		return err
	}

	credential, err := service.db.Credentials().Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return console.ErrNotFound.New("credential")
	}
	if err != nil {
		return Error.Wrap(err)
	}

	switch {
	case credential.UserID != nil:
		if *credential.UserID != auth.User.ID {
			return console.ErrNotFound.New("credential")
		}
	case credential.OrgID != nil:
		if err := service.requireOrgAdmin(ctx, *credential.OrgID, auth.User.ID); err != nil {
			return err
		}
	}

	return Error.Wrap(service.db.Credentials().Delete(ctx, id))
}

func (service *Service) requireOrgAdmin(ctx context.Context, orgID, userID uuid.UUID) error {
	member, err := service.console.Orgs().GetMember(ctx, orgID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return console.ErrUnauthorized.New("not an org member")
	}
	if err != nil {
		return Error.Wrap(err)
	}
	if member.Role != console.OrgRoleAdmin {
		return console.ErrUnauthorized.New("org admin required")
	}
	return nil
}

// redactKey keeps only a recognizable tail of the key.
func redactKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
