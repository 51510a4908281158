// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package consoleauth

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Claims represents the data signed into a session token.
type Claims struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email,omitempty"`
	Expiration time.Time `json:"expires,omitempty"`
}

// JSON returns the json representation of claims.
func (c *Claims) JSON() ([]byte, error) {
	buffer, err := json.Marshal(c)
	return buffer, Error.Wrap(err)
}

// FromJSON returns the claims parsed from a json payload.
func FromJSON(data []byte) (*Claims, error) {
	claims := new(Claims)
	if err := json.Unmarshal(data, claims); err != nil {
		return nil, Error.Wrap(err)
	}
	return claims, nil
}
