// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package consoleauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"inkwell.io/inkwell/private/testrand"
)

func TestClaims(t *testing.T) {
	claims := Claims{
		ID:         testrand.UUID(),
		Email:      "alice@mail.test",
		Expiration: time.Now(),
	}

	claimsBytes, err := claims.JSON()
	assert.NoError(t, err)
	assert.NotNil(t, claimsBytes)

	parsedClaims, err := FromJSON(claimsBytes)
	assert.NoError(t, err)
	assert.NotNil(t, parsedClaims)

	assert.Equal(t, parsedClaims.Email, claims.Email)
	assert.Equal(t, parsedClaims.ID, claims.ID)
	assert.True(t, parsedClaims.Expiration.Equal(claims.Expiration))
}
