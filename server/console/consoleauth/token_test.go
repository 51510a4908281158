// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package consoleauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	token := Token{
		Payload:   []byte{1, 2, 3},
		Signature: []byte{4, 5, 6},
	}

	tokenString := token.String()
	assert.Equal(t, len(tokenString) > 0, true)

	tokenFromString, err := FromBase64URLString(tokenString)
	assert.NoError(t, err)
	assert.Equal(t, tokenFromString.Payload, token.Payload)
	assert.Equal(t, tokenFromString.Signature, token.Signature)

	_, err = FromBase64URLString("no separator")
	assert.Error(t, err)
}

func TestHmac(t *testing.T) {
	signer := Hmac{Secret: []byte("secret")}

	token := Token{Payload: []byte("payload")}
	require.NoError(t, signer.SignToken(&token))

	ok, err := signer.Verify(token)
	require.NoError(t, err)
	require.True(t, ok)

	token.Payload = []byte("tampered")
	ok, err = signer.Verify(token)
	require.NoError(t, err)
	require.False(t, ok)

	other := Hmac{Secret: []byte("other secret")}
	ok, err = other.Verify(token)
	require.NoError(t, err)
	require.False(t, ok)
}
