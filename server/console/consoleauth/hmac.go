// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package consoleauth

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Hmac signs token payloads with HMAC-SHA256.
type Hmac struct {
	Secret []byte
}

// Sign signs the given data.
func (a Hmac) Sign(data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, a.Secret)
	if _, err := mac.Write(data); err != nil {
		return nil, Error.Wrap(err)
	}
	return mac.Sum(nil), nil
}

// SignToken signs token's payload and stores the signature inside it.
func (a Hmac) SignToken(token *Token) error {
	signature, err := a.Sign(token.Payload)
	if err != nil {
		return err
	}
	token.Signature = signature
	return nil
}

// Verify reports whether the token's signature matches its payload.
func (a Hmac) Verify(token Token) (bool, error) {
	signature, err := a.Sign(token.Payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal(signature, token.Signature), nil
}
