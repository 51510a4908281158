// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

// Package consoleauth implements the signed session tokens of the console.
package consoleauth

import (
	"bytes"
	"encoding/base64"

	"github.com/zeebo/errs"
)

// Error is the default consoleauth errs class.
var Error = errs.Class("consoleauth")

// Token represents a signed session token.
//
// It is a serialized JSON claims payload and an HMAC-SHA256 signature over
// those bytes, joined by a dot in base64url form.
type Token struct {
	Payload   []byte
	Signature []byte
}

// String returns the base64url representation of the token.
func (t Token) String() string {
	payload := base64.URLEncoding.EncodeToString(t.Payload)
	signature := base64.URLEncoding.EncodeToString(t.Signature)
	return payload + "." + signature
}

// FromBase64URLString creates a Token from a base64url representation.
func FromBase64URLString(token string) (Token, error) {
	i := bytes.IndexByte([]byte(token), '.')
	if i < 0 {
		return Token{}, Error.New("invalid token format")
	}

	payload, err := base64.URLEncoding.DecodeString(token[:i])
	if err != nil {
		return Token{}, Error.New("decoding token's payload: %v", err)
	}
	signature, err := base64.URLEncoding.DecodeString(token[i+1:])
	if err != nil {
		return Token{}, Error.New("decoding token's signature: %v", err)
	}

	return Token{Payload: payload, Signature: signature}, nil
}
