// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package console

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/teris-io/shortid"
)

// NewPageExternalID generates the URL-safe short identifier of a page.
func NewPageExternalID() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", Error.Wrap(err)
	}
	return id, nil
}

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewAlnumID generates a strictly alphanumeric identifier of length n.
//
// User and project external ids travel inside mention and link grammars
// whose id captures accept only [a-zA-Z0-9], which the shortid alphabet
// cannot guarantee.
func NewAlnumID(n int) (string, error) {
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		return "", Error.Wrap(err)
	}
	for i := range data {
		data[i] = alnum[int(data[i])%len(alnum)]
	}
	return string(data), nil
}

// NewSecret generates a random URL-safe secret of size random bytes,
// used for invitation tokens and page access codes.
func NewSecret(size int) (string, error) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return "", Error.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}
