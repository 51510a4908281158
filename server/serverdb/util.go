// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package serverdb

import (
	"database/sql"
	"errors"
)

// wrapRowErr keeps sql.ErrNoRows untouched so callers can test for it per
// the repository contract, and wraps every other error.
func wrapRowErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	return Error.Wrap(err)
}
