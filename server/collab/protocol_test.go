// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package collab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameEncoding(t *testing.T) {
	require.JSONEq(t, `{"type":"error","code":"rate_limited","message":"too many connection attempts"}`,
		string(errorFrame(CodeRateLimited, "too many connection attempts").encode()))
	require.JSONEq(t, `{"type":"links_updated","page_id":"abc123"}`,
		string(linksUpdatedFrame("abc123").encode()))
	require.JSONEq(t, `{"type":"access_revoked","user_id":"u42x"}`,
		string(accessRevokedFrame("u42x").encode()))
	require.JSONEq(t, `{"type":"write_permission_revoked","user_id":"u42x"}`,
		string(writeRevokedFrame("u42x").encode()))
}

func TestRoomID(t *testing.T) {
	require.Equal(t, "page_abc123", RoomID("abc123"))
	require.Equal(t, "abc123", PageExternalID("page_abc123"))
}
