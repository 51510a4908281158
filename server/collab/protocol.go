// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package collab

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// The relay speaks two frame kinds. Binary frames carry opaque CRDT payloads:
// the server sends one initial-sync frame with the full document state on
// join and rebroadcasts every accepted client update verbatim. Text frames
// carry the JSON control vocabulary below, server to client only.
//
// Because updates are opaque, two clients that each build the same-looking
// document independently and then meet in a room get the contents merged
// side by side: there is no textual identity to deduplicate on. The server
// never inspects payloads to resolve that.

// Close codes beyond the standard ones. A connection is always accepted
// first; rejections send an error frame and then close with one of these.
const (
	CloseNotAuthenticated = 4001
	CloseAccessDenied     = 4003
	CloseRateLimited      = 4029

	CloseNormal = websocket.CloseNormalClosure
)

// Control frame types.
const (
	TypeError                  = "error"
	TypeLinksUpdated           = "links_updated"
	TypeAccessRevoked          = "access_revoked"
	TypeWritePermissionRevoked = "write_permission_revoked"
)

// Error codes carried by error frames.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeAccessDenied     = "access_denied"
	CodeRateLimited      = "rate_limited"
	CodeUnexpected       = "unexpected"
)

// Frame is a server-to-client control message.
type Frame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// PageID is the page's external id on links_updated frames.
	PageID string `json:"page_id,omitempty"`
	// UserID is the affected user's external id on revocation frames.
	UserID string `json:"user_id,omitempty"`
}

func errorFrame(code, message string) Frame {
	return Frame{Type: TypeError, Code: code, Message: message}
}

func linksUpdatedFrame(pageExternalID string) Frame {
	return Frame{Type: TypeLinksUpdated, PageID: pageExternalID}
}

func accessRevokedFrame(userExternalID string) Frame {
	return Frame{Type: TypeAccessRevoked, UserID: userExternalID}
}

func writeRevokedFrame(userExternalID string) Frame {
	return Frame{Type: TypeWritePermissionRevoked, UserID: userExternalID}
}

func (frame Frame) encode() []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		// Frame has only string fields; Marshal cannot fail.
		return []byte(`{"type":"error","code":"unexpected"}`)
	}
	return data
}
