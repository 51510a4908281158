// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package derive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanQuery(t *testing.T) {
	for _, tt := range []struct {
		name  string
		query string
		want  string
	}{
		{"no markup", "plain question", "plain question"},
		{"mention with id", "summarize @[Roadmap](a1b2c3d4) please", "summarize Roadmap please"},
		{"user mention", "cc @[Alice Smith](@alice1)", "cc Alice Smith"},
		{"bare mention", "compare @[Roadmap] with @[Budget]", "compare Roadmap with Budget"},
		{"bare mention at end", "open @[Notes]", "open Notes"},
		{"malformed remnant left alone", "see @[title]abc123) there", "see @[title]abc123) there"},
		{"dangling paren left alone", "see @[title]) there", "see @[title]) there"},
		{"mixed forms", "@[A](x1) and @[B] and @[C]z9)", "A and B and @[C]z9)"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CleanQuery(tt.query))
		})
	}
}

func TestMentionedPageIDs(t *testing.T) {
	require.Empty(t, MentionedPageIDs("no mentions here"))

	require.Equal(t, []string{"firstid", "secondid"},
		MentionedPageIDs("@[First](firstid) then @[Second](secondid) then @[First](firstid)"))

	// User mentions are not page references.
	require.Equal(t, []string{"pg1"},
		MentionedPageIDs("@[Alice](@alice1) reviews @[Plan](pg1)"))

	// Bare mentions carry no id at all.
	require.Empty(t, MentionedPageIDs("@[Plan] only"))
}

func TestPageLinkRefs(t *testing.T) {
	content := "intro [notes](/pages/abc_12-3/) and [doc](https://inkwell.example/pages/xyz789) " +
		"and a share link [report](/files/proj1234/page-ext-id/tok_en/) tail"

	require.Equal(t, []pageTarget{
		{externalID: "abc_12-3", text: "notes"},
		{externalID: "xyz789", text: "doc"},
		{externalID: "page-ext-id", text: "report"},
	}, pageLinkRefs(content))

	require.Empty(t, pageLinkRefs("[broken](/pages/) [other](/elsewhere/x)"))
}

func TestFileLinkRefs(t *testing.T) {
	content := "[csv](/files/proj1/0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9/token123/) " +
		"and [ext](http://host.example/files/proj2/other-id/t0k/)"

	require.Equal(t, []fileTarget{
		{projectExternalID: "proj1", fileExternalID: "0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9", text: "csv"},
		{projectExternalID: "proj2", fileExternalID: "other-id", text: "ext"},
	}, fileLinkRefs(content))
}

func TestMentionRefs(t *testing.T) {
	content := "@[Alice](@alice1) wrote @[Plan](pg1) with @[Bob Builder](@bob2)"

	require.Equal(t, []userTarget{
		{externalID: "alice1", display: "Alice"},
		{externalID: "bob2", display: "Bob Builder"},
	}, mentionRefs(content))
}
