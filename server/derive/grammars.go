// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package derive

import (
	"regexp"
	"strings"
)

// Content parsing grammars. The same patterns run in every client, so they
// have to stay bit-compatible: changing one changes which references an
// existing page yields on its next derivation. Treat them as a wire format,
// not an implementation detail.
var (
	// mentionWithID matches @[title](id). Capture 1 is the title, capture 2
	// the referenced page external id.
	mentionWithID = regexp.MustCompile(`@\[([^\]]+)\]\(([^)]+)\)`)

	// bareMention matches the @[title] form without an id. PCRE engines
	// guard it with the negative lookahead (?![a-zA-Z0-9]*\)) so that the
	// leftovers of a malformed @[title]abc123) are not half rewritten. RE2
	// has no lookahead, so candidates are matched without the guard and
	// filtered against bareMentionGuard afterwards.
	bareMention      = regexp.MustCompile(`@\[([^\]]+)\]`)
	bareMentionGuard = regexp.MustCompile(`^[a-zA-Z0-9]*\)`)

	// userMention matches @[display](@user_external_id). The @ inside the
	// parens disambiguates user mentions from page and file references.
	userMention = regexp.MustCompile(`@\[([^\]]+)\]\(@([a-zA-Z0-9]+)\)`)

	// fileLink matches [text](/files/{project}/{id}/{token}/), with an
	// optional scheme and host in front. Capture 2 is the project external
	// id and capture 3 the id in file position: a file external id when it
	// is UUID formatted, a page external id on share links.
	fileLink = regexp.MustCompile(`\[([^\]]+)\]\((?:https?://[^/]+)?/files/([a-zA-Z0-9]+)/([a-zA-Z0-9-]+)/[a-zA-Z0-9_-]+/?\)`)

	// pageLink matches [text](/pages/{page_external_id}), with an optional
	// scheme and host in front.
	pageLink = regexp.MustCompile(`\[([^\]]+)\]\((?:https?://[^/]+)?/pages/([a-zA-Z0-9_-]+)/?\)`)
)

// CleanQuery rewrites mention markup into plain titles so that a language
// model reads human text instead of reference syntax.
func CleanQuery(query string) string {
	query = mentionWithID.ReplaceAllString(query, "$1")
	return replaceBareMentions(query)
}

// replaceBareMentions rewrites @[title] occurrences to title, leaving
// guarded candidates untouched. It must run after the with-id rewrite;
// that ordering is what makes the two steps equivalent to the guarded
// PCRE grammar.
func replaceBareMentions(query string) string {
	matches := bareMention.FindAllStringSubmatchIndex(query, -1)
	if len(matches) == 0 {
		return query
	}

	var out strings.Builder
	last := 0
	for _, match := range matches {
		if bareMentionGuard.MatchString(query[match[1]:]) {
			continue
		}
		out.WriteString(query[last:match[0]])
		out.WriteString(query[match[2]:match[3]])
		last = match[1]
	}
	out.WriteString(query[last:])
	return out.String()
}

// MentionedPageIDs extracts the page external ids mentioned in a query,
// preserving the order of first appearance. An id capture starting with @
// is a user mention, not a page reference, and is skipped.
func MentionedPageIDs(query string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, match := range mentionWithID.FindAllStringSubmatch(query, -1) {
		id := match[2]
		if strings.HasPrefix(id, "@") || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// pageTarget is a parsed reference to another page.
type pageTarget struct {
	externalID string
	text       string
}

// fileTarget is a parsed reference to an uploaded file.
type fileTarget struct {
	projectExternalID string
	fileExternalID    string
	text              string
}

// userTarget is a parsed mention of a user.
type userTarget struct {
	externalID string
	display    string
}

// pageLinkRefs returns every page reference in the content. Both the
// /pages/ form and the /files/ share link form can reference a page; ids
// in file position that belong to files instead simply fail to resolve as
// pages.
func pageLinkRefs(content string) []pageTarget {
	var refs []pageTarget
	for _, match := range pageLink.FindAllStringSubmatch(content, -1) {
		refs = append(refs, pageTarget{externalID: match[2], text: match[1]})
	}
	for _, match := range fileLink.FindAllStringSubmatch(content, -1) {
		refs = append(refs, pageTarget{externalID: match[3], text: match[1]})
	}
	return refs
}

// fileLinkRefs returns every file reference in the content.
func fileLinkRefs(content string) []fileTarget {
	var refs []fileTarget
	for _, match := range fileLink.FindAllStringSubmatch(content, -1) {
		refs = append(refs, fileTarget{
			projectExternalID: match[2],
			fileExternalID:    match[3],
			text:              match[1],
		})
	}
	return refs
}

// mentionRefs returns every user mentioned in the content.
func mentionRefs(content string) []userTarget {
	var refs []userTarget
	for _, match := range userMention.FindAllStringSubmatch(content, -1) {
		refs = append(refs, userTarget{display: match[1], externalID: match[2]})
	}
	return refs
}
