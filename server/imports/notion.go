// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package imports

import (
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"inkwell.io/inkwell/server/console"
)

// notionIDSuffix matches the 16-to-32 hex character id the export tool
// appends to every file and directory name, separated from the title by
// whitespace.
var notionIDSuffix = regexp.MustCompile(`^(.*?)\s+([0-9a-fA-F]{16,32})$`)

// splitNotionName splits "Title abcdef0123456789" into the human title
// and the lowercased source id. Names without the suffix keep the whole
// stem as the title with an empty id.
func splitNotionName(stem string) (title, sourceID string) {
	match := notionIDSuffix.FindStringSubmatch(stem)
	if match == nil {
		return stem, ""
	}
	title = strings.TrimSpace(match[1])
	if title == "" {
		title = match[2]
	}
	return title, strings.ToLower(match[2])
}

// sourcePage is one candidate page found in the extracted tree.
type sourcePage struct {
	relPath  string
	title    string
	sourceID string
	filetype string
	content  string
	depth    int

	// stemKey is the slash path without extension; a directory with the
	// same path nests this page's children. parentKey is the containing
	// directory, matched against the parent's stemKey.
	stemKey   string
	parentKey string
}

// collectNotionPages walks the extracted tree and reads every candidate
// page. Non-candidate files count as skipped, unreadable candidates as
// failed; neither stops the walk. The result is ordered parents first.
func collectNotionPages(root string) (pages []*sourcePage, total, skipped, failed int, err error) {
	err = filepath.WalkDir(root, func(fullPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		total++

		rel, err := filepath.Rel(root, fullPath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		ext := path.Ext(rel)
		var filetype string
		switch strings.ToLower(ext) {
		case ".md":
			filetype = console.FiletypeMarkdown
		case ".csv":
			filetype = console.FiletypeCSV
		default:
			skipped++
			return nil
		}

		content, err := os.ReadFile(fullPath)
		if err != nil {
			failed++
			return nil
		}

		stemKey := strings.TrimSuffix(rel, ext)
		title, sourceID := splitNotionName(path.Base(stemKey))
		parentKey := path.Dir(rel)
		if parentKey == "." {
			parentKey = ""
		}

		pages = append(pages, &sourcePage{
			relPath:   rel,
			title:     title,
			sourceID:  sourceID,
			filetype:  filetype,
			content:   string(content),
			depth:     strings.Count(rel, "/"),
			stemKey:   stemKey,
			parentKey: parentKey,
		})
		return nil
	})
	if err != nil {
		return nil, 0, 0, 0, Error.Wrap(err)
	}

	sort.Slice(pages, func(i, j int) bool {
		if pages[i].depth != pages[j].depth {
			return pages[i].depth < pages[j].depth
		}
		return pages[i].relPath < pages[j].relPath
	})
	return pages, total, skipped, failed, nil
}

// buildPages turns the candidates into page rows: external ids are
// assigned first so cross-references can be remapped to them, then parents
// are resolved by matching each candidate's directory against the stem of
// an earlier candidate.
func buildPages(job *Job, sources []*sourcePage) ([]*console.Page, error) {
	externalBySourceID := make(map[string]string, len(sources))
	pages := make([]*console.Page, 0, len(sources))
	byStem := make(map[string]*console.Page, len(sources))

	for _, source := range sources {
		externalID, err := console.NewPageExternalID()
		if err != nil {
			return nil, err
		}
		if source.sourceID != "" {
			externalBySourceID[source.sourceID] = externalID
		}
		page := &console.Page{
			ID:         uuid.New(),
			ExternalID: externalID,
			ProjectID:  job.ProjectID,
			CreatorID:  job.UserID,
			Title:      source.title,
		}
		byStem[source.stemKey] = page
		pages = append(pages, page)
	}

	for i, source := range sources {
		page := pages[i]
		if parent, ok := byStem[source.parentKey]; ok && parent != page {
			parentID := parent.ID
			page.ParentID = &parentID
		}

		content := source.content
		if source.filetype == console.FiletypeMarkdown {
			content = remapReferences(content, externalBySourceID)
		}
		page.Details = console.PageDetails{
			Content:       content,
			Filetype:      source.filetype,
			SchemaVersion: 1,
		}
	}
	return pages, nil
}

// markdownLink matches [text](target) pairs in the exported markdown.
var markdownLink = regexp.MustCompile(`\[([^\]]*)\]\(([^)]+)\)`)

// remapReferences rewrites links that point at other files of the same
// archive into platform page links, keyed by the source id embedded in
// the link target. Links to anything outside the archive pass through.
func remapReferences(content string, externalBySourceID map[string]string) string {
	if len(externalBySourceID) == 0 {
		return content
	}
	return markdownLink.ReplaceAllStringFunc(content, func(link string) string {
		match := markdownLink.FindStringSubmatch(link)
		if match == nil {
			return link
		}
		sourceID := sourceIDFromTarget(match[2])
		if sourceID == "" {
			return link
		}
		externalID, ok := externalBySourceID[sourceID]
		if !ok {
			return link
		}
		return "[" + match[1] + "](/pages/" + externalID + ")"
	})
}

// sourceIDFromTarget extracts the source id from a relative link target.
// Absolute URLs and targets without a candidate extension yield "".
func sourceIDFromTarget(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "/") {
		return ""
	}
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	if decoded, err := url.PathUnescape(target); err == nil {
		target = decoded
	}
	target = strings.TrimSuffix(target, "/")

	base := path.Base(target)
	ext := path.Ext(base)
	switch strings.ToLower(ext) {
	case "", ".md", ".csv":
	default:
		return ""
	}
	_, sourceID := splitNotionName(strings.TrimSuffix(base, ext))
	return sourceID
}
