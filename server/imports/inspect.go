// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package imports

import (
	"archive/zip"
	"fmt"
	"path"
	"strings"

	"inkwell.io/inkwell/server/abuse"
)

// Report is the inspection summary of an archive's directory listing. It
// is stored as the abuse record detail when the archive is rejected.
type Report struct {
	Entries          int      `json:"entries"`
	Files            int      `json:"files"`
	CompressedSize   int64    `json:"compressedSize"`
	UncompressedSize int64    `json:"uncompressedSize"`
	LargestFile      int64    `json:"largestFile"`
	MaxDepth         int      `json:"maxDepth"`
	Ratio            float64  `json:"ratio"`
	NestedArchives   []string `json:"nestedArchives,omitempty"`
	OffendingPath    string   `json:"offendingPath,omitempty"`
}

// RejectError is a failed inspection. Severity is empty when the reject
// is not an abuse-classified event (path traversal, corrupt archives).
type RejectError struct {
	Reason   string
	Severity abuse.Severity
	Report   *Report
}

// Error implements error.
func (e *RejectError) Error() string {
	return fmt.Sprintf("archive rejected: %s", e.Reason)
}

// Compression ratios above MaxRatio are graded by how far past it they go.
const (
	ratioHigh     = 50
	ratioCritical = 100
)

// inspectArchive checks the directory listing against the bomb thresholds
// without inflating anything. Traversal rejects immediately; the aggregate
// thresholds are evaluated after the walk, most telling first.
func inspectArchive(entries []*zip.File, compressedSize int64, config Config) (*Report, *RejectError) {
	report := &Report{CompressedSize: compressedSize}

	for _, entry := range entries {
		report.Entries++

		if hasTraversal(entry.Name) {
			report.OffendingPath = entry.Name
			return report, &RejectError{Reason: ReasonPathTraversal, Report: report}
		}
		if depth := pathDepth(entry.Name); depth > report.MaxDepth {
			report.MaxDepth = depth
		}
		if entry.FileInfo().IsDir() {
			continue
		}

		report.Files++
		size := int64(entry.UncompressedSize64)
		report.UncompressedSize += size
		if size > report.LargestFile {
			report.LargestFile = size
		}
		if isNestedArchive(entry.Name) {
			report.NestedArchives = append(report.NestedArchives, entry.Name)
		}
	}

	if compressedSize > 0 {
		report.Ratio = float64(report.UncompressedSize) / float64(compressedSize)
	}

	switch {
	case report.Ratio > config.MaxRatio:
		return report, &RejectError{
			Reason:   ReasonCompressionRatio,
			Severity: ratioSeverity(report.Ratio),
			Report:   report,
		}
	case report.UncompressedSize > config.MaxTotalSize:
		return report, &RejectError{Reason: ReasonExtractedSize, Severity: abuse.SeverityMedium, Report: report}
	case report.LargestFile > config.MaxFileSize:
		return report, &RejectError{Reason: ReasonExtractedSize, Severity: abuse.SeverityMedium, Report: report}
	case report.Entries > config.MaxEntries:
		return report, &RejectError{Reason: ReasonFileCount, Severity: abuse.SeverityMedium, Report: report}
	case report.MaxDepth > config.MaxDepth:
		return report, &RejectError{Reason: ReasonPathDepth, Severity: abuse.SeverityMedium, Report: report}
	case len(report.NestedArchives) > 0:
		return report, &RejectError{Reason: ReasonNestedArchive, Severity: abuse.SeverityHigh, Report: report}
	}
	return report, nil
}

func ratioSeverity(ratio float64) abuse.Severity {
	switch {
	case ratio > ratioCritical:
		return abuse.SeverityCritical
	case ratio > ratioHigh:
		return abuse.SeverityHigh
	default:
		return abuse.SeverityMedium
	}
}

// hasTraversal reports whether the entry name escapes the extraction root:
// absolute paths, drive prefixes and .. segments.
func hasTraversal(name string) bool {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return true
	}
	if len(name) >= 2 && name[1] == ':' {
		return true
	}
	for _, segment := range strings.FieldsFunc(name, isPathSeparator) {
		if segment == ".." {
			return true
		}
	}
	return false
}

func isPathSeparator(r rune) bool { return r == '/' || r == '\\' }

func pathDepth(name string) int {
	depth := 0
	for _, segment := range strings.Split(name, "/") {
		if segment != "" {
			depth++
		}
	}
	return depth
}

// Notion database exports legitimately contain ExportBlock-* sub-archives;
// every other nested archive is treated as hostile.
var nestedArchiveExts = map[string]bool{
	".zip": true, ".tar": true, ".gz": true, ".tgz": true,
	".rar": true, ".7z": true, ".bz2": true,
}

func isNestedArchive(name string) bool {
	base := path.Base(name)
	if strings.HasPrefix(base, "ExportBlock-") {
		return false
	}
	return nestedArchiveExts[strings.ToLower(path.Ext(base))]
}
