// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package imports

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"inkwell.io/inkwell/server/abuse"
)

type zipEntry struct {
	name    string
	content []byte
	stored  bool
}

// buildZipEntries assembles an archive in memory and returns its parsed
// directory listing with the total archive size.
func buildZipEntries(t *testing.T, entries []zipEntry) ([]*zip.File, int64) {
	t.Helper()

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, entry := range entries {
		header := &zip.FileHeader{Name: entry.name, Method: zip.Deflate}
		if entry.stored {
			header.Method = zip.Store
		}
		w, err := writer.CreateHeader(header)
		require.NoError(t, err)
		_, err = w.Write(entry.content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	reader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return reader.File, int64(buf.Len())
}

func inspectConfig() Config {
	return Config{
		MaxRatio:     30,
		MaxTotalSize: 4096,
		MaxFileSize:  2048,
		MaxEntries:   5,
		MaxDepth:     3,
	}
}

func TestInspectArchive_Clean(t *testing.T) {
	entries, size := buildZipEntries(t, []zipEntry{
		{name: "Root abc123def4567890.md", content: []byte("hello")},
		{name: "Root abc123def4567890/"},
		{name: "Root abc123def4567890/Child.md", content: []byte("world")},
	})

	report, reject := inspectArchive(entries, size, inspectConfig())
	require.Nil(t, reject)
	require.Equal(t, 3, report.Entries)
	require.Equal(t, 2, report.Files)
	require.Equal(t, int64(10), report.UncompressedSize)
	require.Equal(t, int64(5), report.LargestFile)
	require.Equal(t, 2, report.MaxDepth)
	require.Equal(t, size, report.CompressedSize)
	require.Less(t, report.Ratio, 30.0)
}

func TestInspectArchive_Traversal(t *testing.T) {
	for _, name := range []string{
		"../evil.md",
		"docs/../../evil.md",
		"/etc/passwd",
		`C:\boot.ini`,
		`docs\..\evil.md`,
	} {
		entries, size := buildZipEntries(t, []zipEntry{
			{name: name, content: []byte("x"), stored: true},
		})

		_, reject := inspectArchive(entries, size, inspectConfig())
		require.NotNil(t, reject, name)
		require.Equal(t, ReasonPathTraversal, reject.Reason, name)
		require.Empty(t, reject.Severity, name)
		require.Equal(t, name, reject.Report.OffendingPath)
	}
}

func TestInspectArchive_RatioBomb(t *testing.T) {
	entries, size := buildZipEntries(t, []zipEntry{
		{name: "bomb.md", content: bytes.Repeat([]byte{'a'}, 1<<20)},
	})

	_, reject := inspectArchive(entries, size, inspectConfig())
	require.NotNil(t, reject)
	require.Equal(t, ReasonCompressionRatio, reject.Reason)
	require.Equal(t, abuse.SeverityCritical, reject.Severity)
	require.Greater(t, reject.Report.Ratio, 100.0)
}

func TestRatioSeverity(t *testing.T) {
	require.Equal(t, abuse.SeverityMedium, ratioSeverity(35))
	require.Equal(t, abuse.SeverityMedium, ratioSeverity(50))
	require.Equal(t, abuse.SeverityHigh, ratioSeverity(80))
	require.Equal(t, abuse.SeverityHigh, ratioSeverity(100))
	require.Equal(t, abuse.SeverityCritical, ratioSeverity(150))
}

func TestInspectArchive_TotalSize(t *testing.T) {
	content := bytes.Repeat([]byte{'x'}, 1500)
	entries, size := buildZipEntries(t, []zipEntry{
		{name: "a.md", content: content, stored: true},
		{name: "b.md", content: content, stored: true},
		{name: "c.md", content: content, stored: true},
	})

	_, reject := inspectArchive(entries, size, inspectConfig())
	require.NotNil(t, reject)
	require.Equal(t, ReasonExtractedSize, reject.Reason)
	require.Equal(t, abuse.SeverityMedium, reject.Severity)
	require.Equal(t, int64(4500), reject.Report.UncompressedSize)
}

func TestInspectArchive_LargestFile(t *testing.T) {
	entries, size := buildZipEntries(t, []zipEntry{
		{name: "big.md", content: bytes.Repeat([]byte{'x'}, 2100), stored: true},
	})

	_, reject := inspectArchive(entries, size, inspectConfig())
	require.NotNil(t, reject)
	require.Equal(t, ReasonExtractedSize, reject.Reason)
	require.Equal(t, int64(2100), reject.Report.LargestFile)
}

func TestInspectArchive_EntryCount(t *testing.T) {
	var list []zipEntry
	for _, name := range []string{"a.md", "b.md", "c.md", "d.md", "e.md", "f.md"} {
		list = append(list, zipEntry{name: name, content: []byte("x"), stored: true})
	}
	entries, size := buildZipEntries(t, list)

	_, reject := inspectArchive(entries, size, inspectConfig())
	require.NotNil(t, reject)
	require.Equal(t, ReasonFileCount, reject.Reason)
	require.Equal(t, abuse.SeverityMedium, reject.Severity)
	require.Equal(t, 6, reject.Report.Entries)
}

func TestInspectArchive_PathDepth(t *testing.T) {
	entries, size := buildZipEntries(t, []zipEntry{
		{name: "a/b/c/d/deep.md", content: []byte("x"), stored: true},
	})

	_, reject := inspectArchive(entries, size, inspectConfig())
	require.NotNil(t, reject)
	require.Equal(t, ReasonPathDepth, reject.Reason)
	require.Equal(t, 5, reject.Report.MaxDepth)
}

func TestInspectArchive_NestedArchive(t *testing.T) {
	entries, size := buildZipEntries(t, []zipEntry{
		{name: "notes.md", content: []byte("x"), stored: true},
		{name: "backup.zip", content: []byte("PK"), stored: true},
	})

	_, reject := inspectArchive(entries, size, inspectConfig())
	require.NotNil(t, reject)
	require.Equal(t, ReasonNestedArchive, reject.Reason)
	require.Equal(t, abuse.SeverityHigh, reject.Severity)
	require.Equal(t, []string{"backup.zip"}, reject.Report.NestedArchives)

	// Notion database exports carry ExportBlock sub-archives legitimately.
	entries, size = buildZipEntries(t, []zipEntry{
		{name: "notes.md", content: []byte("x"), stored: true},
		{name: "data/ExportBlock-1234abcd.zip", content: []byte("PK"), stored: true},
	})
	_, reject = inspectArchive(entries, size, inspectConfig())
	require.Nil(t, reject)
}

func TestHasTraversal(t *testing.T) {
	for name, want := range map[string]bool{
		"notes.md":          false,
		"a/b/c.md":          false,
		"a/..b/c.md":        false,
		"..a/b.md":          false,
		"a/../b.md":         true,
		"../evil.md":        true,
		"/etc/passwd":       true,
		`\network\share.md`: true,
		`C:\boot.ini`:       true,
		`a\..\b.md`:         true,
	} {
		require.Equal(t, want, hasTraversal(name), name)
	}
}

func TestPathDepth(t *testing.T) {
	require.Equal(t, 0, pathDepth(""))
	require.Equal(t, 1, pathDepth("a.md"))
	require.Equal(t, 1, pathDepth("dir/"))
	require.Equal(t, 3, pathDepth("a/b/c.md"))
}

func TestIsNestedArchive(t *testing.T) {
	require.True(t, isNestedArchive("backup.zip"))
	require.True(t, isNestedArchive("deep/dir/data.TAR"))
	require.True(t, isNestedArchive("logs.tgz"))
	require.False(t, isNestedArchive("notes.md"))
	require.False(t, isNestedArchive("ExportBlock-99ff.zip"))
	require.False(t, isNestedArchive("csv/Tasks.csv"))
}

func TestExtractArchive(t *testing.T) {
	entries, _ := buildZipEntries(t, []zipEntry{
		{name: "Root abc123def4567890.md", content: []byte("hello")},
		{name: "Root abc123def4567890/"},
		{name: "Root abc123def4567890/Child.md", content: []byte("world")},
	})

	dest := t.TempDir()
	reject, err := extractArchive(entries, dest)
	require.NoError(t, err)
	require.Nil(t, reject)

	data, err := os.ReadFile(filepath.Join(dest, "Root abc123def4567890.md"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	data, err = os.ReadFile(filepath.Join(dest, "Root abc123def4567890", "Child.md"))
	require.NoError(t, err)
	require.Equal(t, "world", string(data))
}

func TestExtractArchive_Traversal(t *testing.T) {
	entries, _ := buildZipEntries(t, []zipEntry{
		{name: "../outside.md", content: []byte("x"), stored: true},
	})

	dest := t.TempDir()
	reject, err := extractArchive(entries, dest)
	require.NoError(t, err)
	require.NotNil(t, reject)
	require.Equal(t, ReasonPathTraversal, reject.Reason)

	_, err = os.Stat(filepath.Join(dest, "..", "outside.md"))
	require.True(t, os.IsNotExist(err))
}