package vcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/domain"
)

func TestParseUnifiedDiff_ParsesSingleFileSingleHunk(t *testing.T) {
	raw := "diff --git a/main.go b/main.go\n" +
		"@@ -1,3 +1,4 @@ func main\n" +
		" line one\n" +
		"-line two\n" +
		"+line two edited\n" +
		"+line three\n" +
		" line four\n"

	files := ParseUnifiedDiff(raw)
	require.Len(t, files, 1)
	assert.Equal(t, "main.go", files[0].Path)
	require.Len(t, files[0].Hunks, 1)

	h := files[0].Hunks[0]
	assert.Equal(t, 1, h.OldStart)
	assert.Equal(t, 3, h.OldLines)
	assert.Equal(t, 1, h.NewStart)
	assert.Equal(t, 4, h.NewLines)
	assert.Equal(t, "func main", h.Header)
	require.Len(t, h.Lines, 5)
	assert.Equal(t, LineContext, h.Lines[0].Kind)
	assert.Equal(t, LineRemove, h.Lines[1].Kind)
	assert.Equal(t, "line two", h.Lines[1].Content)
	assert.Equal(t, LineAdd, h.Lines[2].Kind)
}

func TestParseUnifiedDiff_HandlesMultipleFiles(t *testing.T) {
	raw := "diff --git a/a.go b/a.go\n" +
		"@@ -1 +1 @@\n" +
		"-old\n" +
		"+new\n" +
		"diff --git a/b.go b/b.go\n" +
		"@@ -1 +1 @@\n" +
		" unchanged\n"

	files := ParseUnifiedDiff(raw)
	require.Len(t, files, 2)
	assert.Equal(t, "a.go", files[0].Path)
	assert.Equal(t, "b.go", files[1].Path)
}

func TestParseUnifiedDiff_DefaultsMissingHunkCounts(t *testing.T) {
	raw := "diff --git a/x.go b/x.go\n" +
		"@@ -5 +5 @@\n" +
		" line\n"
	files := ParseUnifiedDiff(raw)
	require.Len(t, files, 1)
	require.Len(t, files[0].Hunks, 1)
	assert.Equal(t, 1, files[0].Hunks[0].OldLines)
	assert.Equal(t, 1, files[0].Hunks[0].NewLines)
}

func TestParseUnifiedDiff_IgnoresUnrecognizedLinePrefixes(t *testing.T) {
	raw := "diff --git a/x.go b/x.go\n" +
		"@@ -1 +1 @@\n" +
		"\\ No newline at end of file\n" +
		"+added\n"
	files := ParseUnifiedDiff(raw)
	require.Len(t, files, 1)
	require.Len(t, files[0].Hunks[0].Lines, 1)
	assert.Equal(t, LineAdd, files[0].Hunks[0].Lines[0].Kind)
}

func TestParseFormatUnifiedDiff_RoundTrips(t *testing.T) {
	original := []FileDiff{
		{
			Path: "main.go",
			Hunks: []Hunk{
				{
					OldStart: 1, OldLines: 2, NewStart: 1, NewLines: 3, Header: "func main",
					Lines: []Line{
						{Kind: LineContext, Content: "a"},
						{Kind: LineRemove, Content: "b"},
						{Kind: LineAdd, Content: "c"},
						{Kind: LineAdd, Content: "d"},
					},
				},
			},
		},
		{
			Path: "util.go",
			Hunks: []Hunk{
				{OldStart: 10, OldLines: 1, NewStart: 10, NewLines: 1, Lines: []Line{{Kind: LineContext, Content: "same"}}},
			},
		},
	}

	rendered := FormatUnifiedDiff(original)
	reparsed := ParseUnifiedDiff(rendered)

	require.Len(t, reparsed, len(original))
	for i, f := range original {
		assert.Equal(t, f.Path, reparsed[i].Path)
		require.Len(t, reparsed[i].Hunks, len(f.Hunks))
		for j, h := range f.Hunks {
			assert.Equal(t, h.OldStart, reparsed[i].Hunks[j].OldStart)
			assert.Equal(t, h.OldLines, reparsed[i].Hunks[j].OldLines)
			assert.Equal(t, h.NewStart, reparsed[i].Hunks[j].NewStart)
			assert.Equal(t, h.NewLines, reparsed[i].Hunks[j].NewLines)
			assert.Equal(t, h.Header, reparsed[i].Hunks[j].Header)
			assert.Equal(t, h.Lines, reparsed[i].Hunks[j].Lines)
		}
	}
}

func TestFor_SelectsBackendByVCSType(t *testing.T) {
	_, isGit := For(domain.VCSGit).(GitBackend)
	assert.True(t, isGit)
	_, isJj := For(domain.VCSJj).(JjBackend)
	assert.True(t, isJj)
}
