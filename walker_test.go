package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleSpace builds home -> A -> {B -> D, C}
func sampleSpace() *fakeRepo {
	repo := newFakeRepo()
	repo.spaces["DOC"] = "1"
	repo.page("1", "2", "A")
	repo.page("2", "3", "B")
	repo.page("2", "4", "C")
	repo.page("3", "5", "D")
	return repo
}

func newTestWalker(repo *fakeRepo, renderer *fakeRenderer, throttle *Throttle, root string) *Walker {
	settings := &Settings{DownloadPath: root}
	return NewWalker(repo, newTestExporter(repo, renderer, throttle), throttle, settings, discardLogger())
}

func TestWalkerMirrorsTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "export")
	repo := sampleSpace()
	renderer := newFakeRenderer()

	stats, err := newTestWalker(repo, renderer, nil, root).Run(context.Background(), "DOC")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, "A.pdf"))
	assert.FileExists(t, filepath.Join(root, "A", "B.pdf"))
	assert.FileExists(t, filepath.Join(root, "A", "C.pdf"))
	assert.FileExists(t, filepath.Join(root, "A", "B", "D.pdf"))

	// leaves get no directory
	assert.NoDirExists(t, filepath.Join(root, "A", "C"))
	assert.NoDirExists(t, filepath.Join(root, "A", "B", "D"))

	assert.Equal(t, 4, stats.Pages)
	assert.Equal(t, 4, stats.PagesRendered)
	assert.Equal(t, 2, stats.Directories)
	assert.Equal(t, 4, renderer.openSessions())
	assert.Equal(t, renderer.sessions, renderer.closed)

	assert.Equal(t, []string{
		"https://wiki.example.com/spaces/DOC/pages/2",
		"https://wiki.example.com/spaces/DOC/pages/3",
		"https://wiki.example.com/spaces/DOC/pages/5",
		"https://wiki.example.com/spaces/DOC/pages/4",
	}, renderer.printed, "pages are visited depth-first in listing order")
}

func TestWalkerSecondRunSkipsEverything(t *testing.T) {
	root := t.TempDir()
	repo := sampleSpace()
	renderer := newFakeRenderer()

	_, err := newTestWalker(repo, renderer, nil, root).Run(context.Background(), "DOC")
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(root, "A", "B", "D.pdf"))
	require.NoError(t, err)

	rerun := newFakeRenderer()
	stats, err := newTestWalker(repo, rerun, nil, root).Run(context.Background(), "DOC")
	require.NoError(t, err)

	assert.Zero(t, rerun.openSessions())
	assert.Equal(t, 4, stats.PagesSkipped)
	assert.Zero(t, stats.PagesRendered)

	after, err := os.ReadFile(filepath.Join(root, "A", "B", "D.pdf"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestWalkerResumesPartialExport(t *testing.T) {
	root := t.TempDir()
	repo := sampleSpace()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "A"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "A.pdf"), []byte("done"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "A", "C.pdf"), []byte("done"), 0644))

	renderer := newFakeRenderer()
	stats, err := newTestWalker(repo, renderer, nil, root).Run(context.Background(), "DOC")
	require.NoError(t, err)

	assert.Equal(t, 2, renderer.openSessions())
	assert.Equal(t, 2, stats.PagesSkipped)
	assert.FileExists(t, filepath.Join(root, "A", "B", "D.pdf"))
}

func TestWalkerSingleLeafChild(t *testing.T) {
	root := t.TempDir()
	repo := newFakeRepo()
	repo.spaces["DOC"] = "1"
	repo.page("1", "2", "X")

	stats, err := newTestWalker(repo, newFakeRenderer(), nil, root).Run(context.Background(), "DOC")
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "X.pdf", entries[0].Name())
	assert.Zero(t, stats.Directories)
}

func TestWalkerEmptySpace(t *testing.T) {
	root := filepath.Join(t.TempDir(), "export")
	repo := newFakeRepo()
	repo.spaces["DOC"] = "1"
	renderer := newFakeRenderer()

	stats, err := newTestWalker(repo, renderer, nil, root).Run(context.Background(), "DOC")
	require.NoError(t, err)

	assert.DirExists(t, root)
	assert.Zero(t, stats.Pages)
	assert.Zero(t, renderer.openSessions())
}

func TestWalkerUnknownSpace(t *testing.T) {
	root := filepath.Join(t.TempDir(), "export")
	renderer := newFakeRenderer()

	_, err := newTestWalker(sampleSpace(), renderer, nil, root).Run(context.Background(), "NOPE")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, root)
	assert.Zero(t, renderer.openSessions())
}

func TestWalkerSanitizesAndDisambiguatesNames(t *testing.T) {
	root := t.TempDir()
	repo := newFakeRepo()
	repo.spaces["DOC"] = "1"
	repo.page("1", "10", "Team: Plans!")
	repo.page("1", "11", "Plans")
	repo.page("1", "12", "plans")
	repo.page("1", "13", "Plans")
	repo.page("1", "14", "..")
	repo.page("11", "20", "Q1")
	repo.page("12", "21", "Q1")

	_, err := newTestWalker(repo, newFakeRenderer(), nil, root).Run(context.Background(), "DOC")
	require.NoError(t, err)

	for _, name := range []string{
		"Team_ Plans_.pdf",
		"Plans.pdf",
		"plans_12.pdf",
		"Plans_13.pdf",
		".._14.pdf",
		filepath.Join("Plans", "Q1.pdf"),
		filepath.Join("plans_12", "Q1.pdf"),
	} {
		assert.FileExists(t, filepath.Join(root, name))
	}
}

func TestWalkerDisambiguatedNameNeverReusesSiblingName(t *testing.T) {
	root := t.TempDir()
	repo := newFakeRepo()
	repo.spaces["DOC"] = "1"
	repo.page("1", "10", "A")
	repo.page("1", "5", "A_11")
	repo.page("1", "11", "A")

	stats, err := newTestWalker(repo, newFakeRenderer(), nil, root).Run(context.Background(), "DOC")
	require.NoError(t, err)

	assert.Equal(t, 3, stats.PagesRendered)
	assert.Zero(t, stats.PagesSkipped)
	for _, name := range []string{"A.pdf", "A_11.pdf", "A_11_2.pdf"} {
		assert.FileExists(t, filepath.Join(root, name))
	}
}

func TestWalkerAttachmentsAndMarkdown(t *testing.T) {
	root := t.TempDir()
	repo := sampleSpace()
	repo.attach("2", "diagram.png", http.StatusOK, "png")
	repo.attach("2", "notes.txt", http.StatusOK, "txt")
	repo.attach("3", "broken.bin", http.StatusInternalServerError, "")
	repo.bodies["2"] = "<p>Hello <strong>world</strong></p>"

	w := newTestWalker(repo, newFakeRenderer(), nil, root)
	w.withAttachments = true
	w.withMarkdown = true

	stats, err := w.Run(context.Background(), "DOC")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, "A.attachments", "diagram.png"))
	assert.FileExists(t, filepath.Join(root, "A.attachments", "notes.txt"))
	assert.DirExists(t, filepath.Join(root, "A", "B.attachments"))
	assert.NoFileExists(t, filepath.Join(root, "A", "B.attachments", "broken.bin"))
	assert.NoDirExists(t, filepath.Join(root, "A", "C.attachments"))

	md, err := os.ReadFile(filepath.Join(root, "A.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# A")
	assert.Contains(t, string(md), "Hello **world**")
	assert.FileExists(t, filepath.Join(root, "A", "B", "D.md"))

	assert.Equal(t, 2, stats.AttachmentsFetched)
	assert.Equal(t, 1, stats.AttachmentsFailed)
	assert.Equal(t, 4, stats.MarkdownWritten)
}

func TestWalkerThrottlesPagesAndDownloads(t *testing.T) {
	root := t.TempDir()
	repo := sampleSpace()
	repo.attach("2", "a.png", http.StatusOK, "a")
	repo.attach("2", "b.png", http.StatusNotFound, "")

	calls := 0
	w := newTestWalker(repo, newFakeRenderer(), countingThrottle(&calls), root)
	w.withAttachments = true

	_, err := w.Run(context.Background(), "DOC")
	require.NoError(t, err)

	// one pause per page and one per attempted download
	assert.Equal(t, 6, calls)
}

func TestWalkerDisabledThrottleNeverSleeps(t *testing.T) {
	calls := 0
	throttle := countingThrottle(&calls)
	throttle.Enabled = false

	_, err := newTestWalker(sampleSpace(), newFakeRenderer(), throttle, t.TempDir()).Run(context.Background(), "DOC")
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestWalkerStopsOnListingError(t *testing.T) {
	root := t.TempDir()
	repo := sampleSpace()
	repo.failChildOf = "3"
	renderer := newFakeRenderer()

	_, err := newTestWalker(repo, renderer, nil, root).Run(context.Background(), "DOC")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)
	assert.Contains(t, err.Error(), `children of page "B" (3)`)

	// C comes after B's subtree and is never reached
	assert.NoFileExists(t, filepath.Join(root, "A", "C.pdf"))
}

func TestWalkerTopLevelListingErrorNamesDirectory(t *testing.T) {
	root := t.TempDir()
	repo := sampleSpace()
	repo.failChildOf = "1"

	_, err := newTestWalker(repo, newFakeRenderer(), nil, root).Run(context.Background(), "DOC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing pages for "+root)
}

func TestWalkerStopsOnRenderError(t *testing.T) {
	root := t.TempDir()
	renderer := newFakeRenderer()
	renderer.failURL = "https://wiki.example.com/spaces/DOC/pages/3"

	_, err := newTestWalker(sampleSpace(), renderer, nil, root).Run(context.Background(), "DOC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"B"`)
	assert.NoFileExists(t, filepath.Join(root, "A", "B.pdf"))
	assert.Equal(t, renderer.sessions, renderer.closed)
}

func TestWalkerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	renderer := newFakeRenderer()

	_, err := newTestWalker(sampleSpace(), renderer, nil, t.TempDir()).Run(ctx, "DOC")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, renderer.openSessions())
}

func TestSiblingNamesSkipsTakenSuffixes(t *testing.T) {
	names := siblingNames{}
	assert.Equal(t, "A", names.assign(PageNode{ID: "10", Title: "A"}))
	assert.Equal(t, "A_11", names.assign(PageNode{ID: "5", Title: "A_11"}))
	assert.Equal(t, "A_11_2", names.assign(PageNode{ID: "11", Title: "A"}))
	assert.Equal(t, "a_11_3", names.assign(PageNode{ID: "11", Title: "a"}))
}

func TestSiblingNames(t *testing.T) {
	names := siblingNames{}
	tests := []struct {
		page     PageNode
		expected string
	}{
		{PageNode{ID: "1", Title: "Plans"}, "Plans"},
		{PageNode{ID: "2", Title: "PLANS"}, "PLANS_2"},
		{PageNode{ID: "3", Title: "."}, "._3"},
		{PageNode{ID: "4", Title: ""}, "_4"},
		{PageNode{ID: "5", Title: "Q&A"}, "Q_A"},
		{PageNode{ID: "6", Title: "Q?A"}, "Q_A_6"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, names.assign(tt.page), "title %q", tt.page.Title)
	}
}
