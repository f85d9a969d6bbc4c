package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeFile struct {
	status  int
	content string
}

// fakeRepo is an in-memory space
type fakeRepo struct {
	mu          sync.Mutex
	spaces      map[string]string
	children    map[string][]PageNode
	attachments map[string][]Attachment
	bodies      map[string]string
	files       map[string]fakeFile
	failChildOf string

	childCalls int
	downloads  []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		spaces:      map[string]string{},
		children:    map[string][]PageNode{},
		attachments: map[string][]Attachment{},
		bodies:      map[string]string{},
		files:       map[string]fakeFile{},
	}
}

// page adds a child page below parent
func (r *fakeRepo) page(parent, id, title string) PageNode {
	p := PageNode{ID: id, Title: title, WebLink: "/spaces/DOC/pages/" + id}
	r.children[parent] = append(r.children[parent], p)
	return p
}

func (r *fakeRepo) attach(pageID, title string, status int, content string) {
	link := "/download/attachments/" + pageID + "/" + title
	r.attachments[pageID] = append(r.attachments[pageID], Attachment{Title: title, DownloadLink: link})
	r.files[link] = fakeFile{status: status, content: content}
}

func (r *fakeRepo) SpaceHome(ctx context.Context, spaceKey string) (string, error) {
	id, ok := r.spaces[spaceKey]
	if !ok {
		return "", fmt.Errorf("resolving space %s: %w", spaceKey, ErrNotFound)
	}
	return id, nil
}

func (r *fakeRepo) ChildPages(ctx context.Context, pageID string) ([]PageNode, error) {
	r.mu.Lock()
	r.childCalls++
	r.mu.Unlock()
	if pageID == r.failChildOf {
		return nil, fmt.Errorf("listing children of page %s: %w", pageID, &HTTPError{StatusCode: 500, URL: "/child/page"})
	}
	return append([]PageNode(nil), r.children[pageID]...), nil
}

func (r *fakeRepo) Attachments(ctx context.Context, pageID string) ([]Attachment, error) {
	return r.attachments[pageID], nil
}

func (r *fakeRepo) PageBody(ctx context.Context, pageID string) (string, error) {
	return r.bodies[pageID], nil
}

func (r *fakeRepo) Download(ctx context.Context, link string) (int, io.ReadCloser, error) {
	r.mu.Lock()
	r.downloads = append(r.downloads, link)
	r.mu.Unlock()
	f, ok := r.files[link]
	if !ok {
		f = fakeFile{status: http.StatusNotFound}
	}
	return f.status, io.NopCloser(strings.NewReader(f.content)), nil
}

// fakeRenderer prints by writing documents straight into the save directory
type fakeRenderer struct {
	mu        sync.Mutex
	documents int
	failURL   string
	sessions  int
	closed    int
	printed   []string
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{documents: 1}
}

func (r *fakeRenderer) OpenSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions++
	return &fakeSession{r: r, cfg: cfg}, nil
}

func (r *fakeRenderer) openSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

type fakeSession struct {
	r   *fakeRenderer
	cfg SessionConfig
	url string
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	if url == s.r.failURL {
		return errors.New("navigation failed")
	}
	s.url = url
	return nil
}

func (s *fakeSession) WaitForLoad(ctx context.Context, timeout time.Duration) error { return nil }

func (s *fakeSession) SetScriptTimeout(timeout time.Duration) {}

func (s *fakeSession) TriggerPrint(ctx context.Context) error {
	s.r.mu.Lock()
	s.r.printed = append(s.r.printed, s.url)
	s.r.mu.Unlock()
	for i := 0; i < s.r.documents; i++ {
		path := filepath.Join(s.cfg.SaveDir, fmt.Sprintf("Printed %d.pdf", i))
		if err := os.WriteFile(path, []byte("%PDF-1.4 "+s.url), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.r.mu.Lock()
	s.r.closed++
	s.r.mu.Unlock()
	return nil
}

// newTestExporter returns an exporter with verification off and a short
// document wait
func newTestExporter(repo Repository, renderer Renderer, throttle *Throttle) *Exporter {
	settings := &Settings{
		WebURL: "https://wiki.example.com",
		Browser: BrowserSettings{
			PageLoadTimeout: time.Second,
			ScriptTimeout:   time.Second,
		},
	}
	e := NewExporter(repo, renderer, throttle, settings, discardLogger())
	e.locator.Settle = 0
	return e
}

// countingThrottle is an enabled throttle that never sleeps
func countingThrottle(calls *int) *Throttle {
	t := NewThrottle(true, time.Minute, discardLogger())
	t.sleep = func(ctx context.Context, d time.Duration) error {
		*calls++
		return ctx.Err()
	}
	return t
}
