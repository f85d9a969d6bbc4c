package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const saveAsPDF = "Save as PDF"

// SessionConfig holds the print preferences of one rendering session
type SessionConfig struct {
	SaveDir      string
	Landscape    bool
	HeaderFooter bool
	Destination  string
}

// Renderer opens browser sessions
type Renderer interface {
	OpenSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is one browser instance bound to a save directory. TriggerPrint
// produces exactly one file in the save directory.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitForLoad(ctx context.Context, timeout time.Duration) error
	SetScriptTimeout(timeout time.Duration)
	TriggerPrint(ctx context.Context) error
	Close() error
}

// ChromeRenderer drives Chrome through the DevTools protocol
type ChromeRenderer struct {
	ExecPath         string
	UserDataDir      string
	ProfileDirectory string
	Headless         bool
	PrintMode        string
	ReadySelector    string
	PageLoadTimeout  time.Duration
}

var _ Renderer = (*ChromeRenderer)(nil)

// NewChromeRenderer creates a renderer from browser settings
func NewChromeRenderer(s BrowserSettings) *ChromeRenderer {
	return &ChromeRenderer{
		ExecPath:         s.ExecPath,
		UserDataDir:      s.UserDataDir,
		ProfileDirectory: s.ProfileDirectory,
		Headless:         s.Headless,
		PrintMode:        s.PrintMode,
		ReadySelector:    s.ReadySelector,
		PageLoadTimeout:  s.PageLoadTimeout,
	}
}

// OpenSession starts a fresh browser process for one page
func (r *ChromeRenderer) OpenSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Destination == "" {
		cfg.Destination = saveAsPDF
	}

	s := &chromeSession{
		cfg:           cfg,
		mode:          r.PrintMode,
		readySelector: r.ReadySelector,
		loadTimeout:   r.PageLoadTimeout,
		scriptTimeout: defaultScriptTimeout,
	}
	if s.readySelector == "" {
		s.readySelector = "body"
	}
	if s.loadTimeout <= 0 {
		s.loadTimeout = defaultPageLoadTimeout
	}

	userDataDir := r.UserDataDir
	if r.PrintMode == PrintModeKiosk && userDataDir == "" {
		dir, err := os.MkdirTemp("", "confluence-snapshot-profile-*")
		if err != nil {
			return nil, fmt.Errorf("creating browser profile: %w", err)
		}
		userDataDir = dir
		s.tempProfile = dir
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.Headless),
		chromedp.Flag("start-maximized", true),
	)
	if r.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.ExecPath))
	}
	if userDataDir != "" {
		opts = append(opts,
			chromedp.UserDataDir(userDataDir),
			chromedp.Flag("profile-directory", r.profileDirectory()),
		)
	}
	if r.PrintMode == PrintModeKiosk {
		prefsPath := filepath.Join(userDataDir, r.profileDirectory(), "Preferences")
		if err := writePrintPreferences(prefsPath, cfg); err != nil {
			s.removeTempProfile()
			return nil, err
		}
		opts = append(opts, chromedp.Flag("kiosk-printing", true))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	s.ctx = browserCtx
	s.cancel = func() {
		cancelBrowser()
		cancelAlloc()
	}

	// starts the browser
	if err := chromedp.Run(browserCtx); err != nil {
		s.cancel()
		s.removeTempProfile()
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	return s, nil
}

func (r *ChromeRenderer) profileDirectory() string {
	if r.ProfileDirectory == "" {
		return "Default"
	}
	return r.ProfileDirectory
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg           SessionConfig
	mode          string
	readySelector string
	loadTimeout   time.Duration
	scriptTimeout time.Duration
	tempProfile   string
}

// run executes actions on the browser tab, bounded by both ctx and timeout
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, s.loadTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// WaitForLoad waits for the ready selector. A page that never shows it (a
// login form instead of content, for example) fails here.
func (s *chromeSession) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	err := s.run(ctx, timeout, chromedp.WaitReady(s.readySelector, chromedp.ByQuery))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("element %q not ready after %s: %w", s.readySelector, timeout, err)
	}
	if err != nil {
		return fmt.Errorf("waiting for %q: %w", s.readySelector, err)
	}
	return nil
}

func (s *chromeSession) SetScriptTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.scriptTimeout = timeout
	}
}

func (s *chromeSession) TriggerPrint(ctx context.Context) error {
	if s.mode == PrintModeKiosk {
		// kiosk printing saves straight to savefile.default_directory
		if err := s.run(ctx, s.scriptTimeout, chromedp.Evaluate(`window.print();`, nil)); err != nil {
			return fmt.Errorf("printing: %w", err)
		}
		return nil
	}

	var title string
	var data []byte
	err := s.run(ctx, s.scriptTimeout,
		chromedp.Title(&title),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, _, err = page.PrintToPDF().
				WithLandscape(s.cfg.Landscape).
				WithDisplayHeaderFooter(s.cfg.HeaderFooter).
				WithPrintBackground(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return fmt.Errorf("printing: %w", err)
	}

	path := filepath.Join(s.cfg.SaveDir, documentFileName(title))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *chromeSession) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	s.removeTempProfile()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

func (s *chromeSession) removeTempProfile() {
	if s.tempProfile != "" {
		os.RemoveAll(s.tempProfile)
	}
}

// documentFileName mimics the browser's choice of name: the document title
func documentFileName(title string) string {
	name := strings.TrimSpace(SanitizeTitle(title))
	if name == "" || strings.Trim(name, ".") == "" {
		name = "document"
	}
	return name + documentExt
}

// printAppState is the print preview state Chrome keeps in its profile
type printAppState struct {
	RecentDestinations    []printDestination `json:"recentDestinations"`
	SelectedDestinationID string             `json:"selectedDestinationId"`
	Version               int                `json:"version"`
	IsLandscapeEnabled    bool               `json:"isLandscapeEnabled"`
	IsHeaderFooterEnabled bool               `json:"isHeaderFooterEnabled"`
}

type printDestination struct {
	ID      string `json:"id"`
	Origin  string `json:"origin"`
	Account string `json:"account"`
}

// writePrintPreferences merges the print settings into a Chrome Preferences
// file, keeping whatever else the profile stores
func writePrintPreferences(path string, cfg SessionConfig) error {
	prefs := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &prefs); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	appState, err := json.Marshal(printAppState{
		RecentDestinations:    []printDestination{{ID: cfg.Destination, Origin: "local"}},
		SelectedDestinationID: cfg.Destination,
		Version:               2,
		IsLandscapeEnabled:    cfg.Landscape,
		IsHeaderFooterEnabled: cfg.HeaderFooter,
	})
	if err != nil {
		return fmt.Errorf("encoding print state: %w", err)
	}

	setPref(prefs, string(appState), "printing", "print_preview_sticky_settings", "appState")
	setPref(prefs, cfg.SaveDir, "savefile", "default_directory")

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// setPref sets a dotted preference key, creating intermediate objects
func setPref(prefs map[string]any, value any, keys ...string) {
	m := prefs
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = value
}
