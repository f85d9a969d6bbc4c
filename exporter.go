package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	attachmentsSuffix = ".attachments"
	partialSuffix     = ".part"
)

// Exporter renders pages and fetches attachments, skipping anything that
// already exists on disk
type Exporter struct {
	repo     Repository
	renderer Renderer
	throttle *Throttle
	markdown *MarkdownConverter
	log      *slog.Logger

	webURL          string
	pageLoadTimeout time.Duration
	scriptTimeout   time.Duration
	locator         documentLocator
	verify          func(path string) error
}

// NewExporter creates an exporter from settings
func NewExporter(repo Repository, renderer Renderer, throttle *Throttle, settings *Settings, log *slog.Logger) *Exporter {
	e := &Exporter{
		repo:            repo,
		renderer:        renderer,
		throttle:        throttle,
		markdown:        NewMarkdownConverter(settings.WebURL),
		log:             log,
		webURL:          strings.TrimSuffix(settings.WebURL, "/"),
		pageLoadTimeout: settings.Browser.PageLoadTimeout,
		scriptTimeout:   settings.Browser.ScriptTimeout,
		locator: documentLocator{
			Timeout: settings.Browser.ScriptTimeout,
			Settle:  250 * time.Millisecond,
		},
	}
	if settings.Browser.VerifyDocuments {
		e.verify = verifyPDF
	}
	return e
}

// PageURL returns the canonical web URL of a page
func (e *Exporter) PageURL(p PageNode) string {
	return e.webURL + "/" + strings.TrimPrefix(p.WebLink, "/")
}

// ExportPage renders page into dir/<name>.pdf unless that file exists
func (e *Exporter) ExportPage(ctx context.Context, p PageNode, dir string) (PageStatus, error) {
	target := filepath.Join(dir, p.FileName()+documentExt)
	if fileExists(target) {
		e.log.Warn("page already downloaded, skipping", "title", p.Title, "path", target)
		return PageSkipped, nil
	}

	scratch, err := newScratchDir(dir)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(scratch)

	if err := e.render(ctx, p, scratch); err != nil {
		return "", fmt.Errorf("rendering page %q (%s): %w", p.Title, p.ID, err)
	}

	produced, err := e.locator.Locate(ctx, scratch)
	if err != nil {
		return "", fmt.Errorf("locating document for page %q (%s): %w", p.Title, p.ID, err)
	}
	if e.verify != nil {
		if err := e.verify(produced); err != nil {
			return "", fmt.Errorf("page %q (%s): %w", p.Title, p.ID, err)
		}
	}

	if err := os.Rename(produced, target); err != nil {
		return "", fmt.Errorf("renaming document for page %q: %w", p.Title, err)
	}
	e.log.Info(fmt.Sprintf("Renamed '%s' -> '%s'", filepath.Base(produced), filepath.Base(target)))
	return PageRendered, nil
}

// render runs one browser session; the session is closed before returning
func (e *Exporter) render(ctx context.Context, p PageNode, saveDir string) (err error) {
	session, err := e.renderer.OpenSession(ctx, SessionConfig{
		SaveDir:      saveDir,
		Landscape:    true,
		HeaderFooter: false,
		Destination:  saveAsPDF,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := session.Navigate(ctx, e.PageURL(p)); err != nil {
		return err
	}
	if err := session.WaitForLoad(ctx, e.pageLoadTimeout); err != nil {
		return err
	}
	session.SetScriptTimeout(e.scriptTimeout)
	return session.TriggerPrint(ctx)
}

// ExportAttachments downloads the page's attachments into a directory next
// to dir named <name>.attachments. One failed download does not stop the
// others.
func (e *Exporter) ExportAttachments(ctx context.Context, p PageNode, dir string) (AttachmentReport, error) {
	var report AttachmentReport

	attachments, err := e.repo.Attachments(ctx, p.ID)
	if err != nil {
		return report, err
	}
	if len(attachments) == 0 {
		e.log.Debug("no attachments found on page", "title", p.Title)
		return report, nil
	}
	report.Count = len(attachments)

	attachDir := filepath.Join(filepath.Dir(dir), p.FileName()+attachmentsSuffix)
	if err := os.MkdirAll(attachDir, 0755); err != nil {
		return report, fmt.Errorf("creating attachment directory: %w", err)
	}

	e.log.Info(fmt.Sprintf("Downloading %d attachments on page '%s'", len(attachments), p.Title))
	for _, a := range attachments {
		if !safeFileName(a.Title) {
			e.log.Error("unsafe attachment name, skipping", "title", a.Title, "page", p.Title)
			report.Failed = append(report.Failed, a.Title)
			continue
		}

		target := filepath.Join(attachDir, a.Title)
		if fileExists(target) {
			e.log.Warn("attachment already exists, skipping", "file", a.Title)
			report.Skipped++
			continue
		}

		if err := e.download(ctx, a, target); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			e.log.Error("cannot download attachment", "file", a.Title, "page", p.Title, "error", err)
			report.Failed = append(report.Failed, a.Title)
		} else {
			e.log.Info(fmt.Sprintf("Downloaded attachment '%s'", a.Title))
			report.Downloaded++
		}

		if err := e.throttle.Wait(ctx); err != nil {
			return report, err
		}
	}

	return report, nil
}

// download streams one attachment to target via a .part file
func (e *Exporter) download(ctx context.Context, a Attachment, target string) error {
	status, body, err := e.repo.Download(ctx, a.DownloadLink)
	if err != nil {
		return err
	}
	defer body.Close()

	if status != http.StatusOK {
		return &HTTPError{StatusCode: status, URL: a.DownloadLink}
	}

	partial := target + partialSuffix
	f, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("creating %s: %w", partial, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(partial)
		return fmt.Errorf("writing %s: %w", partial, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("closing %s: %w", partial, err)
	}
	return os.Rename(partial, target)
}

// ExportMarkdown writes the page body as dir/<name>.md unless it exists
func (e *Exporter) ExportMarkdown(ctx context.Context, p PageNode, dir string) (PageStatus, error) {
	target := filepath.Join(dir, p.FileName()+markdownExt)
	if fileExists(target) {
		e.log.Warn("markdown already written, skipping", "title", p.Title, "path", target)
		return PageSkipped, nil
	}

	body, err := e.repo.PageBody(ctx, p.ID)
	if err != nil {
		return "", err
	}
	text, err := e.markdown.Convert(p.Title, body)
	if err != nil {
		return "", fmt.Errorf("converting page %q: %w", p.Title, err)
	}
	if err := os.WriteFile(target, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", target, err)
	}
	return PageRendered, nil
}

// fileExists checks if a file already exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// safeFileName rejects names that would leave the attachment directory
func safeFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
