package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PageExporter exports a single page and what belongs to it
type PageExporter interface {
	ExportPage(ctx context.Context, p PageNode, dir string) (PageStatus, error)
	ExportAttachments(ctx context.Context, p PageNode, dir string) (AttachmentReport, error)
	ExportMarkdown(ctx context.Context, p PageNode, dir string) (PageStatus, error)
}

var _ PageExporter = (*Exporter)(nil)

// Walker mirrors a space's page tree depth-first onto the filesystem. A
// page's document lives in its parent's directory; a directory named after
// the page is created only when the page has children.
type Walker struct {
	repo     Repository
	exporter PageExporter
	throttle *Throttle
	log      *slog.Logger

	root            string
	withAttachments bool
	withMarkdown    bool
}

// NewWalker creates a walker rooted at settings.DownloadPath
func NewWalker(repo Repository, exporter PageExporter, throttle *Throttle, settings *Settings, log *slog.Logger) *Walker {
	return &Walker{
		repo:            repo,
		exporter:        exporter,
		throttle:        throttle,
		log:             log,
		root:            settings.DownloadPath,
		withAttachments: settings.WithAttachments,
		withMarkdown:    settings.WithMarkdown,
	}
}

// traversal is the state threaded through one Run
type traversal struct {
	counter int
	log     *slog.Logger
	stats   *Stats
}

// Run exports every page below the space's home page
func (w *Walker) Run(ctx context.Context, spaceKey string) (*Stats, error) {
	stats := &Stats{StartedAt: time.Now()}
	defer func() { stats.FinishedAt = time.Now() }()

	homeID, err := w.repo.SpaceHome(ctx, spaceKey)
	if err != nil {
		return stats, err
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return stats, fmt.Errorf("creating export root: %w", err)
	}

	tr := &traversal{
		counter: 1,
		log:     w.log.With("space", spaceKey, "run", uuid.NewString()),
		stats:   stats,
	}
	return stats, w.walk(ctx, tr, homeID, w.root)
}

// walk exports the children of parentID into dir and recurses into those
// that have children of their own
func (w *Walker) walk(ctx context.Context, tr *traversal, parentID, dir string) error {
	children, err := w.repo.ChildPages(ctx, parentID)
	if err != nil {
		return fmt.Errorf("listing pages for %s: %w", dir, err)
	}
	if len(children) == 0 {
		return nil
	}

	names := siblingNames{}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		child.Name = names.assign(child)
		childPath := filepath.Join(dir, child.Name)
		tr.log.Info(fmt.Sprintf("%d Downloading page '%s' to %s", tr.counter, child.Title, childPath))

		status, err := w.exporter.ExportPage(ctx, child, dir)
		if err != nil {
			return err
		}
		tr.stats.addPage(status)

		if err := w.throttle.Wait(ctx); err != nil {
			return err
		}

		if w.withAttachments {
			report, err := w.exporter.ExportAttachments(ctx, child, childPath)
			if err != nil {
				return fmt.Errorf("attachments of page %q (%s): %w", child.Title, child.ID, err)
			}
			tr.stats.addAttachments(report)
			if len(report.Failed) > 0 {
				tr.log.Error("some attachments were not downloaded", "page", child.Title, "failed", report.Failed)
			}
		}

		if w.withMarkdown {
			status, err := w.exporter.ExportMarkdown(ctx, child, dir)
			if err != nil {
				return fmt.Errorf("markdown of page %q (%s): %w", child.Title, child.ID, err)
			}
			if status == PageRendered {
				tr.stats.MarkdownWritten++
			}
		}

		tr.counter++

		grandchildren, err := w.repo.ChildPages(ctx, child.ID)
		if err != nil {
			return fmt.Errorf("children of page %q (%s): %w", child.Title, child.ID, err)
		}
		if len(grandchildren) == 0 {
			continue
		}
		if err := os.MkdirAll(childPath, 0755); err != nil {
			return fmt.Errorf("creating directory for page %q: %w", child.Title, err)
		}
		tr.stats.Directories++
		if err := w.walk(ctx, tr, child.ID, childPath); err != nil {
			return err
		}
	}

	return nil
}

// siblingNames hands out filesystem names among the children of one page.
// A name that is already taken (ignoring case) or unusable as a path element
// gets the page id appended, then a counter until it is unused; the first
// sibling keeps the plain name.
type siblingNames map[string]bool

func (s siblingNames) assign(p PageNode) string {
	name := SanitizeTitle(p.Title)
	if reservedName(name) || s.taken(name) {
		base := name + "_" + SanitizeTitle(p.ID)
		name = base
		for n := 2; s.taken(name); n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
	}
	s[strings.ToLower(name)] = true
	return name
}

func (s siblingNames) taken(name string) bool {
	return s[strings.ToLower(name)]
}

func reservedName(name string) bool {
	return name == "" || name == "." || name == ".."
}
