package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	pdflib "github.com/ledongthuc/pdf"
)

const (
	documentExt   = ".pdf"
	scratchPrefix = ".render-"
)

var (
	ErrDocumentMissing   = errors.New("no rendered document produced")
	ErrDocumentAmbiguous = errors.New("more than one rendered document produced")
	ErrInvalidDocument   = errors.New("rendered document is not a readable PDF")
)

// documentLocator finds the single file a print action produced in a scratch
// directory. Printers that write asynchronously are awaited via fsnotify.
type documentLocator struct {
	Timeout time.Duration
	// Settle is how long the file size must stay unchanged before the file
	// counts as complete. Zero accepts the file as soon as it shows up.
	Settle time.Duration
}

// Locate waits until exactly one document exists in dir
func (l documentLocator) Locate(ctx context.Context, dir string) (string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("watching %s: %w", dir, err)
	}

	deadline := time.NewTimer(l.Timeout)
	defer deadline.Stop()

	for {
		path, err := singleDocument(dir)
		if err == nil {
			return l.settled(ctx, path, deadline.C)
		}
		if !errors.Is(err, ErrDocumentMissing) {
			return "", err
		}

		select {
		case <-watcher.Events:
		case werr, ok := <-watcher.Errors:
			if ok {
				return "", fmt.Errorf("watching %s: %w", dir, werr)
			}
		case <-deadline.C:
			// one last look, the event may have raced the timer
			if path, err := singleDocument(dir); err == nil {
				return path, nil
			}
			return "", fmt.Errorf("waited %s in %s: %w", l.Timeout, dir, ErrDocumentMissing)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (l documentLocator) settled(ctx context.Context, path string, deadline <-chan time.Time) (string, error) {
	if l.Settle <= 0 {
		return path, nil
	}

	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", path, err)
		}
		if info.Size() > 0 && info.Size() == lastSize {
			return path, nil
		}
		lastSize = info.Size()

		select {
		case <-time.After(l.Settle):
		case <-deadline:
			return "", fmt.Errorf("document %s still being written: %w", path, ErrDocumentMissing)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// singleDocument returns the only document in dir
func singleDocument(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}

	var found []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), documentExt) {
			found = append(found, e.Name())
		}
	}

	switch len(found) {
	case 0:
		return "", ErrDocumentMissing
	case 1:
		return filepath.Join(dir, found[0]), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrDocumentAmbiguous, strings.Join(found, ", "))
	}
}

// newScratchDir creates an empty hidden directory inside dir so the rename
// into place stays on one filesystem
func newScratchDir(dir string) (string, error) {
	scratch := filepath.Join(dir, scratchPrefix+uuid.NewString())
	if err := os.Mkdir(scratch, 0755); err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	return scratch, nil
}

// verifyPDF checks the file parses as a PDF with at least one page
func verifyPDF(path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrInvalidDocument, filepath.Base(path), r)
		}
	}()

	f, reader, err := pdflib.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, filepath.Base(path), err)
	}
	defer f.Close()

	if reader.NumPage() < 1 {
		return fmt.Errorf("%w: %s has no pages", ErrInvalidDocument, filepath.Base(path))
	}
	return nil
}
