package main

import (
	"regexp"
	"time"
)

var unsafeTitleChars = regexp.MustCompile(`[^A-Za-z0-9_. -]`)

// SanitizeTitle replaces every character outside [A-Za-z0-9_. -] with an underscore
func SanitizeTitle(title string) string {
	return unsafeTitleChars.ReplaceAllString(title, "_")
}

// PageNode is one page of the space tree
type PageNode struct {
	ID      string
	Title   string
	WebLink string // relative web UI link, e.g. /spaces/DOC/pages/123/Title

	// Name is the filesystem name assigned during traversal. Empty means the
	// sanitized title.
	Name string
}

// FileName returns the name used for the page's document, attachment directory
// and child directory
func (p PageNode) FileName() string {
	if p.Name != "" {
		return p.Name
	}
	return SanitizeTitle(p.Title)
}

// Attachment is a binary resource bound to a page
type Attachment struct {
	Title        string
	DownloadLink string
	MediaType    string
	FileSize     int64
}

// PageStatus represents the outcome of exporting a page
type PageStatus string

const (
	PageRendered PageStatus = "rendered"
	PageSkipped  PageStatus = "skipped"
)

// AttachmentReport tracks the outcome of one page's attachment pass
type AttachmentReport struct {
	Count      int
	Downloaded int
	Skipped    int
	Failed     []string
}

// Stats summarizes a run
type Stats struct {
	Pages              int
	PagesRendered      int
	PagesSkipped       int
	MarkdownWritten    int
	AttachmentsFetched int
	AttachmentsSkipped int
	AttachmentsFailed  int
	Directories        int
	StartedAt          time.Time
	FinishedAt         time.Time
}

func (s *Stats) addPage(status PageStatus) {
	s.Pages++
	switch status {
	case PageRendered:
		s.PagesRendered++
	case PageSkipped:
		s.PagesSkipped++
	}
}

func (s *Stats) addAttachments(r AttachmentReport) {
	s.AttachmentsFetched += r.Downloaded
	s.AttachmentsSkipped += r.Skipped
	s.AttachmentsFailed += len(r.Failed)
}
