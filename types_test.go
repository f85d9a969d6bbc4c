package main

import "testing"

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		expected string
	}{
		{"plain", "Release Notes 2.1", "Release Notes 2.1"},
		{"punctuation", "Team: Plans!", "Team_ Plans_"},
		{"slashes", "a/b\\c", "a_b_c"},
		{"unicode", "Café", "Caf_"},
		{"keeps dash and underscore", "on-call_rota", "on-call_rota"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeTitle(tt.title); got != tt.expected {
				t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.title, got, tt.expected)
			}
		})
	}
}

func TestPageNodeFileName(t *testing.T) {
	p := PageNode{ID: "9", Title: "Q&A"}
	if got := p.FileName(); got != "Q_A" {
		t.Errorf("FileName() = %q, want %q", got, "Q_A")
	}
	p.Name = "Q_A_9"
	if got := p.FileName(); got != "Q_A_9" {
		t.Errorf("FileName() = %q, want assigned name", got)
	}
}

func TestStats(t *testing.T) {
	var s Stats
	s.addPage(PageRendered)
	s.addPage(PageSkipped)
	s.addPage(PageSkipped)
	s.addAttachments(AttachmentReport{Count: 4, Downloaded: 2, Skipped: 1, Failed: []string{"x"}})

	if s.Pages != 3 || s.PagesRendered != 1 || s.PagesSkipped != 2 {
		t.Errorf("page counts = %+v", s)
	}
	if s.AttachmentsFetched != 2 || s.AttachmentsSkipped != 1 || s.AttachmentsFailed != 1 {
		t.Errorf("attachment counts = %+v", s)
	}
}
