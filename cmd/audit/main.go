package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

const (
	documentExt   = ".pdf"
	scratchPrefix = ".render-"
	partialSuffix = ".part"
)

// finding kinds
const (
	kindScratch = "scratch"
	kindPartial = "partial"
	kindInvalid = "invalid"
)

type finding struct {
	Kind   string
	Path   string
	Reason string
}

func main() {
	if len(os.Args) < 3 {
		log.Fatal("Usage: audit <check|clean> <export-directory>")
	}

	command := os.Args[1]
	exportDir := os.Args[2]

	findings, err := scan(exportDir)
	if err != nil {
		log.Fatal(err)
	}

	switch command {
	case "check":
		report(os.Stdout, findings)
		if len(findings) > 0 {
			os.Exit(1)
		}
	case "clean":
		removed := clean(bufio.NewReader(os.Stdin), os.Stdout, findings)
		fmt.Printf("\nRemoved %d of %d leftovers\n", removed, len(findings))
	default:
		log.Fatalf("Unknown command %q", command)
	}
}

// scan looks for what an interrupted export leaves behind: scratch
// directories, partial attachment downloads and documents that do not parse.
// A broken document is never re-rendered because its file exists.
func scan(exportDir string) ([]finding, error) {
	var findings []finding
	err := filepath.WalkDir(exportDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			log.Printf("Error reading %s: %v", path, err)
			return nil // Continue on errors
		}

		name := d.Name()
		switch {
		case d.IsDir() && strings.HasPrefix(name, scratchPrefix):
			findings = append(findings, finding{Kind: kindScratch, Path: path, Reason: "leftover render directory"})
			return filepath.SkipDir
		case d.IsDir():
			return nil
		case strings.HasSuffix(name, partialSuffix):
			findings = append(findings, finding{Kind: kindPartial, Path: path, Reason: "incomplete download"})
		case strings.EqualFold(filepath.Ext(name), documentExt):
			if err := verifyPDF(path); err != nil {
				findings = append(findings, finding{Kind: kindInvalid, Path: path, Reason: err.Error()})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return findings, nil
}

func report(w io.Writer, findings []finding) {
	if len(findings) == 0 {
		fmt.Fprintln(w, "No problems found")
		return
	}
	for _, f := range findings {
		fmt.Fprintf(w, "  %-8s %s (%s)\n", strings.ToUpper(f.Kind), f.Path, f.Reason)
	}
	fmt.Fprintf(w, "\nFound %d problems\n", len(findings))
}

// clean asks before removing each finding and returns how many were removed
func clean(reader *bufio.Reader, w io.Writer, findings []finding) int {
	removed := 0
	for _, f := range findings {
		fmt.Fprintf(w, "\n%s: %s\n", f.Reason, f.Path)
		if !confirmDelete(reader, w, f.Path) {
			fmt.Fprintf(w, "  SKIP: %s\n", filepath.Base(f.Path))
			continue
		}
		if err := os.RemoveAll(f.Path); err != nil {
			log.Printf("Error removing %s: %v", f.Path, err)
			continue
		}
		removed++
		fmt.Fprintf(w, "  REMOVED: %s\n", filepath.Base(f.Path))
	}
	return removed
}

func confirmDelete(reader *bufio.Reader, w io.Writer, path string) bool {
	for {
		fmt.Fprintf(w, "  DELETE %s? [y/N]: ", filepath.Base(path))
		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			if err != io.EOF {
				log.Printf("Error reading input: %v", err)
			}
			return false
		}
		response := strings.ToLower(strings.TrimSpace(input))
		switch response {
		case "y", "yes":
			return true
		case "", "n", "no":
			return false
		default:
			fmt.Fprintln(w, "  Please enter y or n.")
			if err != nil {
				return false
			}
		}
	}
}

// verifyPDF checks the file parses as a PDF with at least one page
func verifyPDF(path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unreadable PDF: %v", r)
		}
	}()

	f, reader, err := pdflib.Open(path)
	if err != nil {
		return fmt.Errorf("unreadable PDF: %w", err)
	}
	defer f.Close()

	if reader.NumPage() < 1 {
		return fmt.Errorf("PDF has no pages")
	}
	return nil
}
