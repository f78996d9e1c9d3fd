package engine

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"novelhub/utils"

	epub "github.com/bmaupin/go-epub"
)

// AssemblerService writes the completed chapter set, in canonical order,
// into the final artifact. TXT is written directly; EPUB is delegated to
// the epub writer with html-wrapped chapter bodies.
type AssemblerService struct {
	Logger *LoggerService
	OutDir string
}

// NewAssemblerService builds the assembler. outDir is created on first use.
func NewAssemblerService(logger *LoggerService, outDir string) *AssemblerService {
	return &AssemblerService{Logger: logger, OutDir: outDir}
}

// Assemble writes the artifact and returns its path. The file appears under
// its final name only when fully written: both formats go through a
// temporary name and a rename.
func (a *AssemblerService) Assemble(detail *NovelDetail, chapters []Chapter, format Format) (string, error) {
	if err := os.MkdirAll(a.OutDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := utils.ArtifactName(detail.Title, detail.Author, string(format))
	finalPath := filepath.Join(a.OutDir, name)
	tmpPath := finalPath + ".part"

	var err error
	switch format {
	case FormatEPUB:
		err = a.writeEPUB(detail, chapters, tmpPath)
	default:
		err = a.writeTXT(detail, chapters, tmpPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}
	a.Logger.Debug("assembled %s (%d chapters)", finalPath, len(chapters))
	return finalPath, nil
}

func (a *AssemblerService) writeTXT(detail *NovelDetail, chapters []Chapter, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create txt file: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString(detail.Title)
	if detail.Author != "" {
		b.WriteString("\n作者：" + detail.Author)
	}
	if detail.Intro != "" {
		b.WriteString("\n\n" + detail.Intro)
	}
	b.WriteString("\n\n")
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}

	for _, ch := range chapters {
		if _, err := fmt.Fprintf(f, "%s\n\n%s\n\n", ch.Title, ch.Content); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (a *AssemblerService) writeEPUB(detail *NovelDetail, chapters []Chapter, path string) error {
	book := epub.NewEpub(detail.Title)
	book.SetAuthor(detail.Author)
	if detail.Intro != "" {
		book.SetDescription(detail.Intro)
	}
	for _, ch := range chapters {
		if _, err := book.AddSection(chapterHTML(ch), ch.Title, "", ""); err != nil {
			return fmt.Errorf("failed to add chapter %q: %w", ch.Title, err)
		}
	}
	if err := book.Write(path); err != nil {
		return fmt.Errorf("epub write failed: %w", err)
	}
	return nil
}

// chapterHTML wraps a plain-text chapter body for the epub writer: heading
// plus one <p> per paragraph, entities escaped.
func chapterHTML(ch Chapter) string {
	var b strings.Builder
	b.WriteString("<h2>")
	b.WriteString(html.EscapeString(ch.Title))
	b.WriteString("</h2>\n")
	for _, para := range strings.Split(ch.Content, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(para))
		b.WriteString("</p>\n")
	}
	return b.String()
}
