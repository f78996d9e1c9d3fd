package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testBook() (*NovelDetail, []Chapter) {
	detail := &NovelDetail{
		Title:  "完美世界",
		Author: "辰东",
		Intro:  "一粒尘可填海。",
	}
	chapters := []Chapter{
		{Order: 1, Title: "第1章 朝气蓬勃", Content: "石村的清晨。\n\n孩子们在练体。"},
		{Order: 2, Title: "第2章 骨文", Content: "柳叶上有骨文闪烁。"},
	}
	return detail, chapters
}

func TestAssembleTXT(t *testing.T) {
	outDir := t.TempDir()
	a := NewAssemblerService(&LoggerService{}, outDir)
	detail, chapters := testBook()

	path, err := a.Assemble(detail, chapters, FormatTXT)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if filepath.Base(path) != "完美世界_辰东.txt" {
		t.Errorf("artifact name = %q", filepath.Base(path))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	for _, want := range []string{"完美世界", "作者：辰东", "一粒尘可填海。", "第1章 朝气蓬勃", "第2章 骨文", "柳叶上有骨文闪烁。"} {
		if !strings.Contains(text, want) {
			t.Errorf("txt missing %q", want)
		}
	}
	if strings.Index(text, "第2章") < strings.Index(text, "第1章") {
		t.Error("chapters out of order")
	}

	// No partial file left behind.
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Error(".part file not cleaned up")
	}
}

func TestAssembleEPUB(t *testing.T) {
	outDir := t.TempDir()
	a := NewAssemblerService(&LoggerService{}, outDir)
	detail, chapters := testBook()

	path, err := a.Assemble(detail, chapters, FormatEPUB)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if filepath.Ext(path) != ".epub" {
		t.Errorf("artifact = %q, want .epub", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("epub is empty")
	}
}

func TestAssembleSanitizesFilename(t *testing.T) {
	outDir := t.TempDir()
	a := NewAssemblerService(&LoggerService{}, outDir)
	detail := &NovelDetail{Title: "书名/有:坏字符?", Author: "作者*"}
	chapters := []Chapter{{Order: 1, Title: "第1章", Content: "内容"}}

	path, err := a.Assemble(detail, chapters, FormatTXT)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	base := filepath.Base(path)
	if strings.ContainsAny(base, `/:*?`) {
		t.Errorf("unsanitized artifact name %q", base)
	}
}

func TestChapterHTMLEscapes(t *testing.T) {
	got := chapterHTML(Chapter{Title: "第1章 <危险>", Content: "a & b\n\nc"})
	if !strings.Contains(got, "&lt;危险&gt;") {
		t.Errorf("title not escaped: %q", got)
	}
	if !strings.Contains(got, "a &amp; b") {
		t.Errorf("body not escaped: %q", got)
	}
	if strings.Count(got, "<p>") != 2 {
		t.Errorf("paragraph count = %d, want 2", strings.Count(got, "<p>"))
	}
}
