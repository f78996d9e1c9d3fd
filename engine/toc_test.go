package engine

import (
	"fmt"
	"testing"
)

func TestNormalizeTOC(t *testing.T) {
	var raw []Chapter
	// 15 real chapters.
	for i := 1; i <= 15; i++ {
		raw = append(raw, Chapter{
			Title: fmt.Sprintf("第%d章 风云再起", i),
			URL:   fmt.Sprintf("https://example.com/book/%d.html", i),
		})
	}
	// 12 duplicates by url with worse titles.
	for i := 1; i <= 12; i++ {
		raw = append(raw, Chapter{
			Title: fmt.Sprintf("%d", i),
			URL:   fmt.Sprintf("https://example.com/book/%d.html", i),
		})
	}
	// 3 entries with empty titles.
	for i := 0; i < 3; i++ {
		raw = append(raw, Chapter{Title: "", URL: "https://example.com/book/x.html"})
	}
	// Navigation noise.
	raw = append(raw, Chapter{Title: "下一页", URL: "https://example.com/book/page2.html"})

	got := NormalizeTOC(raw)
	if len(got) != 15 {
		t.Fatalf("len = %d, want 15", len(got))
	}
	for i, ch := range got {
		if ch.Order != i+1 {
			t.Errorf("chapter %d order = %d, want %d", i, ch.Order, i+1)
		}
		want := fmt.Sprintf("第%d章 风云再起", i+1)
		if ch.Title != want {
			t.Errorf("chapter %d title = %q, want %q", i, ch.Title, want)
		}
	}
}

func TestNormalizeTOCUnnumberedTrail(t *testing.T) {
	raw := []Chapter{
		{Title: "楔子", URL: "https://example.com/0.html"},
		{Title: "第2章 试炼", URL: "https://example.com/2.html"},
		{Title: "第1章 开端", URL: "https://example.com/1.html"},
		{Title: "后记", URL: "https://example.com/99.html"},
	}
	got := NormalizeTOC(raw)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	wantTitles := []string{"第1章 开端", "第2章 试炼", "楔子", "后记"}
	for i, want := range wantTitles {
		if got[i].Title != want {
			t.Errorf("position %d = %q, want %q", i, got[i].Title, want)
		}
	}
}

func TestNormalizeTOCRejectsRelativeURLs(t *testing.T) {
	raw := []Chapter{
		{Title: "第1章", URL: "/relative/1.html"},
		{Title: "第2章", URL: "https://example.com/2.html"},
	}
	got := NormalizeTOC(raw)
	if len(got) != 1 || got[0].URL != "https://example.com/2.html" {
		t.Fatalf("got %+v, want only the absolute url entry", got)
	}
}

func TestNormalizeTOCSimilarTitles(t *testing.T) {
	// Same chapter listed twice with a trivial punctuation difference and no
	// shared url or number.
	raw := []Chapter{
		{Title: "序章 雪夜杀机拉开序幕", URL: "https://example.com/a.html"},
		{Title: "序章 雪夜杀机拉开序幕！", URL: "https://example.com/b.html"},
	}
	got := NormalizeTOC(raw)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 after similarity dedup", len(got))
	}
}

func TestDetectChapterNumber(t *testing.T) {
	tests := []struct {
		title string
		want  float64
		ok    bool
	}{
		{"第12章 风起", 12, true},
		{"第一百零三章 夜探", 103, true},
		{"第十三节 合围", 13, true},
		{"第两百章 决战", 200, true},
		{"第１２章 全角", 12, true},
		{"12. 开端", 12, true},
		{"卷 3 终章", 3, true},
		{"番外 若干年后", 0, false},
		{"关于更新的说明", 0, false},
	}
	for _, tt := range tests {
		got, ok := detectChapterNumber(tt.title)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("detectChapterNumber(%q) = %v, %v; want %v, %v", tt.title, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseChineseNumeral(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"一", 1, true},
		{"十", 10, true},
		{"十三", 13, true},
		{"二十", 20, true},
		{"九十九", 99, true},
		{"一百零三", 103, true},
		{"两千零一", 2001, true},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseChineseNumeral(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("parseChineseNumeral(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNoiseTitle(t *testing.T) {
	noisy := []string{"下一页", "上一页", "返回目录", "42", "···", "第"}
	for _, title := range noisy {
		if !noiseTitle(title) {
			t.Errorf("noiseTitle(%q) = false, want true", title)
		}
	}
	clean := []string{"第1章 初入江湖", "楔子", "Chapter One"}
	for _, title := range clean {
		if noiseTitle(title) {
			t.Errorf("noiseTitle(%q) = true, want false", title)
		}
	}
}
