package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validRuleJSON() string {
	return `{
		"id": 5,
		"name": "测试书源",
		"baseUrl": "https://www.example.com",
		"search": {
			"urlTemplate": "https://www.example.com/search?q={keyword}",
			"method": "GET",
			"listSelector": "div.result",
			"titleSelector": "a.name",
			"linkSelector": "a.name@href"
		},
		"book": {"titleSelector": "h1", "authorSelector": ".author"},
		"toc": {"listSelector": "ul.chapters li"},
		"chapter": {"contentSelector": "#content"}
	}`
}

func TestNormalizeCanonical(t *testing.T) {
	rule, err := Normalize([]byte(validRuleJSON()), 0)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if rule.ID != 5 || rule.Name != "测试书源" {
		t.Errorf("id=%d name=%q", rule.ID, rule.Name)
	}
	if !rule.Enabled {
		t.Error("enabled should default to true")
	}
	if rule.TOC.TitleExtractor != "text" || rule.TOC.URLExtractor != "href" {
		t.Errorf("toc extractors = %q/%q, want text/href defaults",
			rule.TOC.TitleExtractor, rule.TOC.URLExtractor)
	}
}

func TestNormalizeLegacyShape(t *testing.T) {
	legacy := `{
		"id": "9",
		"name": "旧格式源",
		"url": "https://old.example.com",
		"charset": "GBK",
		"searchRule": {
			"url": "https://old.example.com/s?kw=%s",
			"method": "post",
			"data": "searchkey=%s",
			"result": "table tr",
			"title": "td a",
			"link": "td a@href"
		},
		"bookRule": {"title": "h1", "author": ".writer"},
		"tocRule": {"item": "#list a", "pagination": true, "nextPage": ".next"},
		"chapterRule": {"content": ".txt", "filterTxt": ["广告.*?请访问"], "filterTag": ["div.ads"]}
	}`
	rule, err := Normalize([]byte(legacy), 0)
	if err != nil {
		t.Fatalf("Normalize(legacy) error = %v", err)
	}
	if rule.ID != 9 {
		t.Errorf("id = %d, want 9 from string field", rule.ID)
	}
	if rule.BaseURL != "https://old.example.com" {
		t.Errorf("baseUrl = %q", rule.BaseURL)
	}
	if rule.Encoding != "gbk" {
		t.Errorf("encoding = %q, want gbk", rule.Encoding)
	}
	if rule.Search.Method != "POST" {
		t.Errorf("method = %q, want POST", rule.Search.Method)
	}
	if !strings.Contains(rule.Search.URLTemplate, KeywordPlaceholder) {
		t.Errorf("urlTemplate %q missing rewritten placeholder", rule.Search.URLTemplate)
	}
	if !strings.Contains(rule.Search.BodyTemplate, KeywordPlaceholder) {
		t.Errorf("bodyTemplate %q missing rewritten placeholder", rule.Search.BodyTemplate)
	}
	if rule.Search.List != "table tr" {
		t.Errorf("list = %q, want result alias", rule.Search.List)
	}
	if !rule.TOC.HasPages || rule.TOC.NextPage != ".next" {
		t.Errorf("toc pagination = %v/%q", rule.TOC.HasPages, rule.TOC.NextPage)
	}
	if len(rule.Chapter.AdPatterns) != 1 || len(rule.Chapter.RemoveSelectors) != 1 {
		t.Errorf("chapter cleanup aliases not mapped: %+v", rule.Chapter)
	}
}

func TestNormalizeUTF8EncodingDropped(t *testing.T) {
	data := strings.Replace(validRuleJSON(), `"name"`, `"encoding": "UTF-8", "name"`, 1)
	rule, err := Normalize([]byte(data), 0)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if rule.Encoding != "" {
		t.Errorf("encoding = %q, want empty for utf-8", rule.Encoding)
	}
}

func TestValidateErrors(t *testing.T) {
	base, err := Normalize([]byte(validRuleJSON()), 0)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(r *Rule)
	}{
		{"zero id", func(r *Rule) { r.ID = 0 }},
		{"relative base url", func(r *Rule) { r.BaseURL = "/just/a/path" }},
		{"missing placeholder", func(r *Rule) {
			r.Search.URLTemplate = "https://www.example.com/search"
			r.Search.BodyTemplate = ""
		}},
		{"bad method", func(r *Rule) { r.Search.Method = "PATCH" }},
		{"empty content selector", func(r *Rule) { r.Chapter.Content = " " }},
		{"transform without from", func(r *Rule) { r.TOC.Transform = &URLTransform{To: "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := *base
			tt.mutate(&rule)
			if err := rule.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestHost(t *testing.T) {
	rule := Rule{BaseURL: "https://www.example.com:8080/path"}
	if got := rule.Host(); got != "www.example.com:8080" {
		t.Errorf("Host() = %q", got)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	write("rule-05.json", validRuleJSON())
	// Rule without its own id: the filename provides it.
	noID := strings.Replace(validRuleJSON(), `"id": 5,`, "", 1)
	write("rule-12.json", noID)
	// Skipped entirely.
	write("rule-template.json", `{"broken`)
	write("rule-03-unavailable.json", validRuleJSON())
	write("notes.txt", "not json")
	// Bad rule: warning, not error.
	write("rule-99.json", `{"id": 99, "name": "broken"}`)

	rules, warnings, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("loaded %d rules, want 2 (%+v)", len(rules), rules)
	}
	if rules[0].ID != 5 || rules[1].ID != 12 {
		t.Errorf("ids = %d, %d; want sorted 5, 12", rules[0].ID, rules[1].ID)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "rule-99.json") {
		t.Errorf("warnings = %v, want one for rule-99.json", warnings)
	}
}

func TestLoadDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a-5.json", "b-5.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(validRuleJSON()), 0644); err != nil {
			t.Fatal(err)
		}
	}
	rules, warnings, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("loaded %d rules, want 1 after duplicate rejection", len(rules))
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "duplicate") {
		t.Errorf("warnings = %v, want a duplicate warning", warnings)
	}
}

func TestLoadArrayFile(t *testing.T) {
	dir := t.TempDir()
	second := strings.Replace(validRuleJSON(), `"id": 5`, `"id": 6`, 1)
	content := "[" + validRuleJSON() + "," + second + "]"
	if err := os.WriteFile(filepath.Join(dir, "bundle-01.json"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	rules, _, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rules) != 2 {
		t.Errorf("loaded %d rules from array file, want 2", len(rules))
	}
}

func TestLoadMissingDir(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("Load(absent) = nil error")
	}
}
