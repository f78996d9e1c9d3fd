// Package rules holds the declarative description of a book source: URL
// templates, CSS selectors and cleanup patterns for each scraping surface.
// Rules are loaded once at startup and shared read-only; nothing here
// touches the network.
package rules

import (
	"fmt"
	"net/url"
	"strings"
)

// KeywordPlaceholder is the substitution marker in search URL and body
// templates. Legacy rules using "%s" are rewritten to this at load time.
const KeywordPlaceholder = "{keyword}"

// Rule is the canonical, validated description of one book source.
type Rule struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	BaseURL  string `json:"baseUrl"`
	Enabled  bool   `json:"enabled"`
	Encoding string `json:"encoding"` // page encoding, UTF-8 when empty

	Search  SearchRule  `json:"search"`
	Book    BookRule    `json:"book"`
	TOC     TOCRule     `json:"toc"`
	Chapter ChapterRule `json:"chapter"`
}

// SearchRule describes the search request and result extraction.
type SearchRule struct {
	URLTemplate  string `json:"urlTemplate"` // contains {keyword}
	Method       string `json:"method"`      // GET or POST
	BodyTemplate string `json:"bodyTemplate,omitempty"`
	List         string `json:"listSelector"`
	Title        string `json:"titleSelector"`
	Author       string `json:"authorSelector,omitempty"`
	Link         string `json:"linkSelector"`
	Latest       string `json:"latestSelector,omitempty"`
}

// BookRule describes detail page extraction.
type BookRule struct {
	Title    string `json:"titleSelector"`
	Author   string `json:"authorSelector"`
	Intro    string `json:"introSelector,omitempty"`
	Cover    string `json:"coverSelector,omitempty"`
	Category string `json:"categorySelector,omitempty"`
	Status   string `json:"statusSelector,omitempty"`
}

// TOCRule describes chapter list extraction. List may be a pipe-joined
// fallback chain; extractors may be CSS selectors or the literals "text"
// and "href".
type TOCRule struct {
	List           string        `json:"listSelector"`
	TitleExtractor string        `json:"titleExtractor"`
	URLExtractor   string        `json:"urlExtractor"`
	HasPages       bool          `json:"hasPages"`
	NextPage       string        `json:"nextPageSelector,omitempty"`
	Transform      *URLTransform `json:"urlTransform,omitempty"`
}

// URLTransform rewrites chapter URLs: every match of From is replaced by
// the To template ($1-style capture references).
type URLTransform struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ChapterRule describes chapter page extraction and cleanup.
type ChapterRule struct {
	Title           string   `json:"titleSelector"`
	Content         string   `json:"contentSelector"`
	AdPatterns      []string `json:"adPatterns,omitempty"`
	RemoveSelectors []string `json:"removeSelectors,omitempty"`
}

// Validate checks the rule invariants: positive id, absolute base URL, a
// usable search section and non-empty required selectors.
func (r *Rule) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("rule %q: id must be positive, got %d", r.Name, r.ID)
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("rule %d: baseUrl %q is not absolute", r.ID, r.BaseURL)
	}
	if !strings.Contains(r.Search.URLTemplate, KeywordPlaceholder) &&
		!strings.Contains(r.Search.BodyTemplate, KeywordPlaceholder) {
		return fmt.Errorf("rule %d: search template missing %s placeholder", r.ID, KeywordPlaceholder)
	}
	switch r.Search.Method {
	case "GET", "POST":
	default:
		return fmt.Errorf("rule %d: unsupported search method %q", r.ID, r.Search.Method)
	}
	required := []struct{ name, value string }{
		{"search.listSelector", r.Search.List},
		{"search.titleSelector", r.Search.Title},
		{"search.linkSelector", r.Search.Link},
		{"book.titleSelector", r.Book.Title},
		{"toc.listSelector", r.TOC.List},
		{"chapter.contentSelector", r.Chapter.Content},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("rule %d: %s is empty", r.ID, f.name)
		}
	}
	if r.TOC.Transform != nil && r.TOC.Transform.From == "" {
		return fmt.Errorf("rule %d: urlTransform.from is empty", r.ID)
	}
	return nil
}

// Host returns the rule's base host, used to match detail URLs to sources.
func (r *Rule) Host() string {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}
