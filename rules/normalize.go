package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Rule files in the wild come in several legacy shapes: `url` vs `baseUrl`,
// `searchRule`/`bookRule` section names, `result` instead of `list`, `%s`
// instead of `{keyword}`. Normalize folds all of them into the canonical
// Rule; rules that cannot be normalized are rejected rather than guessed at.

type rawRule struct {
	// id appears both as a number and as a quoted string in the wild.
	ID       json.RawMessage `json:"id"`
	Name     string          `json:"name"`
	URL      string          `json:"url"`
	BaseURL  string          `json:"baseUrl"`
	Enabled  *bool           `json:"enabled"`
	Encoding string          `json:"encoding"`
	Charset  string          `json:"charset"`

	Search     *rawSearch  `json:"search"`
	SearchRule *rawSearch  `json:"searchRule"`
	Book       *rawBook    `json:"book"`
	BookRule   *rawBook    `json:"bookRule"`
	TOC        *rawTOC     `json:"toc"`
	TOCRule    *rawTOC     `json:"tocRule"`
	Chapter    *rawChapter `json:"chapter"`
	ChapRule   *rawChapter `json:"chapterRule"`
}

type rawSearch struct {
	URL          string `json:"url"`
	URLTemplate  string `json:"urlTemplate"`
	Method       string `json:"method"`
	Data         string `json:"data"`
	BodyTemplate string `json:"bodyTemplate"`
	List         string `json:"list"`
	Result       string `json:"result"`
	ListSelector string `json:"listSelector"`
	Title        string `json:"title"`
	TitleSel     string `json:"titleSelector"`
	Author       string `json:"author"`
	AuthorSel    string `json:"authorSelector"`
	Link         string `json:"link"`
	LinkSel      string `json:"linkSelector"`
	Latest       string `json:"latest"`
	LatestSel    string `json:"latestSelector"`
}

type rawBook struct {
	Title       string `json:"title"`
	TitleSel    string `json:"titleSelector"`
	Author      string `json:"author"`
	AuthorSel   string `json:"authorSelector"`
	Intro       string `json:"intro"`
	IntroSel    string `json:"introSelector"`
	Cover       string `json:"cover"`
	CoverSel    string `json:"coverSelector"`
	Category    string `json:"category"`
	CategorySel string `json:"categorySelector"`
	Status      string `json:"status"`
	StatusSel   string `json:"statusSelector"`
}

type rawTOC struct {
	List         string        `json:"list"`
	ListSelector string        `json:"listSelector"`
	Item         string        `json:"item"`
	Title        string        `json:"title"`
	TitleExtr    string        `json:"titleExtractor"`
	URL          string        `json:"url"`
	URLExtr      string        `json:"urlExtractor"`
	HasPages     bool          `json:"hasPages"`
	Pagination   bool          `json:"pagination"`
	NextPage     string        `json:"nextPage"`
	NextPageSel  string        `json:"nextPageSelector"`
	Transform    *URLTransform `json:"urlTransform"`
}

type rawChapter struct {
	Title           string   `json:"title"`
	TitleSel        string   `json:"titleSelector"`
	Content         string   `json:"content"`
	ContentSel      string   `json:"contentSelector"`
	AdPatterns      []string `json:"adPatterns"`
	FilterTxt       []string `json:"filterTxt"`
	RemoveSelectors []string `json:"removeSelectors"`
	FilterTag       []string `json:"filterTag"`
}

// Normalize converts one raw JSON rule object into the canonical schema.
// fallbackID is used when the rule itself carries no id (derived from the
// filename by the loader); pass 0 to require an explicit id.
func Normalize(data []byte, fallbackID int) (*Rule, error) {
	var raw rawRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed rule json: %w", err)
	}

	id := fallbackID
	if len(raw.ID) > 0 {
		s := strings.Trim(string(bytes.TrimSpace(raw.ID)), `"`)
		if n, err := strconv.Atoi(s); err == nil {
			id = n
		}
	}

	search := raw.Search
	if search == nil {
		search = raw.SearchRule
	}
	book := raw.Book
	if book == nil {
		book = raw.BookRule
	}
	toc := raw.TOC
	if toc == nil {
		toc = raw.TOCRule
	}
	chapter := raw.Chapter
	if chapter == nil {
		chapter = raw.ChapRule
	}
	if search == nil || book == nil || toc == nil || chapter == nil {
		return nil, fmt.Errorf("rule %d (%s): missing section (search/book/toc/chapter)", id, raw.Name)
	}

	rule := &Rule{
		ID:       id,
		Name:     strings.TrimSpace(raw.Name),
		BaseURL:  firstOf(raw.BaseURL, raw.URL),
		Enabled:  raw.Enabled == nil || *raw.Enabled,
		Encoding: normalizeEncoding(firstOf(raw.Encoding, raw.Charset)),
		Search: SearchRule{
			URLTemplate:  rewritePlaceholder(firstOf(search.URLTemplate, search.URL)),
			Method:       strings.ToUpper(firstOf(search.Method, "GET")),
			BodyTemplate: rewritePlaceholder(firstOf(search.BodyTemplate, search.Data)),
			List:         firstOf(search.ListSelector, search.List, search.Result),
			Title:        firstOf(search.TitleSel, search.Title),
			Author:       firstOf(search.AuthorSel, search.Author),
			Link:         firstOf(search.LinkSel, search.Link),
			Latest:       firstOf(search.LatestSel, search.Latest),
		},
		Book: BookRule{
			Title:    firstOf(book.TitleSel, book.Title),
			Author:   firstOf(book.AuthorSel, book.Author),
			Intro:    firstOf(book.IntroSel, book.Intro),
			Cover:    firstOf(book.CoverSel, book.Cover),
			Category: firstOf(book.CategorySel, book.Category),
			Status:   firstOf(book.StatusSel, book.Status),
		},
		TOC: TOCRule{
			List:           firstOf(toc.ListSelector, toc.List, toc.Item),
			TitleExtractor: firstOf(toc.TitleExtr, toc.Title, "text"),
			URLExtractor:   firstOf(toc.URLExtr, toc.URL, "href"),
			HasPages:       toc.HasPages || toc.Pagination,
			NextPage:       firstOf(toc.NextPageSel, toc.NextPage),
			Transform:      toc.Transform,
		},
		Chapter: ChapterRule{
			Title:           firstOf(chapter.TitleSel, chapter.Title),
			Content:         firstOf(chapter.ContentSel, chapter.Content),
			AdPatterns:      firstSlice(chapter.AdPatterns, chapter.FilterTxt),
			RemoveSelectors: firstSlice(chapter.RemoveSelectors, chapter.FilterTag),
		},
	}
	if rule.Name == "" {
		rule.Name = fmt.Sprintf("source-%d", rule.ID)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// rewritePlaceholder converts the legacy %s keyword marker.
func rewritePlaceholder(s string) string {
	return strings.ReplaceAll(s, "%s", KeywordPlaceholder)
}

func normalizeEncoding(enc string) string {
	enc = strings.ToLower(strings.TrimSpace(enc))
	if enc == "utf-8" || enc == "utf8" {
		return ""
	}
	return enc
}

func firstOf(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstSlice(values ...[]string) []string {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
