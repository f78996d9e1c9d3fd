// Package sources binds declarative rules to the engine's HTTP, selector
// and cache services. One Adapter serves one book source; the engine only
// sees the Source interface.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"

	"novelhub/engine"
	"novelhub/rules"
)

// maxHitsPerSource caps how many results a single source may contribute to
// one search, before the aggregator's own cut.
const maxHitsPerSource = 2

// maxTOCPages bounds pagination when a rule declares a multi-page TOC.
const maxTOCPages = 50

// Adapter implements engine.Source for one rule.
type Adapter struct {
	engine *engine.Engine
	rule   rules.Rule

	adPatterns   []*regexp.Regexp
	urlTransform *regexp.Regexp

	requests  atomic.Int64
	failures  atomic.Int64
	cacheHits atomic.Int64
}

// NewAdapter binds a validated rule to the engine. Invalid ad patterns and
// URL transforms are dropped with a warning rather than failing the source.
func NewAdapter(e *engine.Engine, rule rules.Rule) *Adapter {
	a := &Adapter{engine: e, rule: rule}
	for _, pattern := range rule.Chapter.AdPatterns {
		rx, err := regexp.Compile(pattern)
		if err != nil {
			e.Logger.Warn("[%s] invalid ad pattern %q: %v", rule.Name, pattern, err)
			continue
		}
		a.adPatterns = append(a.adPatterns, rx)
	}
	if t := rule.TOC.Transform; t != nil {
		rx, err := regexp.Compile(t.From)
		if err != nil {
			e.Logger.Warn("[%s] invalid url transform %q: %v", rule.Name, t.From, err)
		} else {
			a.urlTransform = rx
		}
	}
	return a
}

func (a *Adapter) ID() int       { return a.rule.ID }
func (a *Adapter) Name() string  { return a.rule.Name }
func (a *Adapter) Enabled() bool { return a.rule.Enabled }

// Rule returns the adapter's rule for read-only inspection (the /sources
// endpoint and the CLI source listing).
func (a *Adapter) Rule() rules.Rule { return a.rule }

// Stats returns a snapshot of the adapter's counters.
func (a *Adapter) Stats() engine.SourceStats {
	return engine.SourceStats{
		Requests:  a.requests.Load(),
		Failures:  a.failures.Load(),
		CacheHits: a.cacheHits.Load(),
	}
}

// fetchPage performs one logical page fetch with the rule's encoding.
func (a *Adapter) fetchPage(ctx context.Context, pageURL string, opts engine.FetchOptions) (*engine.Page, error) {
	opts.Encoding = a.rule.Encoding
	a.requests.Add(1)
	body, err := a.engine.HTTP.FetchPage(ctx, pageURL, opts)
	if err != nil {
		a.failures.Add(1)
		return nil, err
	}
	page, err := a.engine.Selector.Parse(body, pageURL)
	if err != nil {
		a.failures.Add(1)
		return nil, err
	}
	return page, nil
}

// Search implements the rule's search request and result extraction.
func (a *Adapter) Search(ctx context.Context, keyword string) ([]engine.NovelHit, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, engine.Errf(engine.KindInput, "keyword must not be empty")
	}

	key := engine.CacheKey("search", fmt.Sprint(a.rule.ID), normalizeKeyword(keyword))
	raw, cached, err := a.engine.Cache.Fill(ctx, key, engine.TTLSearch, 0, func(ctx context.Context) ([]byte, error) {
		hits, err := a.searchUpstream(ctx, keyword)
		if err != nil {
			return nil, err
		}
		return json.Marshal(hits)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		a.cacheHits.Add(1)
	}
	var hits []engine.NovelHit
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, engine.WrapErr(engine.KindInternal, err, "corrupt cached search result")
	}
	return hits, nil
}

func (a *Adapter) searchUpstream(ctx context.Context, keyword string) ([]engine.NovelHit, error) {
	encoded := url.QueryEscape(keyword)
	searchURL := strings.ReplaceAll(a.rule.Search.URLTemplate, rules.KeywordPlaceholder, encoded)

	opts := engine.FetchOptions{Method: a.rule.Search.Method, Referer: a.rule.BaseURL}
	if a.rule.Search.Method == "POST" && a.rule.Search.BodyTemplate != "" {
		opts.Body = strings.ReplaceAll(a.rule.Search.BodyTemplate, rules.KeywordPlaceholder, encoded)
	}

	page, err := a.fetchPage(ctx, searchURL, opts)
	if err != nil {
		return nil, err
	}

	sel := a.engine.Selector
	var hits []engine.NovelHit
	items := sel.SelectList(page, a.rule.Search.List)
	items.EachWithBreak(func(_ int, item *goquery.Selection) bool {
		title := sel.Extract(page, item, a.rule.Search.Title)
		link := sel.Extract(page, item, a.rule.Search.Link)
		if title == "" || link == "" {
			return true // skip items missing the essentials
		}
		hit := engine.NovelHit{
			SourceID:   a.rule.ID,
			SourceName: a.rule.Name,
			Title:      title,
			DetailURL:  page.AbsoluteURL(link),
		}
		if a.rule.Search.Author != "" {
			hit.Author = sel.Extract(page, item, a.rule.Search.Author)
		}
		if a.rule.Search.Latest != "" {
			hit.LatestChapter = sel.Extract(page, item, a.rule.Search.Latest)
		}
		hits = append(hits, hit)
		return len(hits) < maxHitsPerSource
	})
	return hits, nil
}

// Detail fetches and parses a novel's detail page.
func (a *Adapter) Detail(ctx context.Context, pageURL string) (*engine.NovelDetail, error) {
	if pageURL == "" {
		return nil, engine.Errf(engine.KindInput, "url must not be empty")
	}
	key := engine.CacheKey("detail", pageURL)
	raw, cached, err := a.engine.Cache.Fill(ctx, key, engine.TTLDetail, 0, func(ctx context.Context) ([]byte, error) {
		detail, err := a.detailUpstream(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		return json.Marshal(detail)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		a.cacheHits.Add(1)
	}
	var detail engine.NovelDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, engine.WrapErr(engine.KindInternal, err, "corrupt cached detail")
	}
	return &detail, nil
}

func (a *Adapter) detailUpstream(ctx context.Context, pageURL string) (*engine.NovelDetail, error) {
	page, err := a.fetchPage(ctx, pageURL, engine.FetchOptions{Referer: a.rule.BaseURL})
	if err != nil {
		return nil, err
	}
	sel := a.engine.Selector
	detail := &engine.NovelDetail{
		DetailURL: pageURL,
		Title:     sel.ExtractDoc(page, a.rule.Book.Title),
		Author:    sel.ExtractDoc(page, a.rule.Book.Author),
	}
	if detail.Title == "" {
		a.failures.Add(1)
		return nil, engine.Errf(engine.KindParse, "detail title selector matched nothing at %s", pageURL)
	}
	if a.rule.Book.Intro != "" {
		detail.Intro = sel.ExtractDoc(page, a.rule.Book.Intro)
	}
	if a.rule.Book.Cover != "" {
		detail.Cover = sel.ExtractDoc(page, a.rule.Book.Cover)
	}
	if a.rule.Book.Category != "" {
		detail.Category = sel.ExtractDoc(page, a.rule.Book.Category)
	}
	if a.rule.Book.Status != "" {
		detail.Status = sel.ExtractDoc(page, a.rule.Book.Status)
	}
	return detail, nil
}

// TOC fetches the raw chapter list, following rule-declared pagination.
// The caller runs the result through engine.NormalizeTOC.
func (a *Adapter) TOC(ctx context.Context, pageURL string) ([]engine.Chapter, error) {
	if pageURL == "" {
		return nil, engine.Errf(engine.KindInput, "url must not be empty")
	}
	key := engine.CacheKey("toc", pageURL)
	raw, cached, err := a.engine.Cache.Fill(ctx, key, engine.TTLTOC, 0, func(ctx context.Context) ([]byte, error) {
		chapters, err := a.tocUpstream(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		return json.Marshal(chapters)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		a.cacheHits.Add(1)
	}
	var chapters []engine.Chapter
	if err := json.Unmarshal(raw, &chapters); err != nil {
		return nil, engine.WrapErr(engine.KindInternal, err, "corrupt cached toc")
	}
	return chapters, nil
}

func (a *Adapter) tocUpstream(ctx context.Context, pageURL string) ([]engine.Chapter, error) {
	var chapters []engine.Chapter
	visited := map[string]bool{}
	current := pageURL

	for pageCount := 0; pageCount < maxTOCPages && current != "" && !visited[current]; pageCount++ {
		visited[current] = true
		page, err := a.fetchPage(ctx, current, engine.FetchOptions{Referer: pageURL})
		if err != nil {
			if pageCount == 0 {
				return nil, err
			}
			a.engine.Logger.Warn("[%s] toc page %d failed, keeping %d chapters: %v",
				a.rule.Name, pageCount+1, len(chapters), err)
			break
		}
		chapters = append(chapters, a.extractTOCItems(page)...)

		if !a.rule.TOC.HasPages || a.rule.TOC.NextPage == "" {
			break
		}
		next := a.engine.Selector.ExtractDoc(page, a.rule.TOC.NextPage)
		current = page.AbsoluteURL(next)
	}

	if len(chapters) == 0 {
		a.failures.Add(1)
		return nil, engine.Errf(engine.KindParse, "toc selector matched nothing at %s", pageURL)
	}
	return chapters, nil
}

func (a *Adapter) extractTOCItems(page *engine.Page) []engine.Chapter {
	sel := a.engine.Selector
	var out []engine.Chapter
	sel.SelectList(page, a.rule.TOC.List).Each(func(_ int, item *goquery.Selection) {
		title := sel.Extract(page, item, a.rule.TOC.TitleExtractor)
		link := sel.Extract(page, item, a.rule.TOC.URLExtractor)
		if link == "" {
			return
		}
		link = page.AbsoluteURL(a.applyURLTransform(link))
		out = append(out, engine.Chapter{Title: title, URL: link})
	})
	return out
}

func (a *Adapter) applyURLTransform(link string) string {
	if a.urlTransform == nil {
		return link
	}
	return a.urlTransform.ReplaceAllString(link, a.rule.TOC.Transform.To)
}

// cachedChapter is the cache representation of a downloaded chapter.
type cachedChapter struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Chapter fetches one chapter body as cleaned plain text. Bodies shorter
// than the validity threshold are treated as failed fetches, both fresh and
// from cache.
func (a *Adapter) Chapter(ctx context.Context, pageURL string) (*engine.Chapter, error) {
	if pageURL == "" {
		return nil, engine.Errf(engine.KindInput, "url must not be empty")
	}
	key := engine.CacheKey("chapter", pageURL)
	raw, cached, err := a.engine.Cache.Fill(ctx, key, engine.TTLChapter, engine.MinChapterBytes, func(ctx context.Context) ([]byte, error) {
		ch, err := a.chapterUpstream(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ch)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		a.cacheHits.Add(1)
	}
	var ch cachedChapter
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, engine.WrapErr(engine.KindInternal, err, "corrupt cached chapter")
	}
	if len(ch.Content) < engine.MinChapterBytes {
		if !cached {
			return nil, engine.Errf(engine.KindParse, "chapter body too short at %s", pageURL)
		}
		// The envelope passed the cache's length check but the body inside
		// is truncated. Drop the bad blob and fetch fresh.
		a.engine.Cache.Evict(key)
		fresh, err := a.chapterUpstream(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		if blob, err := json.Marshal(fresh); err == nil {
			a.engine.Cache.Put(key, blob, engine.TTLChapter)
		}
		ch = *fresh
	}
	return &engine.Chapter{Title: ch.Title, URL: pageURL, Content: ch.Content}, nil
}

func (a *Adapter) chapterUpstream(ctx context.Context, pageURL string) (*cachedChapter, error) {
	page, err := a.fetchPage(ctx, pageURL, engine.FetchOptions{Referer: a.rule.BaseURL})
	if err != nil {
		return nil, err
	}
	sel := a.engine.Selector

	for _, remove := range a.rule.Chapter.RemoveSelectors {
		page.Doc.Find(remove).Remove()
	}

	title := ""
	if a.rule.Chapter.Title != "" {
		title = sel.ExtractDoc(page, a.rule.Chapter.Title)
	}
	content := sel.SelectList(page, a.rule.Chapter.Content)
	if content.Length() == 0 {
		a.failures.Add(1)
		return nil, engine.Errf(engine.KindParse, "content selector matched nothing at %s", pageURL)
	}

	text := engine.InnerText(content)
	for _, rx := range a.adPatterns {
		text = rx.ReplaceAllString(text, "")
	}
	text = cleanChapterContent(title, text)
	if len(text) < engine.MinChapterBytes {
		a.failures.Add(1)
		return nil, engine.Errf(engine.KindParse, "chapter body too short at %s (%d bytes)", pageURL, len(text))
	}
	return &cachedChapter{Title: title, Content: text}, nil
}

// cleanChapterContent strips a repeated title line from the body head,
// normalizes line endings and collapses runs of blank lines.
func cleanChapterContent(title, content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for i, line := range lines {
		line = strings.TrimRight(line, " \t　")
		if i == 0 && title != "" && strings.TrimSpace(line) == strings.TrimSpace(title) {
			continue
		}
		if strings.TrimSpace(line) == "" {
			blanks++
			if blanks > 1 {
				continue
			}
			line = ""
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// normalizeKeyword canonicalizes the search cache key component.
func normalizeKeyword(keyword string) string {
	return strings.Join(strings.Fields(strings.ToLower(keyword)), " ")
}
