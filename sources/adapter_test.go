package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"novelhub/engine"
	"novelhub/rules"
)

const shutdownTimeout = 5 * time.Second

// fakeSite serves a complete miniature book site: search, detail, paginated
// toc and chapters.
func fakeSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			q = r.PostFormValue("searchkey")
		}
		if q != "斗破苍穹" {
			fmt.Fprint(w, `<html><body></body></html>`)
			return
		}
		fmt.Fprint(w, `<html><body>
<div class="hit"><a href="/book/1/">斗破苍穹</a><span class="au">天蚕土豆</span></div>
<div class="hit"><span>标题缺链接</span></div>
<div class="hit"><a href="/book/2/">斗破苍穹外传</a><span class="au">天蚕土豆</span></div>
<div class="hit"><a href="/book/3/">第三个结果不应出现</a><span class="au">某人</span></div>
</body></html>`)
	})

	mux.HandleFunc("/book/1/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<h1>斗破苍穹</h1>
<p class="author">天蚕土豆</p>
<div class="intro">三十年河东，三十年河西，莫欺少年穷。</div>
<ul class="toc">
<li><a href="/raw/1.html">第1章 陨落的天才</a></li>
<li><a href="/raw/2.html">第2章 斗气大陆</a></li>
</ul>
<a class="next" href="/book/1/page2">下一页</a>
</body></html>`)
	})
	mux.HandleFunc("/book/1/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<ul class="toc">
<li><a href="/raw/3.html">第3章 客人</a></li>
</ul>
</body></html>`)
	})

	for i := 1; i <= 3; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/chapter/%d.html", i), func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `<html><body>
<h1 class="cht">第%d章 测试</h1>
<div class="junk">这里是站内推荐位</div>
<div id="content">
<p>第%d章 测试</p>
<p>%s</p>
<p>本站广告：请记住本站网址</p>
</div>
</body></html>`, i, i, strings.Repeat("正文段落内容。", 10))
		})
	}
	mux.HandleFunc("/chapter/9.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div id="content">太短</div></body></html>`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testRule(base string) rules.Rule {
	return rules.Rule{
		ID:      1,
		Name:    "测试站",
		BaseURL: base,
		Enabled: true,
		Search: rules.SearchRule{
			URLTemplate: base + "/search?q={keyword}",
			Method:      "GET",
			List:        "div.hit",
			Title:       "a",
			Author:      ".au",
			Link:        "a@href",
		},
		Book: rules.BookRule{
			Title:  "h1",
			Author: ".author",
			Intro:  ".intro",
		},
		TOC: rules.TOCRule{
			List:           "ul.toc a",
			TitleExtractor: "text",
			URLExtractor:   "href",
			HasPages:       true,
			NextPage:       "a.next@href",
			Transform:      &rules.URLTransform{From: `/raw/(\d+)\.html`, To: "/chapter/$1.html"},
		},
		Chapter: rules.ChapterRule{
			Title:           "h1.cht",
			Content:         "#content",
			RemoveSelectors: []string{"div.junk"},
			AdPatterns:      []string{`本站广告[^\n]*`},
		},
	}
}

func newTestAdapter(t *testing.T, mutate ...func(*rules.Rule)) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := fakeSite(t)
	e := engine.New(engine.Config{OutDir: t.TempDir()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	rule := testRule(srv.URL)
	for _, m := range mutate {
		m(&rule)
	}
	if err := rule.Validate(); err != nil {
		t.Fatalf("test rule invalid: %v", err)
	}
	return NewAdapter(e, rule), srv
}

func TestAdapterSearch(t *testing.T) {
	a, srv := newTestAdapter(t)

	hits, err := a.Search(context.Background(), "斗破苍穹")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want per-source cap of 2", len(hits))
	}
	if hits[0].Title != "斗破苍穹" || hits[0].Author != "天蚕土豆" {
		t.Errorf("first hit = %+v", hits[0])
	}
	if hits[0].DetailURL != srv.URL+"/book/1/" {
		t.Errorf("detail url = %q, want absolutized", hits[0].DetailURL)
	}
	// The link-less item was skipped, so the second hit is 外传.
	if hits[1].Title != "斗破苍穹外传" {
		t.Errorf("second hit = %q", hits[1].Title)
	}
}

func TestAdapterSearchCached(t *testing.T) {
	a, _ := newTestAdapter(t)

	if _, err := a.Search(context.Background(), "斗破苍穹"); err != nil {
		t.Fatal(err)
	}
	before := a.Stats()
	if _, err := a.Search(context.Background(), "斗破苍穹"); err != nil {
		t.Fatal(err)
	}
	after := a.Stats()
	if after.Requests != before.Requests {
		t.Errorf("requests grew %d -> %d on a cached search", before.Requests, after.Requests)
	}
	if after.CacheHits != before.CacheHits+1 {
		t.Errorf("cache hits = %d, want %d", after.CacheHits, before.CacheHits+1)
	}
}

func TestAdapterSearchEmptyKeyword(t *testing.T) {
	a, _ := newTestAdapter(t)
	if _, err := a.Search(context.Background(), "  "); !engine.IsKind(err, engine.KindInput) {
		t.Fatalf("err = %v, want INPUT", err)
	}
}

func TestAdapterDetail(t *testing.T) {
	a, srv := newTestAdapter(t)

	detail, err := a.Detail(context.Background(), srv.URL+"/book/1/")
	if err != nil {
		t.Fatalf("Detail() error = %v", err)
	}
	if detail.Title != "斗破苍穹" || detail.Author != "天蚕土豆" {
		t.Errorf("detail = %+v", detail)
	}
	if !strings.Contains(detail.Intro, "莫欺少年穷") {
		t.Errorf("intro = %q", detail.Intro)
	}
}

func TestAdapterDetailMissingTitle(t *testing.T) {
	a, srv := newTestAdapter(t)
	_, err := a.Detail(context.Background(), srv.URL+"/book/1/page2")
	if !engine.IsKind(err, engine.KindParse) {
		t.Fatalf("err = %v, want PARSE when the title selector matches nothing", err)
	}
}

func TestAdapterTOC(t *testing.T) {
	a, srv := newTestAdapter(t)

	chapters, err := a.TOC(context.Background(), srv.URL+"/book/1/")
	if err != nil {
		t.Fatalf("TOC() error = %v", err)
	}
	if len(chapters) != 3 {
		t.Fatalf("chapters = %d, want 3 across both pages", len(chapters))
	}
	// Transform rewrote /raw/N.html to /chapter/N.html on absolute urls.
	for i, ch := range chapters {
		want := fmt.Sprintf("%s/chapter/%d.html", srv.URL, i+1)
		if ch.URL != want {
			t.Errorf("chapter %d url = %q, want %q", i, ch.URL, want)
		}
	}
	if chapters[2].Title != "第3章 客人" {
		t.Errorf("paginated chapter title = %q", chapters[2].Title)
	}
}

func TestAdapterChapter(t *testing.T) {
	a, srv := newTestAdapter(t)

	ch, err := a.Chapter(context.Background(), srv.URL+"/chapter/1.html")
	if err != nil {
		t.Fatalf("Chapter() error = %v", err)
	}
	if ch.Title != "第1章 测试" {
		t.Errorf("title = %q", ch.Title)
	}
	if strings.Contains(ch.Content, "本站广告") {
		t.Errorf("ad pattern not stripped:\n%s", ch.Content)
	}
	if strings.Contains(ch.Content, "站内推荐位") {
		t.Errorf("remove selector not applied:\n%s", ch.Content)
	}
	if strings.HasPrefix(strings.TrimSpace(ch.Content), "第1章 测试") {
		t.Errorf("repeated title not stripped from body head:\n%s", ch.Content)
	}
	if !strings.Contains(ch.Content, "正文段落内容。") {
		t.Errorf("body text missing:\n%s", ch.Content)
	}
}

func TestAdapterChapterContentFallback(t *testing.T) {
	a, srv := newTestAdapter(t, func(r *rules.Rule) {
		r.Chapter.Content = "#missing|#content"
	})

	ch, err := a.Chapter(context.Background(), srv.URL+"/chapter/1.html")
	if err != nil {
		t.Fatalf("Chapter() error = %v, want the second alternative to match", err)
	}
	if !strings.Contains(ch.Content, "正文段落内容。") {
		t.Errorf("content = %q", ch.Content)
	}
}

func TestAdapterChapterHealsShortCachedBody(t *testing.T) {
	a, srv := newTestAdapter(t)
	pageURL := srv.URL + "/chapter/1.html"

	// A stale blob long enough to pass the envelope length check while its
	// body is truncated.
	key := engine.CacheKey("chapter", pageURL)
	blob, err := json.Marshal(cachedChapter{
		Title:   strings.Repeat("占", 30),
		Content: "太短",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) < engine.MinChapterBytes {
		t.Fatalf("seed blob is %d bytes, too short to exercise the envelope check", len(blob))
	}
	a.engine.Cache.Put(key, blob, engine.TTLChapter)

	ch, err := a.Chapter(context.Background(), pageURL)
	if err != nil {
		t.Fatalf("Chapter() error = %v, want a refetch", err)
	}
	if !strings.Contains(ch.Content, "正文段落内容。") {
		t.Errorf("content = %q, want the refetched body", ch.Content)
	}
	if got := a.Stats().Requests; got != 1 {
		t.Errorf("requests = %d, want 1 upstream fetch replacing the bad blob", got)
	}

	// The healed blob is what later callers see.
	before := a.Stats().Requests
	if _, err := a.Chapter(context.Background(), pageURL); err != nil {
		t.Fatal(err)
	}
	if got := a.Stats().Requests; got != before {
		t.Errorf("requests grew %d -> %d on the healed cache entry", before, got)
	}
}

func TestAdapterChapterTooShort(t *testing.T) {
	a, srv := newTestAdapter(t)
	_, err := a.Chapter(context.Background(), srv.URL+"/chapter/9.html")
	if !engine.IsKind(err, engine.KindParse) {
		t.Fatalf("err = %v, want PARSE for an undersized body", err)
	}
}

func TestCleanChapterContent(t *testing.T) {
	in := "第1章 开端\n\n\n\n正文第一行。\r\n\n\n正文第二行。\n"
	got := cleanChapterContent("第1章 开端", in)
	if strings.HasPrefix(got, "第1章 开端") {
		t.Errorf("title line kept: %q", got)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("blank runs not collapsed: %q", got)
	}
	if !strings.Contains(got, "正文第一行。") || !strings.Contains(got, "正文第二行。") {
		t.Errorf("content lost: %q", got)
	}
}
