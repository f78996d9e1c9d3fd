package engine

import (
	"context"
	"testing"
	"time"
)

// fakeSource is a scriptable Source for aggregator tests.
type fakeSource struct {
	id      int
	name    string
	enabled bool
	hits    []NovelHit
	err     error
	delay   time.Duration
}

func (f *fakeSource) ID() int       { return f.id }
func (f *fakeSource) Name() string  { return f.name }
func (f *fakeSource) Enabled() bool { return f.enabled }

func (f *fakeSource) Search(ctx context.Context, keyword string) ([]NovelHit, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, Errf(KindNetwork, "search timed out")
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func (f *fakeSource) Detail(ctx context.Context, url string) (*NovelDetail, error) {
	return nil, Errf(KindInternal, "not implemented")
}
func (f *fakeSource) TOC(ctx context.Context, url string) ([]Chapter, error) {
	return nil, Errf(KindInternal, "not implemented")
}
func (f *fakeSource) Chapter(ctx context.Context, url string) (*Chapter, error) {
	return nil, Errf(KindInternal, "not implemented")
}
func (f *fakeSource) Stats() SourceStats { return SourceStats{} }

func newTestSearch(t *testing.T) *SearchService {
	t.Helper()
	logger := &LoggerService{}
	return NewSearchService(logger, NewCacheService(logger, "", 0))
}

func TestSearchAllMergesAndDedups(t *testing.T) {
	svc := newTestSearch(t)
	svc.SourceTimeout = 200 * time.Millisecond

	top := NovelHit{SourceID: 1, SourceName: "A", Title: "斗破苍穹", Author: "天蚕土豆", DetailURL: "https://a.com/1"}
	second := NovelHit{SourceID: 1, SourceName: "A", Title: "斗破苍穹前传", Author: "某人", DetailURL: "https://a.com/2"}
	duplicate := NovelHit{SourceID: 3, SourceName: "C", Title: "斗破苍穹", Author: "天蚕土豆", DetailURL: "https://c.com/1"}

	sources := []Source{
		&fakeSource{id: 1, name: "A", enabled: true, hits: []NovelHit{top, second}},
		&fakeSource{id: 2, name: "B", enabled: true, delay: time.Second}, // times out
		&fakeSource{id: 3, name: "C", enabled: true, hits: []NovelHit{duplicate}},
	}

	result, err := svc.SearchAll(context.Background(), sources, "斗破苍穹", 5)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	if len(result.Hits) != 2 {
		t.Fatalf("hits = %d, want 2 (duplicate removed)", len(result.Hits))
	}
	if result.Hits[0].Title != "斗破苍穹" {
		t.Errorf("top hit = %q, want exact title match first", result.Hits[0].Title)
	}
	if len(result.Failed) != 1 || result.Failed[0].SourceID != 2 {
		t.Errorf("failed = %+v, want exactly source 2", result.Failed)
	}
	if result.Cached {
		t.Error("first call reported cached")
	}
}

func TestSearchAllEmptyKeyword(t *testing.T) {
	svc := newTestSearch(t)
	_, err := svc.SearchAll(context.Background(), nil, "   ", 10)
	if !IsKind(err, KindInput) {
		t.Fatalf("err = %v, want kind %s", err, KindInput)
	}
}

func TestSearchAllCachesAggregate(t *testing.T) {
	svc := newTestSearch(t)
	src := &fakeSource{id: 1, name: "A", enabled: true, hits: []NovelHit{
		{SourceID: 1, Title: "完美世界", Author: "辰东", DetailURL: "https://a.com/1"},
		{SourceID: 1, Title: "完美世界外传", Author: "辰东", DetailURL: "https://a.com/2"},
	}}

	first, err := svc.SearchAll(context.Background(), []Source{src}, "完美世界", 1)
	if err != nil {
		t.Fatalf("first SearchAll() error = %v", err)
	}
	if len(first.Hits) != 1 || first.Total != 2 {
		t.Fatalf("first: hits=%d total=%d, want 1 and 2", len(first.Hits), first.Total)
	}

	// Second call with a larger limit must be served from cache yet still see
	// the full merged set.
	src.hits = nil // prove the source is not consulted again
	second, err := svc.SearchAll(context.Background(), []Source{src}, "完美世界", 10)
	if err != nil {
		t.Fatalf("second SearchAll() error = %v", err)
	}
	if !second.Cached {
		t.Error("second call not served from cache")
	}
	if len(second.Hits) != 2 {
		t.Errorf("second hits = %d, want 2 from cached full set", len(second.Hits))
	}
}

func TestSearchAllSkipsDisabledSources(t *testing.T) {
	svc := newTestSearch(t)
	disabled := &fakeSource{id: 1, name: "off", enabled: false, hits: []NovelHit{
		{Title: "结果", DetailURL: "https://x.com/1"},
	}}
	result, err := svc.SearchAll(context.Background(), []Source{disabled}, "结果", 10)
	if err != nil {
		t.Fatalf("SearchAll() error = %v", err)
	}
	if len(result.Hits) != 0 {
		t.Errorf("hits = %d, want 0 from a disabled source", len(result.Hits))
	}
}

func TestScoreHitOrdering(t *testing.T) {
	tokens := tokenize("剑来")
	exact := scoreHit(NovelHit{Title: "剑来"}, tokens)
	partial := scoreHit(NovelHit{Title: "剑来了没有"}, tokens)
	authorOnly := scoreHit(NovelHit{Title: "别的书", Author: "剑来"}, tokens)
	if exact <= partial {
		t.Errorf("exact (%v) should outscore partial (%v)", exact, partial)
	}
	if partial <= 0 || authorOnly <= 0 {
		t.Errorf("partial=%v authorOnly=%v, both should be positive", partial, authorOnly)
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"斗破 苍穹", []string{"斗破", "苍穹"}},
		{"a 的 b", []string{"的"}},           // single CJK kept, single latin dropped
		{"hello, world!", []string{"hello", "world"}},
		{"x y", nil},
	}
	for _, tt := range tests {
		got := tokenize(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestNormalizeTextStripsPunctuation(t *testing.T) {
	if got := normalizeText("斗破·苍穹 (完结)"); got != "斗破苍穹完结" {
		t.Errorf("normalizeText = %q", got)
	}
}
