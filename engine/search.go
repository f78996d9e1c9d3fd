package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxResults is the aggregate result cut when the caller does
	// not specify one.
	DefaultMaxResults = 30
	// MaxResultsCeiling is the hard clamp for caller-supplied limits.
	MaxResultsCeiling = 100
	// defaultSourceTimeout bounds each source's individual search.
	defaultSourceTimeout = 15 * time.Second
)

// SearchService fans a query out to every enabled source, then merges,
// deduplicates and scores the hits. A failing source contributes an empty
// list and an error record; it never aborts the aggregate.
type SearchService struct {
	Logger *LoggerService
	Cache  *CacheService

	SourceTimeout time.Duration
}

// NewSearchService builds the aggregator.
func NewSearchService(logger *LoggerService, cache *CacheService) *SearchService {
	return &SearchService{Logger: logger, Cache: cache, SourceTimeout: defaultSourceTimeout}
}

// cachedSearch is the disk/memory representation of a finished aggregate.
type cachedSearch struct {
	Hits   []NovelHit    `json:"hits"`
	Failed []SourceError `json:"failed,omitempty"`
	Total  int           `json:"total"`
}

// SearchAll runs the aggregate search. maxResults <= 0 selects the default;
// values above the ceiling are clamped. The caller's ctx carries the global
// deadline; each source additionally gets its own timeout.
func (s *SearchService) SearchAll(ctx context.Context, sources []Source, keyword string, maxResults int) (*SearchResult, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, Errf(KindInput, "keyword must not be empty")
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if maxResults > MaxResultsCeiling {
		maxResults = MaxResultsCeiling
	}

	started := time.Now()
	cacheKey := CacheKey("searchall", normalizeText(keyword))

	if raw, ok := s.Cache.Get(cacheKey, 0); ok {
		var cached cachedSearch
		if err := json.Unmarshal(raw, &cached); err == nil {
			hits := cached.Hits
			if len(hits) > maxResults {
				hits = hits[:maxResults]
			}
			return &SearchResult{
				Hits:     hits,
				Failed:   cached.Failed,
				Duration: time.Since(started),
				Cached:   true,
				Total:    cached.Total,
			}, nil
		}
	}

	type arrival struct {
		hit   NovelHit
		index int
	}
	var (
		mu       sync.Mutex
		arrivals []arrival
		failed   []SourceError
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		if !src.Enabled() {
			continue
		}
		src := src
		g.Go(func() error {
			srcCtx, cancel := context.WithTimeout(gctx, s.SourceTimeout)
			defer cancel()

			hits, err := src.Search(srcCtx, keyword)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.Logger.Warn("[%s] search failed: %v", src.Name(), err)
				failed = append(failed, SourceError{
					SourceID:   src.ID(),
					SourceName: src.Name(),
					Kind:       KindOf(err),
					Message:    err.Error(),
				})
				return nil
			}
			for _, h := range hits {
				arrivals = append(arrivals, arrival{hit: h, index: len(arrivals)})
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are recorded above

	tokens := tokenize(keyword)

	// Deduplicate by normalized (title, author); the higher score wins,
	// ties go to whichever source answered first.
	type scored struct {
		hit   NovelHit
		index int
	}
	best := make(map[[2]string]scored)
	for _, a := range arrivals {
		h := a.hit
		h.Score = scoreHit(h, tokens) + rand.Float64()*0.1
		key := [2]string{normalizeText(h.Title), normalizeText(h.Author)}
		if prev, ok := best[key]; ok {
			if h.Score <= prev.hit.Score {
				continue
			}
		}
		best[key] = scored{hit: h, index: a.index}
	}

	merged := make([]NovelHit, 0, len(best))
	order := make(map[string]int, len(best))
	for _, sc := range best {
		merged = append(merged, sc.hit)
		order[sc.hit.DetailURL] = sc.index
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return order[merged[i].DetailURL] < order[merged[j].DetailURL]
	})

	total := len(merged)
	// Cache the full merged set; the per-call limit is applied on read so a
	// later call with a larger limit still sees everything.
	if raw, err := json.Marshal(cachedSearch{Hits: merged, Failed: failed, Total: total}); err == nil {
		s.Cache.Put(cacheKey, raw, TTLSearch)
	}
	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}

	s.Logger.Info("search %q: %d hits from %d sources (%d failed) in %s",
		keyword, len(merged), len(sources), len(failed), time.Since(started).Round(time.Millisecond))

	return &SearchResult{
		Hits:     merged,
		Failed:   failed,
		Duration: time.Since(started),
		Total:    total,
	}, nil
}

// Token scoring weights.
const (
	weightTitleExact     = 100
	weightTitleContains  = 50
	weightAuthorExact    = 30
	weightAuthorContains = 20
	weightLatestContains = 10
)

func scoreHit(h NovelHit, tokens []string) float64 {
	title := strings.ToLower(h.Title)
	author := strings.ToLower(h.Author)
	latest := strings.ToLower(h.LatestChapter)

	var score float64
	for _, tok := range tokens {
		switch {
		case title == tok:
			score += weightTitleExact
		case strings.Contains(title, tok):
			score += weightTitleContains * float64(len([]rune(tok))) / float64(len([]rune(title)))
		}
		if author != "" {
			switch {
			case author == tok:
				score += weightAuthorExact
			case strings.Contains(author, tok):
				score += weightAuthorContains
			}
		}
		if latest != "" && strings.Contains(latest, tok) {
			score += weightLatestContains
		}
	}
	return score
}

// tokenize splits the keyword on whitespace and non-alphanumeric runes.
// Tokens shorter than two runes are kept only when they are CJK.
func tokenize(keyword string) []string {
	fields := strings.FieldsFunc(strings.ToLower(keyword), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		runes := []rune(f)
		if len(runes) >= 2 || (len(runes) == 1 && unicode.Is(unicode.Han, runes[0])) {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// normalizeText lowercases and strips punctuation and whitespace, producing
// the key used for dedup comparisons.
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
