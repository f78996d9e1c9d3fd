package engine

import (
	"context"
	"time"
)

// Source is the interface every book source adapter implements.
// One adapter binds one declarative rule to the engine's HTTP, selector
// and cache services; the aggregator and downloader only see this interface.
type Source interface {
	ID() int
	Name() string
	Enabled() bool

	// Search substitutes the keyword into the rule's search template and
	// returns up to the per-source hit cap of results.
	Search(ctx context.Context, keyword string) ([]NovelHit, error)

	// Detail fetches and parses a novel's detail page.
	Detail(ctx context.Context, url string) (*NovelDetail, error)

	// TOC fetches the raw chapter list, following TOC pagination.
	// The result is unordered and may contain duplicates; callers are
	// expected to run it through the TOC normalizer.
	TOC(ctx context.Context, url string) ([]Chapter, error)

	// Chapter fetches a single chapter body as cleaned plain text.
	Chapter(ctx context.Context, url string) (*Chapter, error)

	// Stats returns the adapter's request counters since process start.
	Stats() SourceStats
}

// NovelHit is one search result from one source. Score is assigned by the
// aggregator; adapters leave it zero.
type NovelHit struct {
	SourceID      int     `json:"source_id"`
	SourceName    string  `json:"source_name"`
	DetailURL     string  `json:"detail_url"`
	Title         string  `json:"title"`
	Author        string  `json:"author,omitempty"`
	LatestChapter string  `json:"latest_chapter,omitempty"`
	Score         float64 `json:"score"`
}

// NovelDetail is the parsed detail page of one novel.
type NovelDetail struct {
	DetailURL string `json:"detail_url"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Intro     string `json:"intro,omitempty"`
	Cover     string `json:"cover,omitempty"`
	Category  string `json:"category,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Chapter is a single chapter. Order is assigned by the TOC normalizer and
// is contiguous from 1 within one novel. Content is empty until downloaded.
type Chapter struct {
	Order   int    `json:"order"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// SourceStats are per-adapter request counters. Owned exclusively by the
// adapter; read through Stats() snapshots.
type SourceStats struct {
	Requests  int64 `json:"requests"`
	Failures  int64 `json:"failures"`
	CacheHits int64 `json:"cache_hits"`
}

// TaskState is a download task's lifecycle state.
type TaskState string

const (
	TaskPending          TaskState = "PENDING"
	TaskFetchingMeta     TaskState = "FETCHING_META"
	TaskFetchingChapters TaskState = "FETCHING_CHAPTERS"
	TaskAssembling       TaskState = "ASSEMBLING"
	TaskReady            TaskState = "READY"
	TaskFailed           TaskState = "FAILED"
)

// Terminal reports whether the state is sticky.
func (s TaskState) Terminal() bool { return s == TaskReady || s == TaskFailed }

// Format is an output artifact format.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatEPUB Format = "epub"
)

// ParseFormat validates a user-supplied format string. Empty defaults to TXT.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatTXT, FormatEPUB:
		return Format(s), nil
	case "":
		return FormatTXT, nil
	}
	return "", Errf(KindInput, "unsupported format %q (want txt or epub)", s)
}

// TaskSnapshot is a point-in-time copy of a download task, safe to hand to
// pollers while the owning worker keeps mutating the live task.
type TaskSnapshot struct {
	TaskID              string     `json:"task_id"`
	DetailURL           string     `json:"detail_url"`
	SourceID            int        `json:"source_id"`
	Format              Format     `json:"format"`
	State               TaskState  `json:"state"`
	Title               string     `json:"title,omitempty"`
	Author              string     `json:"author,omitempty"`
	TotalChapters       int        `json:"total_chapters"`
	CompletedChapters   int        `json:"completed_chapters"`
	FailedChapters      int        `json:"failed_chapters"`
	CurrentChapterTitle string     `json:"current_chapter_title,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	ArtifactPath        string     `json:"artifact_path,omitempty"`
	Error               string     `json:"error,omitempty"`
}

// ProgressPercentage reports chapter completion as 0-100. Meta phases count
// as zero; READY always reports 100.
func (t TaskSnapshot) ProgressPercentage() float64 {
	if t.State == TaskReady {
		return 100
	}
	if t.TotalChapters == 0 {
		return 0
	}
	return float64(t.CompletedChapters+t.FailedChapters) / float64(t.TotalChapters) * 100
}

// SourceError records one source's failure during an aggregate search.
// A failing source never aborts the aggregate; it is reported here instead.
type SourceError struct {
	SourceID   int    `json:"source_id"`
	SourceName string `json:"source_name"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
}

// SearchResult is an aggregate search outcome: merged hits plus per-source
// failures and timing metadata.
type SearchResult struct {
	Hits     []NovelHit    `json:"hits"`
	Failed   []SourceError `json:"failed,omitempty"`
	Duration time.Duration `json:"-"`
	Cached   bool          `json:"-"`
	Total    int           `json:"-"`
}
