package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config holds the engine's construction-time settings. Zero values select
// sensible defaults.
type Config struct {
	CacheDir       string // disk cache location, empty disables the disk tier
	OutDir         string // final artifact directory
	LogFile        string // optional log file
	MaxConcurrency int    // outbound HTTP cap, default 5
	CacheEntries   int    // memory cache entry cap
	Verbose        bool
	Debug          bool
}

// Engine is the central component wiring the services together and owning
// the source registry. Everything downstream of cmd/ and server/ receives
// its dependencies from here; there are no package-level singletons.
type Engine struct {
	Logger    *LoggerService
	HTTP      *HTTPService
	Cache     *CacheService
	Selector  *SelectorService
	Search    *SearchService
	Download  *DownloadService
	Assembler *AssemblerService
	Tasks     *TaskRegistry

	startedAt time.Time

	sourcesMu sync.RWMutex
	sources   map[int]Source
}

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.OutDir == "" {
		cfg.OutDir = "downloads"
	}

	logger := &LoggerService{
		Verbose:   cfg.Verbose,
		DebugMode: cfg.Debug,
		LogFile:   cfg.LogFile,
	}

	httpService := NewHTTPService(logger, cfg.MaxConcurrency)
	cache := NewCacheService(logger, cfg.CacheDir, cfg.CacheEntries)
	selector := NewSelectorService(logger)
	assembler := NewAssemblerService(logger, cfg.OutDir)

	e := &Engine{
		Logger:    logger,
		HTTP:      httpService,
		Cache:     cache,
		Selector:  selector,
		Search:    NewSearchService(logger, cache),
		Download:  NewDownloadService(logger, assembler),
		Assembler: assembler,
		Tasks:     NewTaskRegistry(logger),
		startedAt: time.Now(),
		sources:   make(map[int]Source),
	}

	logger.Info("engine initialized (cache=%s, out=%s)", cfg.CacheDir, cfg.OutDir)
	return e
}

// RegisterSource adds a source adapter to the registry.
func (e *Engine) RegisterSource(src Source) error {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	if _, exists := e.sources[src.ID()]; exists {
		return fmt.Errorf("source with id %d already registered", src.ID())
	}
	e.sources[src.ID()] = src
	return nil
}

// GetSource retrieves a source by id.
func (e *Engine) GetSource(id int) (Source, bool) {
	e.sourcesMu.RLock()
	defer e.sourcesMu.RUnlock()
	src, ok := e.sources[id]
	return src, ok
}

// AllSources returns every registered source sorted by id.
func (e *Engine) AllSources() []Source {
	e.sourcesMu.RLock()
	defer e.sourcesMu.RUnlock()
	out := make([]Source, 0, len(e.sources))
	for _, s := range e.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// EnabledSources returns the sources that participate in searches.
func (e *Engine) EnabledSources() []Source {
	all := e.AllSources()
	out := all[:0:0]
	for _, s := range all {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}

// SearchAll fans keyword out to all enabled sources.
func (e *Engine) SearchAll(ctx context.Context, keyword string, maxResults int) (*SearchResult, error) {
	return e.Search.SearchAll(ctx, e.EnabledSources(), keyword, maxResults)
}

// StartDownload validates the request and submits a background task.
// Returns the new task id.
func (e *Engine) StartDownload(detailURL string, sourceID int, format Format) (string, error) {
	if detailURL == "" {
		return "", Errf(KindInput, "url must not be empty")
	}
	src, ok := e.GetSource(sourceID)
	if !ok {
		return "", Errf(KindSourceUnknown, "no source with id %d", sourceID)
	}
	taskID := e.Tasks.Submit(detailURL, sourceID, format, func(ctx context.Context, task *Task) {
		e.Download.Run(ctx, src, task)
	})
	return taskID, nil
}

// DownloadAndWait submits a download and blocks until it reaches a terminal
// state or ctx expires.
func (e *Engine) DownloadAndWait(ctx context.Context, detailURL string, sourceID int, format Format) (TaskSnapshot, error) {
	taskID, err := e.StartDownload(detailURL, sourceID, format)
	if err != nil {
		return TaskSnapshot{}, err
	}
	snap, err := e.Tasks.Wait(ctx, taskID)
	if err != nil {
		e.Tasks.Cancel(taskID)
		return snap, err
	}
	return snap, nil
}

// Health summarizes engine state for the health endpoint.
type Health struct {
	Status       string              `json:"status"`
	HealthScore  float64             `json:"health_score"`
	UptimeSec    int64               `json:"uptime_seconds"`
	Sources      int                 `json:"sources"`
	RunningTasks int                 `json:"running_tasks"`
	CacheEntries int                 `json:"cache_entries"`
	SourceStats  map[int]SourceStats `json:"source_stats"`
}

// HealthInfo computes the health snapshot. The score is the weighted
// success ratio across all source requests; an idle engine scores 1.
func (e *Engine) HealthInfo() Health {
	stats := make(map[int]SourceStats)
	var requests, failures int64
	for _, s := range e.AllSources() {
		st := s.Stats()
		stats[s.ID()] = st
		requests += st.Requests
		failures += st.Failures
	}
	score := 1.0
	if requests > 0 {
		score = float64(requests-failures) / float64(requests)
	}
	status := "ok"
	if score < 0.5 {
		status = "degraded"
	}
	return Health{
		Status:       status,
		HealthScore:  score,
		UptimeSec:    int64(time.Since(e.startedAt).Seconds()),
		Sources:      len(e.AllSources()),
		RunningTasks: e.Tasks.Running(),
		CacheEntries: e.Cache.Len(),
		SourceStats:  stats,
	}
}

// Shutdown stops the engine in dependency order: drain tasks first so no
// worker needs the network, then close the HTTP pool, then the logger.
// Cache writes are synchronous so the disk tier needs no flush.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.Tasks.Drain(ctx)
	e.HTTP.Close()
	if cerr := e.Logger.Close(); err == nil {
		err = cerr
	}
	return err
}
