package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"novelhub/engine"
	"novelhub/rules"
	"novelhub/utils"
)

const (
	defaultMaxResults = 30
	maxResultsCeiling = 100
)

// handleSearch fans a keyword out to every enabled source.
// GET /search?keyword=...&maxResults=30
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		writeBadRequest(w, "keyword must not be empty")
		return
	}

	maxResults := defaultMaxResults
	if raw := r.URL.Query().Get("maxResults"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, fmt.Sprintf("maxResults must be a positive integer, got %q", raw))
			return
		}
		if n > maxResultsCeiling {
			n = maxResultsCeiling
		}
		maxResults = n
	}

	result, err := s.Engine.SearchAll(r.Context(), keyword, maxResults)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, result.Hits, map[string]interface{}{
		"durationMs":   result.Duration.Milliseconds(),
		"cached":       result.Cached,
		"totalResults": result.Total,
		"failed":       result.Failed,
	})
}

// handleDetail fetches one novel's detail page through its source.
// GET /detail?url=...&sourceId=N
func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	pageURL, src, ok := s.urlAndSource(w, r)
	if !ok {
		return
	}
	started := time.Now()
	detail, err := src.Detail(r.Context(), pageURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, detail, map[string]interface{}{
		"durationMs": time.Since(started).Milliseconds(),
		"sourceId":   src.ID(),
	})
}

// handleTOC fetches and normalizes a novel's chapter list.
// GET /toc?url=...&sourceId=N
func (s *Server) handleTOC(w http.ResponseWriter, r *http.Request) {
	pageURL, src, ok := s.urlAndSource(w, r)
	if !ok {
		return
	}
	started := time.Now()
	raw, err := src.TOC(r.Context(), pageURL)
	if err != nil {
		writeError(w, err)
		return
	}
	chapters := engine.NormalizeTOC(raw)
	if len(chapters) == 0 {
		writeError(w, engine.Errf(engine.KindNotFound, "no valid chapters at %s", pageURL))
		return
	}
	writeOK(w, chapters, map[string]interface{}{
		"durationMs":    time.Since(started).Milliseconds(),
		"totalChapters": len(chapters),
	})
}

// handleDownload runs a download synchronously and streams the artifact.
// GET /download?url=...&sourceId=N&format=txt
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	pageURL, src, ok := s.urlAndSource(w, r)
	if !ok {
		return
	}
	format, err := engine.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.Engine.DownloadAndWait(r.Context(), pageURL, src.ID(), format)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap.State != engine.TaskReady {
		writeJSON(w, http.StatusInternalServerError, snap.Error, nil, nil)
		return
	}
	s.serveArtifact(w, r, snap)
}

// downloadStartRequest is the POST /download/start body.
type downloadStartRequest struct {
	URL      string `json:"url"`
	SourceID int    `json:"sourceId"`
	Format   string `json:"format"`
}

// handleDownloadStart submits a background download task.
// POST /download/start {url, sourceId, format}
func (s *Server) handleDownloadStart(w http.ResponseWriter, r *http.Request) {
	var req downloadStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	format, err := engine.ParseFormat(req.Format)
	if err != nil {
		writeError(w, err)
		return
	}
	taskID, err := s.Engine.StartDownload(req.URL, req.SourceID, format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, "accepted", map[string]string{"task_id": taskID}, nil)
}

// progressView decorates a task snapshot with its completion percentage.
type progressView struct {
	engine.TaskSnapshot
	ProgressPercentage float64 `json:"progress_percentage"`
}

// handleDownloadProgress polls a task's state.
// GET /download/progress?task_id=T
func (s *Server) handleDownloadProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeBadRequest(w, "task_id must not be empty")
		return
	}
	snap, ok := s.Engine.Tasks.Progress(taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, fmt.Sprintf("no task with id %s", taskID), nil, nil)
		return
	}
	writeOK(w, progressView{TaskSnapshot: snap, ProgressPercentage: snap.ProgressPercentage()}, nil)
}

// handleDownloadResult streams the finished artifact, or reports progress
// while the task is still running.
// GET /download/result?task_id=T
func (s *Server) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeBadRequest(w, "task_id must not be empty")
		return
	}
	snap, status := s.Engine.Tasks.Result(taskID)
	switch status {
	case engine.ResultNotFound:
		writeJSON(w, http.StatusNotFound, fmt.Sprintf("no task with id %s", taskID), nil, nil)
	case engine.ResultFailed:
		writeJSON(w, http.StatusInternalServerError, snap.Error, nil, nil)
	case engine.ResultRunning:
		writeOK(w, map[string]interface{}{
			"status":              "running",
			"state":               snap.State,
			"progress_percentage": snap.ProgressPercentage(),
		}, nil)
	case engine.ResultReady:
		s.serveArtifact(w, r, snap)
	}
}

// sourceView is the /sources listing entry.
type sourceView struct {
	ID      int                `json:"id"`
	Name    string             `json:"name"`
	BaseURL string             `json:"base_url,omitempty"`
	Enabled bool               `json:"enabled"`
	Stats   engine.SourceStats `json:"stats"`
}

// handleSources lists the registered sources.
// GET /sources
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	all := s.Engine.AllSources()
	out := make([]sourceView, 0, len(all))
	for _, src := range all {
		view := sourceView{
			ID:      src.ID(),
			Name:    src.Name(),
			Enabled: src.Enabled(),
			Stats:   src.Stats(),
		}
		if ruled, ok := src.(interface{ Rule() rules.Rule }); ok {
			view.BaseURL = ruled.Rule().BaseURL
		}
		out = append(out, view)
	}
	writeOK(w, out, map[string]interface{}{"total": len(out)})
}

// handleHealth reports engine health.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Engine.HealthInfo(), nil)
}

// handleCacheClear drops both cache tiers.
// POST /cache/clear
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.Engine.Cache.Clear()
	if err != nil {
		writeError(w, engine.WrapErr(engine.KindInternal, err, "cache clear incomplete"))
		return
	}
	s.Engine.Logger.Info("cache cleared via api: %d entries", cleared)
	writeOK(w, map[string]int{"cleared": cleared}, nil)
}

// urlAndSource extracts and validates the url and sourceId query parameters
// shared by /detail, /toc and /download.
func (s *Server) urlAndSource(w http.ResponseWriter, r *http.Request) (string, engine.Source, bool) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		writeBadRequest(w, "url must not be empty")
		return "", nil, false
	}
	rawID := r.URL.Query().Get("sourceId")
	id, err := strconv.Atoi(rawID)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("sourceId must be an integer, got %q", rawID))
		return "", nil, false
	}
	src, ok := s.Engine.GetSource(id)
	if !ok {
		writeError(w, engine.Errf(engine.KindSourceUnknown, "no source with id %d", id))
		return "", nil, false
	}
	return pageURL, src, true
}

// serveArtifact streams a READY task's file with download metadata headers.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, snap engine.TaskSnapshot) {
	f, err := os.Open(snap.ArtifactPath)
	if err != nil {
		writeError(w, engine.WrapErr(engine.KindInternal, err, "artifact missing for task %s", snap.TaskID))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, engine.WrapErr(engine.KindInternal, err, "artifact unreadable for task %s", snap.TaskID))
		return
	}

	durationMS := int64(0)
	if snap.FinishedAt != nil {
		durationMS = snap.FinishedAt.Sub(snap.StartedAt).Milliseconds()
	}
	w.Header().Set("Content-Disposition", utils.ContentDisposition(filepath.Base(snap.ArtifactPath)))
	w.Header().Set("Content-Type", contentTypeFor(snap.Format))
	w.Header().Set("X-Task-ID", snap.TaskID)
	w.Header().Set("X-File-Size", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("X-Download-Duration-MS", strconv.FormatInt(durationMS, 10))
	http.ServeContent(w, r, filepath.Base(snap.ArtifactPath), info.ModTime(), f)
}

func contentTypeFor(format engine.Format) string {
	if format == engine.FormatEPUB {
		return "application/epub+zip"
	}
	return "text/plain; charset=utf-8"
}
