package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	// defaultBatchSize is how many chapter fetches run in parallel within
	// one download step.
	defaultBatchSize = 10
	// chapterAttempts is the per-chapter retry budget on top of the HTTP
	// layer's own attempts.
	chapterAttempts = 3
)

// DownloadService executes a chapter fetch plan against one source with
// bounded concurrency, per-chapter retries and progress reporting. Batches
// are serialized with a randomized sleep between them to stay under
// bot-detection thresholds.
type DownloadService struct {
	Logger    *LoggerService
	Assembler *AssemblerService

	BatchSize      int
	BatchSleepMin  time.Duration
	BatchSleepMax  time.Duration
	ChapterBackoff time.Duration
}

// NewDownloadService builds the orchestrator.
func NewDownloadService(logger *LoggerService, assembler *AssemblerService) *DownloadService {
	return &DownloadService{
		Logger:         logger,
		Assembler:      assembler,
		BatchSize:      defaultBatchSize,
		BatchSleepMin:  time.Second,
		BatchSleepMax:  3 * time.Second,
		ChapterBackoff: time.Second,
	}
}

// Run drives a submitted task to a terminal state: detail + TOC, chapter
// fan-out, assembly. Individual chapter failures become placeholder bodies;
// the task fails outright only when the metadata fetch fails, the TOC is
// empty, more than half the chapters fail, or the task is cancelled.
func (d *DownloadService) Run(ctx context.Context, src Source, task *Task) {
	task.SetState(TaskFetchingMeta)

	detail, err := src.Detail(ctx, task.DetailURL())
	if err != nil {
		d.failTask(ctx, task, fmt.Sprintf("获取书籍信息失败: %v", err))
		return
	}

	rawTOC, err := src.TOC(ctx, task.DetailURL())
	if err != nil {
		d.failTask(ctx, task, fmt.Sprintf("获取目录失败: %v", err))
		return
	}
	chapters := NormalizeTOC(rawTOC)
	if len(chapters) == 0 {
		task.Fail("目录为空，无法下载")
		return
	}

	task.SetMeta(detail.Title, detail.Author, len(chapters))
	task.SetState(TaskFetchingChapters)
	d.Logger.Info("task %s: downloading %d chapters of %q from %s",
		task.ID(), len(chapters), detail.Title, src.Name())

	failed := d.fetchChapters(ctx, src, task, chapters)
	if ctx.Err() != nil {
		task.Fail("cancelled")
		return
	}
	if failed*2 > len(chapters) {
		task.Fail(fmt.Sprintf("章节下载失败过多 (%d/%d)", failed, len(chapters)))
		return
	}

	task.SetState(TaskAssembling)
	path, err := d.Assembler.Assemble(detail, chapters, task.Format())
	if err != nil {
		task.Fail(fmt.Sprintf("生成文件失败: %v", err))
		return
	}
	task.Ready(path)
	d.Logger.Info("task %s: ready at %s (%d ok, %d failed)",
		task.ID(), path, len(chapters)-failed, failed)
}

// fetchChapters fills chapters[i].Content in place and returns the failure
// count. Chapters whose fetch fails after all retries get a placeholder
// body recording the reason.
func (d *DownloadService) fetchChapters(ctx context.Context, src Source, task *Task, chapters []Chapter) int {
	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	totalFailed := 0
	for start := 0; start < len(chapters); start += batchSize {
		if ctx.Err() != nil {
			return totalFailed
		}
		end := start + batchSize
		if end > len(chapters) {
			end = len(chapters)
		}
		totalFailed += d.fetchBatch(ctx, src, task, chapters[start:end])

		if end < len(chapters) {
			d.sleepBetweenBatches(ctx)
		}
	}
	return totalFailed
}

// fetchBatch runs one batch in parallel. The first wave tries every chapter
// once; survivors are retried with exponential backoff. A batch whose whole
// first wave failed triples its backoff on the retry waves but still runs
// them; sibling batches are unaffected.
func (d *DownloadService) fetchBatch(ctx context.Context, src Source, task *Task, batch []Chapter) int {
	type result struct {
		idx int
		err error
	}

	pending := make([]int, len(batch))
	for i := range batch {
		pending[i] = i
	}

	backoffScale := 1
	for attempt := 1; attempt <= chapterAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			d.sleepWithContext(ctx, d.attemptBackoff(attempt, backoffScale))
		}
		if ctx.Err() != nil {
			break
		}

		results := make(chan result, len(pending))
		var wg sync.WaitGroup
		for _, idx := range pending {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				ch, err := src.Chapter(ctx, batch[idx].URL)
				if err == nil {
					batch[idx].Content = ch.Content
					if batch[idx].Title == "" && ch.Title != "" {
						batch[idx].Title = ch.Title
					}
					// Progress advances as each chapter lands, not per wave.
					task.MarkChapter(true, batch[idx].Title)
				}
				results <- result{idx: idx, err: err}
			}(idx)
		}
		wg.Wait()
		close(results)

		var stillFailing []int
		for res := range results {
			if res.err != nil {
				stillFailing = append(stillFailing, res.idx)
				d.Logger.Debug("chapter %q attempt %d failed: %v", batch[res.idx].Title, attempt, res.err)
			}
		}
		if attempt == 1 && len(stillFailing) == len(batch) {
			backoffScale = 3
		}
		pending = stillFailing
	}

	for _, idx := range pending {
		batch[idx].Content = fmt.Sprintf("本章下载失败，已跳过。\n\n原因: %v", lastReason(ctx))
		task.MarkChapter(false, batch[idx].Title)
	}
	return len(pending)
}

func lastReason(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		return "下载已取消"
	}
	return "多次重试后仍无法获取章节内容"
}

// attemptBackoff is base × 2^(attempt-2) × scale × (1 + jitter) for the
// waves after the first.
func (d *DownloadService) attemptBackoff(attempt, scale int) time.Duration {
	base := d.ChapterBackoff
	if base <= 0 {
		base = time.Second
	}
	delay := base << (attempt - 2) * time.Duration(scale)
	return delay + time.Duration(rand.Float64()*0.5*float64(delay))
}

func (d *DownloadService) sleepBetweenBatches(ctx context.Context) {
	span := d.BatchSleepMax - d.BatchSleepMin
	if span < 0 {
		span = 0
	}
	d.sleepWithContext(ctx, d.BatchSleepMin+time.Duration(rand.Float64()*float64(span)))
}

func (d *DownloadService) sleepWithContext(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// failTask distinguishes cancellation from genuine metadata failures.
func (d *DownloadService) failTask(ctx context.Context, task *Task, reason string) {
	if ctx.Err() != nil {
		task.Fail("cancelled")
		return
	}
	task.Fail(reason)
}

