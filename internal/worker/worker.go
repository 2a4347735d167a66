package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opentenders/registry-sync/internal/db"
	"github.com/opentenders/registry-sync/internal/importer"
	"github.com/opentenders/registry-sync/internal/log"
	"github.com/opentenders/registry-sync/internal/queue"
	"github.com/opentenders/registry-sync/internal/registry"
)

// ListFetcher is the registry surface the worker drives page-by-page.
type ListFetcher interface {
	FetchList(ctx context.Context, params registry.ListParams) (registry.ListPage, error)
	Stats() registry.Stats
}

// PageImporter processes one fetched page into the store.
type PageImporter interface {
	ImportPage(ctx context.Context, items []json.RawMessage) (importer.PageResult, error)
}

// RunStore is the sync-run persistence the worker reports through.
type RunStore interface {
	MarkSyncRunRunning(ctx context.Context, id int64) error
	UpdateSyncRunProgress(ctx context.Context, id int64, p db.SyncProgress) error
	FinishSyncRun(ctx context.Context, id int64, status string, errorMessage string) error
}

// JobQueue is the durable queue surface the worker consumes from.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.ImportJob, error)
	UpdatePayload(ctx context.Context, job *queue.ImportJob) error
	Complete(ctx context.Context, job *queue.ImportJob) error
	Fail(ctx context.Context, job *queue.ImportJob, cause error) error
}

// CheckpointSink receives checkpoint writes during a run. The queue is the sink
// for queued jobs; the synchronous manual path uses a no-op sink.
type CheckpointSink interface {
	UpdatePayload(ctx context.Context, job *queue.ImportJob) error
}

type noopSink struct{}

func (noopSink) UpdatePayload(context.Context, *queue.ImportJob) error { return nil }

const (
	defaultPollInterval = 2 * time.Second
	defaultPagePause    = time.Second
)

// Worker pulls import jobs off the durable queue and drives the importer across
// all pages of all requested modalities, persisting a resumable checkpoint after
// every page. A crash mid-run therefore loses at most one page of progress.
type Worker struct {
	queue    JobQueue
	store    RunStore
	fetcher  ListFetcher
	importer PageImporter

	concurrency  int
	pollInterval time.Duration
	pagePause    time.Duration
}

func NewWorker(q JobQueue, store RunStore, fetcher ListFetcher, imp PageImporter, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Worker{
		queue:        q,
		store:        store,
		fetcher:      fetcher,
		importer:     imp,
		concurrency:  concurrency,
		pollInterval: defaultPollInterval,
		pagePause:    defaultPagePause,
	}
}

// Run consumes jobs until the context is cancelled. The pool size stays small
// because the registry's rate limit is process-wide, not per-job.
func (w *Worker) Run(ctx context.Context) {
	logger := log.GetLogger()
	logger.WithField("Concurrency", w.concurrency).Info("import worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	logger := log.GetLogger()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrNoJob) {
			if sleepErr := sleep(ctx, w.pollInterval); sleepErr != nil {
				return
			}
			continue
		}
		var orphan *queue.OrphanError
		if errors.As(err, &orphan) {
			// the run would otherwise sit queued forever
			logger.WithField("JobId", orphan.JobId).Error("job payload missing, failing its run")
			if orphan.SyncRunId != 0 {
				if finishErr := w.store.FinishSyncRun(ctx, orphan.SyncRunId, db.SyncStatusFailed, "job payload missing"); finishErr != nil {
					logger.WithError(finishErr).Error("marking orphaned sync run failed failed")
				}
			}
			continue
		}
		if err != nil {
			logger.WithError(err).Error("dequeue failed")
			if sleepErr := sleep(ctx, w.pollInterval); sleepErr != nil {
				return
			}
			continue
		}

		if err := w.ProcessJob(ctx, job, w.queue); err != nil {
			if failErr := w.queue.Fail(ctx, job, err); failErr != nil {
				logger.WithError(failErr).Error("rescheduling failed job failed")
			}
			continue
		}

		if err := w.queue.Complete(ctx, job); err != nil {
			logger.WithError(err).Error("completing job failed")
		}
	}
}

// ProcessJob runs one import job from its persisted checkpoint to completion.
// On an unrecoverable error the sync run is marked failed and the error is
// returned so the queue's retry policy can decide what happens next.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.ImportJob, sink CheckpointSink) error {
	logger := log.GetLogger().
		WithField("JobId", job.Id).
		WithField("SyncRunId", job.SyncRunId)

	logger.WithField("ModalityIndex", job.Checkpoint.ModalityIndex).
		WithField("Page", job.Checkpoint.Page).
		Info("starting import job")

	if err := w.store.MarkSyncRunRunning(ctx, job.SyncRunId); err != nil {
		return err
	}

	if err := w.process(ctx, job, sink); err != nil {
		logger.WithError(err).Error("import job failed")
		if finishErr := w.store.FinishSyncRun(ctx, job.SyncRunId, db.SyncStatusFailed, err.Error()); finishErr != nil {
			logger.WithError(finishErr).Error("marking sync run failed failed")
		}
		return err
	}

	if err := w.store.FinishSyncRun(ctx, job.SyncRunId, db.SyncStatusCompleted, ""); err != nil {
		return err
	}

	logger.WithField("Imported", job.Checkpoint.Imported).
		WithField("Duplicates", job.Checkpoint.Duplicates).
		WithField("Errors", job.Checkpoint.Errored).
		Info("import job completed")

	return nil
}

func (w *Worker) process(ctx context.Context, job *queue.ImportJob, sink CheckpointSink) error {
	logger := log.GetLogger().WithField("SyncRunId", job.SyncRunId)

	cp := job.Checkpoint
	pageSize := registry.ClampPageSize(job.PageSize)

	for mIdx := cp.ModalityIndex; mIdx < len(job.Modalities); mIdx++ {
		modality := job.Modalities[mIdx]

		// resume mid-list only for the checkpointed modality
		page := 1
		if mIdx == cp.ModalityIndex && cp.Page > 1 {
			page = cp.Page
		}

		totalPages := 0

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			if totalPages > 0 && page > totalPages {
				break
			}
			if job.MaxPages > 0 && page > job.MaxPages {
				break
			}

			logger.WithField("Modality", modality).
				WithField("Page", page).
				WithField("TotalPages", totalPages).
				Debug("fetching list page")

			statsBefore := w.fetcher.Stats()

			listPage, err := w.fetcher.FetchList(ctx, registry.ListParams{
				DateFrom: job.DateFrom,
				DateTo:   job.DateTo,
				Modality: modality,
				OrganId:  job.OrganId,
				Page:     page,
				PageSize: pageSize,
			})
			if err != nil {
				return fmt.Errorf("fetching page %d of modality %d: %w", page, modality, err)
			}

			totalPages = listPage.TotalPages

			if len(listPage.Items) == 0 {
				break
			}

			result, err := w.importer.ImportPage(ctx, listPage.Items)
			if err != nil {
				return fmt.Errorf("importing page %d of modality %d: %w", page, modality, err)
			}

			cp.ModalityIndex = mIdx
			cp.Page = page + 1
			cp.Imported += result.Imported
			cp.Duplicates += result.Duplicates
			cp.Errored += result.Errored
			cp.Processed += result.Processed
			job.Checkpoint = cp

			if err := sink.UpdatePayload(ctx, job); err != nil {
				return fmt.Errorf("persisting checkpoint: %w", err)
			}

			if err := w.store.UpdateSyncRunProgress(ctx, job.SyncRunId, db.SyncProgress{
				CurrentPage: page,
				TotalPages:  totalPages,
				Imported:    cp.Imported,
				Duplicates:  cp.Duplicates,
				Errored:     cp.Errored,
				Events:      pushbackEvents(statsBefore, w.fetcher.Stats()),
			}); err != nil {
				return fmt.Errorf("updating sync run: %w", err)
			}

			if listPage.Last(pageSize) {
				break
			}

			if err := sleep(ctx, w.pagePause); err != nil {
				return err
			}

			page++
		}
	}

	return nil
}

// pushbackEvents turns absorbed 429/503 deltas observed during a page into
// event-log entries for the run.
func pushbackEvents(before, after registry.Stats) []db.SyncEvent {
	var events []db.SyncEvent
	now := time.Now().UTC()

	if n := after.RateLimitHits - before.RateLimitHits; n > 0 {
		events = append(events, db.SyncEvent{
			At:      now,
			Level:   "warn",
			Message: fmt.Sprintf("rate limit hit %d time(s), paused and retried", n),
		})
	}
	if n := after.UnavailableHits - before.UnavailableHits; n > 0 {
		events = append(events, db.SyncEvent{
			At:      now,
			Level:   "warn",
			Message: fmt.Sprintf("registry unavailable %d time(s), paused and retried", n),
		})
	}

	return events
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
