package worker

import (
	"context"
	"fmt"

	"github.com/opentenders/registry-sync/internal/db"
)

// BatchStatus aggregates the daily shards of one partitioned import.
type BatchStatus struct {
	BatchId   string
	Runs      []*db.SyncRunModel
	Queued    int
	Running   int
	Completed int
	Failed    int

	Imported   int
	Duplicates int
	Errored    int
}

// Done reports whether every shard reached a terminal status.
func (b *BatchStatus) Done() bool {
	return b.Queued == 0 && b.Running == 0 && len(b.Runs) > 0
}

// GetSyncStatus returns the current snapshot of one run.
func (s *Service) GetSyncStatus(ctx context.Context, syncRunId int64) (*db.SyncRunModel, error) {
	run, err := s.store.GetSyncRun(ctx, syncRunId)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("sync run %d not found", syncRunId)
	}

	return run, nil
}

// GetBatchStatus returns every shard of a batch with aggregate counters.
func (s *Service) GetBatchStatus(ctx context.Context, batchId string) (*BatchStatus, error) {
	runs, err := s.store.SyncRunsByBatch(ctx, batchId)
	if err != nil {
		return nil, err
	}

	status := &BatchStatus{BatchId: batchId, Runs: runs}
	for _, run := range runs {
		switch run.Status {
		case db.SyncStatusQueued:
			status.Queued++
		case db.SyncStatusRunning:
			status.Running++
		case db.SyncStatusCompleted:
			status.Completed++
		case db.SyncStatusFailed:
			status.Failed++
		}

		status.Imported += run.Imported
		status.Duplicates += run.Duplicates
		status.Errored += run.Errored
	}

	return status, nil
}
