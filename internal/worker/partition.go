package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opentenders/registry-sync/internal/db"
	"github.com/opentenders/registry-sync/internal/log"
	"github.com/opentenders/registry-sync/internal/queue"
	"github.com/opentenders/registry-sync/internal/util"
)

const (
	// maxRangeDays bounds one import request to a year of daily shards.
	maxRangeDays = 365
	// staggerStep delays each queued daily job a little more than the previous
	// one so submission does not burst against the registry's rate limit.
	staggerStep = 2 * time.Second
)

// Default modality filter: the two procurement methods the platform tracks.
var defaultModalities = []int{8, 6}

var (
	ErrInvalidRange  = errors.New("end date must not precede start date")
	ErrRangeTooLong  = fmt.Errorf("date range is limited to %d days", maxRangeDays)
	ErrImportRunning = errors.New("an import is already running")
)

// ImportRequest is the operator-facing description of one import.
type ImportRequest struct {
	DateFrom   time.Time
	DateTo     time.Time
	Modalities []int
	OrganId    string
	MaxPages   int
	PageSize   int
}

func (r *ImportRequest) modalities() []int {
	if len(r.Modalities) == 0 {
		return defaultModalities
	}

	return r.Modalities
}

// BatchReceipt reports what a partitioned import request produced.
type BatchReceipt struct {
	BatchId    string
	SyncRunIds []int64
}

// SyncRunStore is the persistence surface the partitioner and status reads use.
type SyncRunStore interface {
	RunStore
	CreateSyncRun(ctx context.Context, run *db.SyncRunModel) error
	SetSyncRunJobId(ctx context.Context, id int64, jobId string) error
	GetSyncRun(ctx context.Context, id int64) (*db.SyncRunModel, error)
	ActiveSyncRun(ctx context.Context) (*db.SyncRunModel, error)
	SyncRunsByBatch(ctx context.Context, batchId string) ([]*db.SyncRunModel, error)
}

// Enqueuer is the queue surface batch submission needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.ImportJob, delay time.Duration) error
}

// Service is the operator-facing coordination layer: it partitions import
// requests into daily jobs, runs the synchronous manual path, and serves
// status snapshots.
type Service struct {
	store  SyncRunStore
	queue  Enqueuer
	worker *Worker
}

func NewService(store SyncRunStore, q Enqueuer, w *Worker) *Service {
	return &Service{
		store:  store,
		queue:  q,
		worker: w,
	}
}

// RequestImport splits the requested range into one SyncRun and one queued job
// per calendar day. Per-day sharding bounds the pagination depth of any single
// run and lets a failed day be retried without re-running the rest of the range.
func (s *Service) RequestImport(ctx context.Context, req ImportRequest) (*BatchReceipt, error) {
	days := util.DaysBetween(req.DateFrom, req.DateTo)
	if days == 0 {
		return nil, ErrInvalidRange
	}
	if days > maxRangeDays {
		return nil, ErrRangeTooLong
	}

	logger := log.GetLogger()
	batchId := uuid.New().String()

	receipt := &BatchReceipt{BatchId: batchId}

	var enqueueErr error
	queued := 0
	util.EachDay(req.DateFrom, req.DateTo, func(day time.Time) {
		if enqueueErr != nil {
			return
		}

		run := &db.SyncRunModel{
			Kind:     db.SyncKindBatch,
			Status:   db.SyncStatusQueued,
			DateFrom: day,
			DateTo:   day,
			OrganId:  req.OrganId,
			PageSize: req.PageSize,
			BatchId:  batchId,
		}
		if err := s.store.CreateSyncRun(ctx, run); err != nil {
			enqueueErr = err
			return
		}

		job := &queue.ImportJob{
			Id:         queue.JobId(run.Id),
			SyncRunId:  run.Id,
			DateFrom:   day,
			DateTo:     day,
			OrganId:    req.OrganId,
			Modalities: req.modalities(),
			MaxPages:   req.MaxPages,
			PageSize:   req.PageSize,
			Checkpoint: queue.Checkpoint{Page: 1},
		}

		err := s.queue.Enqueue(ctx, job, time.Duration(queued)*staggerStep)
		if err != nil && !errors.Is(err, queue.ErrJobExists) {
			enqueueErr = err
			return
		}

		if err := s.store.SetSyncRunJobId(ctx, run.Id, job.Id); err != nil {
			enqueueErr = err
			return
		}

		receipt.SyncRunIds = append(receipt.SyncRunIds, run.Id)
		queued++
	})
	if enqueueErr != nil {
		return nil, enqueueErr
	}

	logger.WithField("BatchId", batchId).
		WithField("Jobs", queued).
		Info("queued daily import jobs")

	return receipt, nil
}

// StartManualImport runs one synchronous, non-partitioned import. Only one
// import may be running at a time on this path.
func (s *Service) StartManualImport(ctx context.Context, req ImportRequest) (*db.SyncRunModel, error) {
	days := util.DaysBetween(req.DateFrom, req.DateTo)
	if days == 0 {
		return nil, ErrInvalidRange
	}
	if days > maxRangeDays {
		return nil, ErrRangeTooLong
	}

	active, err := s.store.ActiveSyncRun(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrImportRunning
	}

	run := &db.SyncRunModel{
		Kind:     db.SyncKindManual,
		Status:   db.SyncStatusQueued,
		DateFrom: util.DayStart(req.DateFrom),
		DateTo:   util.DayStart(req.DateTo),
		OrganId:  req.OrganId,
		PageSize: req.PageSize,
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		return nil, err
	}

	job := &queue.ImportJob{
		Id:         queue.JobId(run.Id),
		SyncRunId:  run.Id,
		DateFrom:   run.DateFrom,
		DateTo:     run.DateTo,
		OrganId:    req.OrganId,
		Modalities: req.modalities(),
		MaxPages:   req.MaxPages,
		PageSize:   req.PageSize,
		Checkpoint: queue.Checkpoint{Page: 1},
	}

	if err := s.worker.ProcessJob(ctx, job, noopSink{}); err != nil {
		return nil, err
	}

	return s.store.GetSyncRun(ctx, run.Id)
}
