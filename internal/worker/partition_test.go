package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opentenders/registry-sync/internal/db"
	"github.com/opentenders/registry-sync/internal/queue"
)

// fakeSyncRunStore keeps runs in memory and applies updates by id.
type fakeSyncRunStore struct {
	mu     sync.Mutex
	nextId int64
	runs   map[int64]*db.SyncRunModel
}

func newFakeSyncRunStore() *fakeSyncRunStore {
	return &fakeSyncRunStore{runs: make(map[int64]*db.SyncRunModel)}
}

func (s *fakeSyncRunStore) CreateSyncRun(_ context.Context, run *db.SyncRunModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextId++
	run.Id = s.nextId
	s.runs[run.Id] = run
	return nil
}

func (s *fakeSyncRunStore) SetSyncRunJobId(_ context.Context, id int64, jobId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id].JobId = jobId
	return nil
}

func (s *fakeSyncRunStore) GetSyncRun(_ context.Context, id int64) (*db.SyncRunModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id], nil
}

func (s *fakeSyncRunStore) ActiveSyncRun(context.Context) (*db.SyncRunModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.Status == db.SyncStatusRunning {
			return run, nil
		}
	}
	return nil, nil
}

func (s *fakeSyncRunStore) SyncRunsByBatch(_ context.Context, batchId string) ([]*db.SyncRunModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.SyncRunModel
	for _, run := range s.runs {
		if run.BatchId == batchId {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *fakeSyncRunStore) MarkSyncRunRunning(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id].Status = db.SyncStatusRunning
	return nil
}

func (s *fakeSyncRunStore) UpdateSyncRunProgress(_ context.Context, id int64, p db.SyncProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[id]
	run.CurrentPage = p.CurrentPage
	run.TotalPages = p.TotalPages
	run.Imported = p.Imported
	run.Duplicates = p.Duplicates
	run.Errored = p.Errored
	run.Events = append(run.Events, p.Events...)
	return nil
}

func (s *fakeSyncRunStore) FinishSyncRun(_ context.Context, id int64, status string, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id].Status = status
	s.runs[id].ErrorMessage = errorMessage
	return nil
}

// fakeEnqueuer records queued jobs and their stagger delays.
type fakeEnqueuer struct {
	jobs   []*queue.ImportJob
	delays []time.Duration
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, job *queue.ImportJob, delay time.Duration) error {
	e.jobs = append(e.jobs, job)
	e.delays = append(e.delays, delay)
	return nil
}

func TestRequestImportPartitionsByDay(t *testing.T) {
	store := newFakeSyncRunStore()
	enq := &fakeEnqueuer{}
	service := NewService(store, enq, nil)

	receipt, err := service.RequestImport(context.Background(), ImportRequest{
		DateFrom:   day(1),
		DateTo:     day(3),
		Modalities: []int{8, 6},
		PageSize:   50,
	})
	if err != nil {
		t.Fatalf("RequestImport() error = %v", err)
	}

	if len(receipt.SyncRunIds) != 3 {
		t.Fatalf("created %d runs, want 3", len(receipt.SyncRunIds))
	}
	if len(enq.jobs) != 3 {
		t.Fatalf("queued %d jobs, want 3", len(enq.jobs))
	}

	for i, job := range enq.jobs {
		wantDay := day(1 + i)
		if !job.DateFrom.Equal(wantDay) || !job.DateTo.Equal(wantDay) {
			t.Errorf("job %d covers %v..%v, want single day %v", i, job.DateFrom, job.DateTo, wantDay)
		}
		if len(job.Modalities) != 2 || job.Modalities[0] != 8 || job.Modalities[1] != 6 {
			t.Errorf("job %d modalities = %v, want [8 6]", i, job.Modalities)
		}
		if job.Checkpoint.Page != 1 {
			t.Errorf("job %d starts at page %d, want 1", i, job.Checkpoint.Page)
		}

		// submission is staggered to avoid bursting the registry
		if want := time.Duration(i) * staggerStep; enq.delays[i] != want {
			t.Errorf("job %d delay = %v, want %v", i, enq.delays[i], want)
		}

		run, _ := store.GetSyncRun(context.Background(), job.SyncRunId)
		if run.JobId != job.Id {
			t.Errorf("run %d job reference = %q, want %q", run.Id, run.JobId, job.Id)
		}
		if run.Status != db.SyncStatusQueued {
			t.Errorf("run %d status = %s, want queued", run.Id, run.Status)
		}
	}
}

func TestRequestImportDefaultsModalities(t *testing.T) {
	store := newFakeSyncRunStore()
	enq := &fakeEnqueuer{}
	service := NewService(store, enq, nil)

	if _, err := service.RequestImport(context.Background(), ImportRequest{
		DateFrom: day(1),
		DateTo:   day(1),
	}); err != nil {
		t.Fatalf("RequestImport() error = %v", err)
	}

	if len(enq.jobs) != 1 || len(enq.jobs[0].Modalities) == 0 {
		t.Fatal("job queued without default modalities")
	}
}

func TestRequestImportRejectsBadRanges(t *testing.T) {
	service := NewService(newFakeSyncRunStore(), &fakeEnqueuer{}, nil)

	_, err := service.RequestImport(context.Background(), ImportRequest{
		DateFrom: day(3),
		DateTo:   day(1),
	})
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("inverted range error = %v, want ErrInvalidRange", err)
	}

	_, err = service.RequestImport(context.Background(), ImportRequest{
		DateFrom: day(1),
		DateTo:   day(1).AddDate(1, 0, 5),
	})
	if !errors.Is(err, ErrRangeTooLong) {
		t.Errorf("year-plus range error = %v, want ErrRangeTooLong", err)
	}
}

func TestManualImportRefusedWhileAnotherRuns(t *testing.T) {
	store := newFakeSyncRunStore()
	_ = store.CreateSyncRun(context.Background(), &db.SyncRunModel{
		Kind:   db.SyncKindManual,
		Status: db.SyncStatusRunning,
	})

	service := NewService(store, &fakeEnqueuer{}, nil)

	_, err := service.StartManualImport(context.Background(), ImportRequest{
		DateFrom: day(1),
		DateTo:   day(1),
	})
	if !errors.Is(err, ErrImportRunning) {
		t.Errorf("StartManualImport() error = %v, want ErrImportRunning", err)
	}
}

func TestManualImportRunsSynchronously(t *testing.T) {
	store := newFakeSyncRunStore()
	fetcher := &fakeFetcher{pages: map[int][][]json.RawMessage{
		8: {rawItems(12)},
		6: {},
	}}
	w := testWorker(fetcher, &fakeImporter{}, store)
	service := NewService(store, &fakeEnqueuer{}, w)

	run, err := service.StartManualImport(context.Background(), ImportRequest{
		DateFrom:   day(1),
		DateTo:     day(1),
		Modalities: []int{8, 6},
		PageSize:   50,
	})
	if err != nil {
		t.Fatalf("StartManualImport() error = %v", err)
	}

	if run.Status != db.SyncStatusCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}
	if run.Imported != 12 {
		t.Errorf("run imported = %d, want 12", run.Imported)
	}
}

func TestGetBatchStatusAggregates(t *testing.T) {
	store := newFakeSyncRunStore()
	ctx := context.Background()

	mk := func(status string, imported int) {
		_ = store.CreateSyncRun(ctx, &db.SyncRunModel{
			Kind:     db.SyncKindBatch,
			Status:   status,
			BatchId:  "b-1",
			Imported: imported,
		})
	}
	mk(db.SyncStatusCompleted, 40)
	mk(db.SyncStatusFailed, 5)
	mk(db.SyncStatusQueued, 0)

	service := NewService(store, &fakeEnqueuer{}, nil)

	status, err := service.GetBatchStatus(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetBatchStatus() error = %v", err)
	}

	if status.Completed != 1 || status.Failed != 1 || status.Queued != 1 {
		t.Errorf("batch tallies = %+v, want 1 completed, 1 failed, 1 queued", status)
	}
	if status.Imported != 45 {
		t.Errorf("batch imported = %d, want 45", status.Imported)
	}
	if status.Done() {
		t.Error("Done() = true with a queued shard")
	}
}
