package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opentenders/registry-sync/internal/db"
	"github.com/opentenders/registry-sync/internal/importer"
	"github.com/opentenders/registry-sync/internal/log"
	"github.com/opentenders/registry-sync/internal/queue"
	"github.com/opentenders/registry-sync/internal/registry"
	"github.com/opentenders/registry-sync/internal/util"
	"github.com/opentenders/registry-sync/internal/worker"
	"github.com/uptrace/bun"
)

func Run(ctx context.Context, connection bun.IDB, config *util.Config) error {
	var (
		enqueue    bool
		manual     bool
		initTables bool
		dateStart  string
		dateEnd    string
		modalities string
		organ      string
		maxPages   int
		statusRun  int64
		batchId    string
	)

	flag.BoolVar(&enqueue, "import", false, "partition a date range into daily jobs and enqueue them")
	flag.BoolVar(&manual, "manual", false, "run one synchronous import instead of enqueuing")
	flag.BoolVar(&initTables, "init", false, "create missing tables before starting")
	flag.StringVar(&dateStart, "date-start", "", "range start (YYYY-MM-DD)")
	flag.StringVar(&dateEnd, "date-end", "", "range end (YYYY-MM-DD), defaults to date-start")
	flag.StringVar(&modalities, "modalities", "", "comma-separated modality codes, e.g. 8,6")
	flag.StringVar(&organ, "organ", "", "optional organ filter")
	flag.IntVar(&maxPages, "max-pages", 0, "page cap per daily job, 0 for no cap")
	flag.Int64Var(&statusRun, "status", 0, "print one sync run's status and exit")
	flag.StringVar(&batchId, "batch", "", "print a batch's aggregate status and exit")
	flag.Parse()

	logger := log.GetLogger()

	store := db.NewStore(connection)

	if initTables {
		if err := store.ResetTables(ctx); err != nil {
			return err
		}
		logger.Info("tables ready")
	}

	client := registry.NewClient(config)

	q, err := queue.New(config)
	if err != nil {
		return err
	}
	defer q.Close()

	limiter := importer.NewLimiter(config.DeepFetchConcurrency.IntValue(16))
	imp := importer.New(store, client, limiter)
	w := worker.NewWorker(q, store, client, imp, config.WorkerConcurrency.IntValue(1))
	service := worker.NewService(store, q, w)

	switch {
	case statusRun != 0:
		run, err := service.GetSyncStatus(ctx, statusRun)
		if err != nil {
			return err
		}
		logger.WithField("Status", run.Status).
			WithField("Page", fmt.Sprintf("%d/%d", run.CurrentPage, run.TotalPages)).
			WithField("Imported", run.Imported).
			WithField("Duplicates", run.Duplicates).
			WithField("Errors", run.Errored).
			Info("sync run status")
		return nil

	case batchId != "":
		status, err := service.GetBatchStatus(ctx, batchId)
		if err != nil {
			return err
		}
		logger.WithField("Runs", len(status.Runs)).
			WithField("Completed", status.Completed).
			WithField("Failed", status.Failed).
			WithField("Imported", status.Imported).
			WithField("Duplicates", status.Duplicates).
			WithField("Errors", status.Errored).
			WithField("Done", status.Done()).
			Info("batch status")
		return nil

	case enqueue, manual:
		req, err := buildRequest(dateStart, dateEnd, modalities, organ, maxPages, config)
		if err != nil {
			return err
		}

		if manual {
			run, err := service.StartManualImport(ctx, *req)
			if err != nil {
				return err
			}
			logger.WithField("SyncRunId", run.Id).
				WithField("Imported", run.Imported).
				WithField("Duplicates", run.Duplicates).
				WithField("Errors", run.Errored).
				Info("manual import finished")
			return nil
		}

		receipt, err := service.RequestImport(ctx, *req)
		if err != nil {
			return err
		}
		logger.WithField("BatchId", receipt.BatchId).
			WithField("Jobs", len(receipt.SyncRunIds)).
			Info("import batch queued")
		return nil

	default:
		w.Run(ctx)
		return nil
	}
}

func buildRequest(dateStart, dateEnd, modalities, organ string, maxPages int, config *util.Config) (*worker.ImportRequest, error) {
	if dateStart == "" {
		return nil, errors.New("date-start is required")
	}

	from, err := time.Parse(time.DateOnly, dateStart)
	if err != nil {
		return nil, fmt.Errorf("parsing date-start: %w", err)
	}

	to := from
	if dateEnd != "" {
		to, err = time.Parse(time.DateOnly, dateEnd)
		if err != nil {
			return nil, fmt.Errorf("parsing date-end: %w", err)
		}
	}

	codes, err := parseModalities(modalities)
	if err != nil {
		return nil, err
	}

	return &worker.ImportRequest{
		DateFrom:   from,
		DateTo:     to,
		Modalities: codes,
		OrganId:    organ,
		MaxPages:   maxPages,
		PageSize:   config.PageSize.IntValue(50),
	}, nil
}

func parseModalities(value string) ([]int, error) {
	if value == "" {
		return nil, nil
	}

	parts := strings.Split(value, ",")
	codes := make([]int, 0, len(parts))
	for _, part := range parts {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid modality %q", part)
		}
		codes = append(codes, code)
	}

	return codes, nil
}
