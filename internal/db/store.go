package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/uptrace/bun"
)

// Store wraps a bun connection with the pipeline's write operations. Every write
// keyed on a natural key is an upsert, so re-imports are idempotent.
type Store struct {
	conn bun.IDB
}

func NewStore(conn bun.IDB) *Store {
	return &Store{conn: conn}
}

// UpsertTender inserts a tender or refreshes the mutable fields of an existing row
// with the same control number. Reports whether an existing row was updated.
func (s *Store) UpsertTender(ctx context.Context, tender *TenderModel) (updated bool, err error) {
	err = s.conn.NewInsert().Model(tender).
		On("CONFLICT (control_number) DO UPDATE").
		Set("organ_name = EXCLUDED.organ_name").
		Set("situation = EXCLUDED.situation").
		Set("modality_id = EXCLUDED.modality_id").
		Set("modality_name = EXCLUDED.modality_name").
		Set("object_description = EXCLUDED.object_description").
		Set("supplementary_info = EXCLUDED.supplementary_info").
		Set("estimated_value = EXCLUDED.estimated_value").
		Set("homologated_value = EXCLUDED.homologated_value").
		Set("published_at = EXCLUDED.published_at").
		Set("proposal_opens_at = EXCLUDED.proposal_opens_at").
		Set("proposal_closes_at = EXCLUDED.proposal_closes_at").
		Set("upstream_updated_at = EXCLUDED.upstream_updated_at").
		Set("origin_system_link = EXCLUDED.origin_system_link").
		Set("electronic_process_link = EXCLUDED.electronic_process_link").
		Set("raw_json = EXCLUDED.raw_json").
		Set("updated_at = now()").
		Returning("id, (xmax <> 0)").
		Scan(ctx, &tender.Id, &updated)

	return updated, err
}

// UpsertTenderItem inserts or refreshes one line item keyed on (tender, item number).
func (s *Store) UpsertTenderItem(ctx context.Context, item *TenderItemModel) error {
	_, err := s.conn.NewInsert().Model(item).
		On("CONFLICT (tender_id, item_number) DO UPDATE").
		Set("description = EXCLUDED.description").
		Set("quantity = EXCLUDED.quantity").
		Set("unit = EXCLUDED.unit").
		Set("unit_estimated_value = EXCLUDED.unit_estimated_value").
		Set("total_estimated_value = EXCLUDED.total_estimated_value").
		Set("situation = EXCLUDED.situation").
		Set("updated_at = now()").
		Exec(ctx)

	return err
}

// UpsertTenderDocument inserts or refreshes one attachment keyed on (tender, sequence).
func (s *Store) UpsertTenderDocument(ctx context.Context, doc *TenderDocumentModel) error {
	_, err := s.conn.NewInsert().Model(doc).
		On("CONFLICT (tender_id, document_sequence) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("url = EXCLUDED.url").
		Set("active = EXCLUDED.active").
		Set("published_at = EXCLUDED.published_at").
		Set("updated_at = now()").
		Exec(ctx)

	return err
}

// SetTenderRawItems stores the verbatim items payload on the tender row.
func (s *Store) SetTenderRawItems(ctx context.Context, tenderId int64, raw json.RawMessage) error {
	_, err := s.conn.NewUpdate().Model((*TenderModel)(nil)).
		Set("raw_items_json = ?", string(raw)).
		Set("updated_at = now()").
		Where("id = ?", tenderId).
		Exec(ctx)

	return err
}

// SetTenderRawDocuments stores the verbatim documents payload on the tender row.
func (s *Store) SetTenderRawDocuments(ctx context.Context, tenderId int64, raw json.RawMessage) error {
	_, err := s.conn.NewUpdate().Model((*TenderModel)(nil)).
		Set("raw_documents_json = ?", string(raw)).
		Set("updated_at = now()").
		Where("id = ?", tenderId).
		Exec(ctx)

	return err
}

func (s *Store) CreateSyncRun(ctx context.Context, run *SyncRunModel) error {
	_, err := s.conn.NewInsert().Model(run).Exec(ctx)

	return err
}

// MarkSyncRunRunning moves a run to running on worker pickup. A completed run
// stays completed; a failed run may be picked up again by a later queue attempt.
func (s *Store) MarkSyncRunRunning(ctx context.Context, id int64) error {
	_, err := s.conn.NewUpdate().Model((*SyncRunModel)(nil)).
		Set("status = ?", SyncStatusRunning).
		Set("started_at = coalesce(started_at, now())").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status <> ?", SyncStatusCompleted).
		Exec(ctx)

	return err
}

// SyncProgress is the per-page progress snapshot folded into a run.
type SyncProgress struct {
	CurrentPage int
	TotalPages  int
	Imported    int
	Duplicates  int
	Errored     int
	Events      []SyncEvent
}

// UpdateSyncRunProgress persists pagination progress and running counters after a
// processed page, appending any noteworthy events to the run's log.
func (s *Store) UpdateSyncRunProgress(ctx context.Context, id int64, p SyncProgress) error {
	q := s.conn.NewUpdate().Model((*SyncRunModel)(nil)).
		Set("current_page = ?", p.CurrentPage).
		Set("total_pages = ?", p.TotalPages).
		Set("total_imported = ?", p.Imported).
		Set("total_duplicates = ?", p.Duplicates).
		Set("total_errors = ?", p.Errored).
		Set("updated_at = now()").
		Where("id = ?", id)

	if len(p.Events) > 0 {
		b, err := json.Marshal(p.Events)
		if err != nil {
			return err
		}
		q = q.Set("events = coalesce(events, '[]'::jsonb) || ?::jsonb", string(b))
	}

	_, err := q.Exec(ctx)

	return err
}

// FinishSyncRun moves a run to a terminal status.
func (s *Store) FinishSyncRun(ctx context.Context, id int64, status string, errorMessage string) error {
	_, err := s.conn.NewUpdate().Model((*SyncRunModel)(nil)).
		Set("status = ?", status).
		Set("error_message = ?", errorMessage).
		Set("finished_at = now()").
		Set("updated_at = now()").
		Where("id = ?", id).
		Where("status <> ?", SyncStatusCompleted).
		Exec(ctx)

	return err
}

func (s *Store) SetSyncRunJobId(ctx context.Context, id int64, jobId string) error {
	_, err := s.conn.NewUpdate().Model((*SyncRunModel)(nil)).
		Set("job_id = ?", jobId).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)

	return err
}

func (s *Store) GetSyncRun(ctx context.Context, id int64) (*SyncRunModel, error) {
	run := new(SyncRunModel)
	err := s.conn.NewSelect().Model(run).Where("sr.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return run, err
}

// ActiveSyncRun returns the most recent running run, or nil when none is active.
func (s *Store) ActiveSyncRun(ctx context.Context) (*SyncRunModel, error) {
	run := new(SyncRunModel)
	err := s.conn.NewSelect().Model(run).
		Where("status = ?", SyncStatusRunning).
		Order("started_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return run, nil
}

func (s *Store) LatestSyncRun(ctx context.Context) (*SyncRunModel, error) {
	run := new(SyncRunModel)
	err := s.conn.NewSelect().Model(run).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return run, nil
}

// SyncRunsByBatch returns the daily shards of one partitioned import.
func (s *Store) SyncRunsByBatch(ctx context.Context, batchId string) (runs []*SyncRunModel, err error) {
	err = s.conn.NewSelect().Model(&runs).
		Where("batch_id = ?", batchId).
		Order("date_from").
		Scan(ctx)

	return runs, err
}

// ResetTables creates the pipeline's tables when missing. Intended for fresh
// environments and tests; production schemas are managed by migrations.
func (s *Store) ResetTables(ctx context.Context) error {
	models := []interface{}{
		(*TenderModel)(nil),
		(*TenderItemModel)(nil),
		(*TenderDocumentModel)(nil),
		(*SyncRunModel)(nil),
	}

	for _, m := range models {
		if _, err := s.conn.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	return nil
}
