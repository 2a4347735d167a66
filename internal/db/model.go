package db

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// TenderModel is one procurement process published by the registry. The registry's
// control number is the natural key; re-imports update the same row.
type TenderModel struct {
	bun.BaseModel `bun:"table:tenders,alias:t"`

	Id            int64  `bun:"id,pk,autoincrement"`
	ControlNumber string `bun:"control_number,unique,notnull"`

	OrganId        string `bun:"organ_id"`
	OrganName      string `bun:"organ_name"`
	Power          string `bun:"power"`
	Sphere         string `bun:"sphere"`
	PurchaseYear   int    `bun:"purchase_year"`
	PurchaseSeq    int    `bun:"purchase_seq"`
	PurchaseNumber string `bun:"purchase_number"`
	ProcessNumber  string `bun:"process_number"`

	ObjectDescription string `bun:"object_description"`
	SupplementaryInfo string `bun:"supplementary_info"`

	Situation         string `bun:"situation"`
	ModalityId        int    `bun:"modality_id"`
	ModalityName      string `bun:"modality_name"`
	DisputeModeId     int    `bun:"dispute_mode_id"`
	DisputeModeName   string `bun:"dispute_mode_name"`
	JudgmentCriterion int    `bun:"judgment_criterion"`

	InstrumentTypeCode int    `bun:"instrument_type_code"`
	InstrumentTypeName string `bun:"instrument_type_name"`

	EstimatedValue   float64  `bun:"estimated_value"`
	HomologatedValue *float64 `bun:"homologated_value"`

	PublishedAt       *time.Time `bun:"published_at"`
	ProposalOpensAt   *time.Time `bun:"proposal_opens_at"`
	ProposalClosesAt  *time.Time `bun:"proposal_closes_at"`
	IncludedAt        *time.Time `bun:"included_at"`
	UpstreamUpdatedAt *time.Time `bun:"upstream_updated_at"`

	OriginSystemLink      string `bun:"origin_system_link"`
	ElectronicProcessLink string `bun:"electronic_process_link"`

	Srp bool `bun:"srp"`

	StateCode        string `bun:"state_code"`
	StateName        string `bun:"state_name"`
	MunicipalityName string `bun:"municipality_name"`
	MunicipalityCode string `bun:"municipality_code"`
	UnitCode         string `bun:"unit_code"`
	UnitName         string `bun:"unit_name"`

	LegalBasisCode        string `bun:"legal_basis_code"`
	LegalBasisName        string `bun:"legal_basis_name"`
	LegalBasisDescription string `bun:"legal_basis_description"`

	// verbatim upstream payloads, kept for forward compatibility
	RawJson          json.RawMessage `bun:"raw_json,type:jsonb"`
	RawItemsJson     json.RawMessage `bun:"raw_items_json,type:jsonb"`
	RawDocumentsJson json.RawMessage `bun:"raw_documents_json,type:jsonb"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// TenderItemModel is one line item of a tender, unique per (tender, item number).
type TenderItemModel struct {
	bun.BaseModel `bun:"table:tender_items,alias:ti"`

	Id         int64 `bun:"id,pk,autoincrement"`
	TenderId   int64 `bun:"tender_id,notnull"`
	ItemNumber int   `bun:"item_number,notnull"`

	Description        string  `bun:"description"`
	Quantity           float64 `bun:"quantity"`
	Unit               string  `bun:"unit"`
	UnitEstimatedValue float64 `bun:"unit_estimated_value"`
	TotalEstimated     float64 `bun:"total_estimated_value"`

	CatalogCode        string `bun:"catalog_code"`
	CatalogDescription string `bun:"catalog_description"`
	Situation          string `bun:"situation"`

	MaterialOrService     string `bun:"material_or_service"`
	MaterialOrServiceName string `bun:"material_or_service_name"`
	JudgmentCriterionId   int    `bun:"judgment_criterion_id"`
	JudgmentCriterionName string `bun:"judgment_criterion_name"`
	BenefitTypeId         int    `bun:"benefit_type_id"`
	BenefitTypeName       string `bun:"benefit_type_name"`
	CategoryId            int    `bun:"category_id"`
	CategoryName          string `bun:"category_name"`
	SealedBudget          bool   `bun:"sealed_budget"`
	NcmNbsCode            string `bun:"ncm_nbs_code"`
	NcmNbsDescription     string `bun:"ncm_nbs_description"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// TenderDocumentModel is one attachment of a tender, unique per (tender, document sequence).
type TenderDocumentModel struct {
	bun.BaseModel `bun:"table:tender_documents,alias:td"`

	Id               int64 `bun:"id,pk,autoincrement"`
	TenderId         int64 `bun:"tender_id,notnull"`
	DocumentSequence int   `bun:"document_sequence,notnull"`

	Title                   string     `bun:"title"`
	DocumentTypeId          int        `bun:"document_type_id"`
	DocumentTypeName        string     `bun:"document_type_name"`
	DocumentTypeDescription string     `bun:"document_type_description"`
	Url                     string     `bun:"url,notnull"`
	PublishedAt             *time.Time `bun:"published_at"`
	Active                  bool       `bun:"active,default:true"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Sync run lifecycle. A run is terminal once completed or failed.
const (
	SyncStatusQueued    = "queued"
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

const (
	SyncKindManual    = "manual"
	SyncKindScheduled = "scheduled"
	SyncKindBatch     = "batch"
)

// SyncEvent is one entry of a run's append-only event log.
type SyncEvent struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// SyncRunModel tracks one import execution and its outcomes.
type SyncRunModel struct {
	bun.BaseModel `bun:"table:sync_runs,alias:sr"`

	Id     int64  `bun:"id,pk,autoincrement"`
	Kind   string `bun:"kind,notnull"`
	Status string `bun:"status,notnull,default:'queued'"`

	DateFrom time.Time `bun:"date_from,type:date,notnull"`
	DateTo   time.Time `bun:"date_to,type:date,notnull"`
	OrganId  string    `bun:"organ_id"`

	TotalPages  int `bun:"total_pages,default:0"`
	CurrentPage int `bun:"current_page,default:0"`
	PageSize    int `bun:"page_size,default:50"`

	Imported   int `bun:"total_imported,default:0"`
	Duplicates int `bun:"total_duplicates,default:0"`
	Errored    int `bun:"total_errors,default:0"`

	ErrorMessage string `bun:"error_message"`

	BatchId string `bun:"batch_id"`
	JobId   string `bun:"job_id"`

	Events []SyncEvent `bun:"events,type:jsonb"`

	StartedAt  *time.Time `bun:"started_at"`
	FinishedAt *time.Time `bun:"finished_at"`
	CreatedAt  time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Terminal reports whether the run reached a final status.
func (m *SyncRunModel) Terminal() bool {
	return m.Status == SyncStatusCompleted || m.Status == SyncStatusFailed
}
