package importer

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/opentenders/registry-sync/internal/db"
	"github.com/opentenders/registry-sync/internal/log"
	"github.com/opentenders/registry-sync/internal/registry"
)

// Registry is the subset of the registry client the importer needs for
// sub-resource deep fetches.
type Registry interface {
	FetchItems(ctx context.Context, organId string, year int, sequence int) ([]registry.TenderItem, json.RawMessage, error)
	FetchDocuments(ctx context.Context, organId string, year int, sequence int) ([]registry.TenderDocument, json.RawMessage, error)
}

// TenderStore is the subset of the relational store the importer writes through.
type TenderStore interface {
	UpsertTender(ctx context.Context, tender *db.TenderModel) (updated bool, err error)
	UpsertTenderItem(ctx context.Context, item *db.TenderItemModel) error
	UpsertTenderDocument(ctx context.Context, doc *db.TenderDocumentModel) error
	SetTenderRawItems(ctx context.Context, tenderId int64, raw json.RawMessage) error
	SetTenderRawDocuments(ctx context.Context, tenderId int64, raw json.RawMessage) error
}

// PageResult is the per-outcome tally of one processed list page.
type PageResult struct {
	Imported   int
	Duplicates int
	Errored    int
	Processed  int
}

// ErrStoreUnavailable aborts the current attempt; the queue's retry policy owns
// what happens next.
var ErrStoreUnavailable = errors.New("importer: store unavailable")

// Importer turns one page of raw list entries into upserted tender rows plus
// their items and documents. One tender's failure never aborts the page.
type Importer struct {
	store    TenderStore
	registry Registry
	limiter  *Limiter
}

func New(store TenderStore, reg Registry, limiter *Limiter) *Importer {
	return &Importer{
		store:    store,
		registry: reg,
		limiter:  limiter,
	}
}

// ImportPage processes every tender of a fetched list page under the concurrency
// limiter and reports per-outcome counts. A store outage is the only error that
// escapes; anything tender-scoped is folded into the counters.
func (im *Importer) ImportPage(ctx context.Context, items []json.RawMessage) (PageResult, error) {
	logger := log.GetLogger()

	type outcome int
	const (
		outcomeImported outcome = iota
		outcomeDuplicate
		outcomeError
	)

	outcomes := make([]outcome, len(items))
	fatal := make([]error, len(items))

	var wg sync.WaitGroup
	for i, raw := range items {
		i, raw := i, raw
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := im.limiter.Run(ctx, func() {
				updated, err := im.importTender(ctx, raw)
				switch {
				case err == nil && updated:
					outcomes[i] = outcomeDuplicate
				case err == nil:
					outcomes[i] = outcomeImported
				case storeUnavailable(err):
					outcomes[i] = outcomeError
					fatal[i] = err
				default:
					outcomes[i] = outcomeError
					logger.WithError(err).Warn("tender import failed")
				}
			})
			if err != nil {
				// cancelled while queued for a permit
				outcomes[i] = outcomeError
				fatal[i] = err
			}
		}()
	}
	wg.Wait()

	var result PageResult
	result.Processed = len(items)
	for _, o := range outcomes {
		switch o {
		case outcomeImported:
			result.Imported++
		case outcomeDuplicate:
			result.Duplicates++
		case outcomeError:
			result.Errored++
		}
	}

	for _, err := range fatal {
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// importTender upserts the core record and deep-fetches its sub-resources.
// Reports whether the natural key already existed (a duplicate for reporting).
func (im *Importer) importTender(ctx context.Context, raw json.RawMessage) (updated bool, err error) {
	var tender registry.Tender
	if err := json.Unmarshal(raw, &tender); err != nil {
		return false, err
	}

	if tender.ControlNumber == "" {
		return false, errors.New("tender without a control number")
	}

	model := tenderModel(&tender, raw)
	updated, err = im.store.UpsertTender(ctx, model)
	if err != nil {
		return false, err
	}

	im.deepFetch(ctx, model.Id, &tender)

	return updated, nil
}

// deepFetch pulls a tender's items and documents concurrently. The two calls are
// independent: one failing must not keep the other from being stored. Failures
// degrade completeness, not correctness, so they are logged and swallowed.
func (im *Importer) deepFetch(ctx context.Context, tenderId int64, tender *registry.Tender) {
	if tender.Organ.Id == "" || tender.PurchaseYear == 0 || tender.PurchaseSeq == 0 {
		log.GetLogger().WithField("ControlNumber", tender.ControlNumber).
			Warn("tender lacks organ/year/sequence, skipping deep fetch")
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := im.storeItems(ctx, tenderId, tender); err != nil {
			log.GetLogger().WithError(err).WithField("ControlNumber", tender.ControlNumber).
				Warn("fetching tender items failed")
		}
	}()

	go func() {
		defer wg.Done()
		if err := im.storeDocuments(ctx, tenderId, tender); err != nil {
			log.GetLogger().WithError(err).WithField("ControlNumber", tender.ControlNumber).
				Warn("fetching tender documents failed")
		}
	}()

	wg.Wait()
}

func (im *Importer) storeItems(ctx context.Context, tenderId int64, tender *registry.Tender) error {
	items, raw, err := im.registry.FetchItems(ctx, tender.Organ.Id, tender.PurchaseYear, tender.PurchaseSeq)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	if err := im.store.SetTenderRawItems(ctx, tenderId, raw); err != nil {
		return err
	}

	logger := log.GetLogger()
	for i := range items {
		if err := im.store.UpsertTenderItem(ctx, itemModel(tenderId, &items[i])); err != nil {
			logger.WithError(err).WithField("ItemNumber", items[i].ItemNumber).
				Warn("saving tender item failed")
		}
	}

	return nil
}

func (im *Importer) storeDocuments(ctx context.Context, tenderId int64, tender *registry.Tender) error {
	docs, raw, err := im.registry.FetchDocuments(ctx, tender.Organ.Id, tender.PurchaseYear, tender.PurchaseSeq)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	if err := im.store.SetTenderRawDocuments(ctx, tenderId, raw); err != nil {
		return err
	}

	logger := log.GetLogger()
	for i := range docs {
		if err := im.store.UpsertTenderDocument(ctx, documentModel(tenderId, &docs[i])); err != nil {
			logger.WithError(err).WithField("Title", docs[i].Title).
				Warn("saving tender document failed")
		}
	}

	return nil
}

func storeUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, ErrStoreUnavailable) {
		return true
	}

	// pgdriver surfaces a down database as a dial or read error, not ErrBadConn
	var netErr *net.OpError
	return errors.As(err, &netErr)
}

func tenderModel(t *registry.Tender, raw json.RawMessage) *db.TenderModel {
	return &db.TenderModel{
		ControlNumber:  t.ControlNumber,
		OrganId:        t.Organ.Id,
		OrganName:      t.Organ.Name,
		Power:          t.Organ.Power,
		Sphere:         t.Organ.Sphere,
		PurchaseYear:   t.PurchaseYear,
		PurchaseSeq:    t.PurchaseSeq,
		PurchaseNumber: t.PurchaseNumber,
		ProcessNumber:  t.ProcessNumber,

		ObjectDescription: t.ObjectDescription,
		SupplementaryInfo: t.SupplementaryInfo,

		Situation:         t.Situation,
		ModalityId:        t.ModalityId,
		ModalityName:      t.ModalityName,
		DisputeModeId:     t.DisputeModeId,
		DisputeModeName:   t.DisputeModeName,
		JudgmentCriterion: t.JudgmentCriterion,

		InstrumentTypeCode: t.InstrumentTypeCode,
		InstrumentTypeName: t.InstrumentTypeName,

		EstimatedValue:   t.EstimatedValue,
		HomologatedValue: t.HomologatedValue,

		PublishedAt:       t.PublishedAt,
		ProposalOpensAt:   t.ProposalOpensAt,
		ProposalClosesAt:  t.ProposalClosesAt,
		IncludedAt:        t.IncludedAt,
		UpstreamUpdatedAt: t.UpstreamUpdatedAt,

		OriginSystemLink:      t.OriginSystemLink,
		ElectronicProcessLink: t.ElectronicProcessLink,

		Srp: t.Srp,

		StateCode:        t.Unit.StateCode,
		StateName:        t.Unit.StateName,
		MunicipalityName: t.Unit.MunicipalityName,
		MunicipalityCode: t.Unit.MunicipalityCode,
		UnitCode:         t.Unit.UnitCode,
		UnitName:         t.Unit.UnitName,

		LegalBasisCode:        t.LegalBasis.Code,
		LegalBasisName:        t.LegalBasis.Name,
		LegalBasisDescription: t.LegalBasis.Description,

		RawJson: raw,
	}
}

func itemModel(tenderId int64, item *registry.TenderItem) *db.TenderItemModel {
	unit := item.Unit
	if unit == "" {
		unit = "UN"
	}

	total := item.TotalEstimated
	if total == 0 {
		total = item.Quantity * item.UnitEstimatedValue
	}

	return &db.TenderItemModel{
		TenderId:   tenderId,
		ItemNumber: item.ItemNumber,

		Description:        item.Description,
		Quantity:           item.Quantity,
		Unit:               unit,
		UnitEstimatedValue: item.UnitEstimatedValue,
		TotalEstimated:     total,

		CatalogCode:        item.CatalogCode,
		CatalogDescription: item.CatalogDescription,
		Situation:          item.Situation,

		MaterialOrService:     item.MaterialOrService,
		MaterialOrServiceName: item.MaterialOrServiceName,
		JudgmentCriterionId:   item.JudgmentCriterionId,
		JudgmentCriterionName: item.JudgmentCriterionName,
		BenefitTypeId:         item.BenefitTypeId,
		BenefitTypeName:       item.BenefitTypeName,
		CategoryId:            item.CategoryId,
		CategoryName:          item.CategoryName,
		SealedBudget:          item.SealedBudget,
		NcmNbsCode:            item.NcmNbsCode,
		NcmNbsDescription:     item.NcmNbsDescription,
	}
}

func documentModel(tenderId int64, doc *registry.TenderDocument) *db.TenderDocumentModel {
	active := true
	if doc.Active != nil {
		active = *doc.Active
	}

	return &db.TenderDocumentModel{
		TenderId:         tenderId,
		DocumentSequence: doc.DocumentSequence,

		Title:                   doc.Title,
		DocumentTypeId:          doc.DocumentTypeId,
		DocumentTypeName:        doc.DocumentTypeName,
		DocumentTypeDescription: doc.DocumentTypeDescription,
		Url:                     doc.Url,
		PublishedAt:             doc.PublishedAt,
		Active:                  active,
	}
}
