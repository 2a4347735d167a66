package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"

	"github.com/opentenders/registry-sync/internal/db"
	"github.com/opentenders/registry-sync/internal/registry"
)

type fakeStore struct {
	mu sync.Mutex

	seen        map[string]bool
	failOn      map[string]error
	items       []*db.TenderItemModel
	documents   []*db.TenderDocumentModel
	rawItems    map[int64]json.RawMessage
	rawDocs     map[int64]json.RawMessage
	nextId      int64
	idByControl map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seen:        make(map[string]bool),
		failOn:      make(map[string]error),
		rawItems:    make(map[int64]json.RawMessage),
		rawDocs:     make(map[int64]json.RawMessage),
		idByControl: make(map[string]int64),
	}
}

func (s *fakeStore) UpsertTender(_ context.Context, tender *db.TenderModel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failOn[tender.ControlNumber]; err != nil {
		return false, err
	}

	if id, ok := s.idByControl[tender.ControlNumber]; ok {
		tender.Id = id
		return true, nil
	}

	s.nextId++
	tender.Id = s.nextId
	s.idByControl[tender.ControlNumber] = tender.Id
	return false, nil
}

func (s *fakeStore) UpsertTenderItem(_ context.Context, item *db.TenderItemModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func (s *fakeStore) UpsertTenderDocument(_ context.Context, doc *db.TenderDocumentModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = append(s.documents, doc)
	return nil
}

func (s *fakeStore) SetTenderRawItems(_ context.Context, tenderId int64, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawItems[tenderId] = raw
	return nil
}

func (s *fakeStore) SetTenderRawDocuments(_ context.Context, tenderId int64, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawDocs[tenderId] = raw
	return nil
}

type fakeRegistry struct {
	items    []registry.TenderItem
	docs     []registry.TenderDocument
	itemsErr error
	docsErr  error
}

func (r *fakeRegistry) FetchItems(context.Context, string, int, int) ([]registry.TenderItem, json.RawMessage, error) {
	if r.itemsErr != nil {
		return nil, nil, r.itemsErr
	}
	if len(r.items) == 0 {
		return nil, nil, nil
	}
	raw, _ := json.Marshal(r.items)
	return r.items, raw, nil
}

func (r *fakeRegistry) FetchDocuments(context.Context, string, int, int) ([]registry.TenderDocument, json.RawMessage, error) {
	if r.docsErr != nil {
		return nil, nil, r.docsErr
	}
	if len(r.docs) == 0 {
		return nil, nil, nil
	}
	raw, _ := json.Marshal(r.docs)
	return r.docs, raw, nil
}

func rawTender(controlNumber string) json.RawMessage {
	payload := fmt.Sprintf(
		`{"controlNumber":%q,"purchaseYear":2026,"purchaseSequence":7,"organ":{"id":"123","name":"City Hall"}}`,
		controlNumber)
	return json.RawMessage(payload)
}

func TestImportPageClassifiesOutcomes(t *testing.T) {
	store := newFakeStore()
	store.idByControl["dup-1"] = 99 // previously imported

	imp := New(store, &fakeRegistry{}, NewLimiter(4))

	page := []json.RawMessage{
		rawTender("new-1"),
		rawTender("dup-1"),
		json.RawMessage(`{"purchaseYear":2026}`), // no natural key
	}

	result, err := imp.ImportPage(context.Background(), page)
	if err != nil {
		t.Fatalf("ImportPage() error = %v", err)
	}

	if result.Imported != 1 || result.Duplicates != 1 || result.Errored != 1 {
		t.Errorf("ImportPage() = %+v, want imported=1 duplicates=1 errored=1", result)
	}
	if result.Processed != 3 {
		t.Errorf("Processed = %d, want 3", result.Processed)
	}
}

func TestImportPageIsolatesSingleFailure(t *testing.T) {
	store := newFakeStore()
	imp := New(store, &fakeRegistry{}, NewLimiter(16))

	page := make([]json.RawMessage, 50)
	for i := range page {
		page[i] = rawTender(fmt.Sprintf("t-%02d", i))
	}
	store.failOn["t-24"] = errors.New("row rejected")

	result, err := imp.ImportPage(context.Background(), page)
	if err != nil {
		t.Fatalf("ImportPage() error = %v", err)
	}

	if result.Errored != 1 {
		t.Errorf("Errored = %d, want 1", result.Errored)
	}
	if result.Imported != 49 {
		t.Errorf("Imported = %d, want 49", result.Imported)
	}
}

func TestImportPageStoreOutageIsFatal(t *testing.T) {
	store := newFakeStore()
	store.failOn["t-1"] = fmt.Errorf("write: %w", ErrStoreUnavailable)

	imp := New(store, &fakeRegistry{}, NewLimiter(4))

	result, err := imp.ImportPage(context.Background(), []json.RawMessage{rawTender("t-1")})
	if err == nil {
		t.Fatal("ImportPage() error = nil, want store-unavailable to escape")
	}
	if result.Errored != 1 {
		t.Errorf("Errored = %d, want 1", result.Errored)
	}
}

func TestStoreDialFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.failOn["t-1"] = fmt.Errorf("upsert tender: %w", &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: syscall.ECONNREFUSED,
	})

	imp := New(store, &fakeRegistry{}, NewLimiter(4))

	_, err := imp.ImportPage(context.Background(), []json.RawMessage{rawTender("t-1")})
	if err == nil {
		t.Fatal("ImportPage() error = nil, want a dead database to escape")
	}
}

func TestDeepFetchFailuresAreIndependent(t *testing.T) {
	store := newFakeStore()
	reg := &fakeRegistry{
		itemsErr: errors.New("items endpoint down"),
		docs: []registry.TenderDocument{
			{DocumentSequence: 1, Title: "notice", Url: "https://example.org/d/1"},
		},
	}

	imp := New(store, reg, NewLimiter(4))

	result, err := imp.ImportPage(context.Background(), []json.RawMessage{rawTender("t-1")})
	if err != nil {
		t.Fatalf("ImportPage() error = %v", err)
	}

	// items failing must not block the tender or its documents
	if result.Imported != 1 {
		t.Errorf("Imported = %d, want 1", result.Imported)
	}
	if len(store.documents) != 1 {
		t.Errorf("stored %d documents, want 1", len(store.documents))
	}
	if len(store.rawDocs) != 1 {
		t.Errorf("stored %d raw document payloads, want 1", len(store.rawDocs))
	}
}

func TestDeepFetchStoresItemsAndRawPayload(t *testing.T) {
	store := newFakeStore()
	reg := &fakeRegistry{
		items: []registry.TenderItem{
			{ItemNumber: 1, Description: "laptops", Quantity: 10, UnitEstimatedValue: 3000},
			{ItemNumber: 2, Description: "support", Quantity: 1, TotalEstimated: 12000},
		},
	}

	imp := New(store, reg, NewLimiter(4))

	if _, err := imp.ImportPage(context.Background(), []json.RawMessage{rawTender("t-1")}); err != nil {
		t.Fatalf("ImportPage() error = %v", err)
	}

	if len(store.items) != 2 {
		t.Fatalf("stored %d items, want 2", len(store.items))
	}

	// total derived from quantity when the registry omits it
	if store.items[0].TotalEstimated != 30000 {
		t.Errorf("TotalEstimated = %v, want 30000", store.items[0].TotalEstimated)
	}
	if len(store.rawItems) != 1 {
		t.Errorf("stored %d raw item payloads, want 1", len(store.rawItems))
	}
}

func TestImportPageEmpty(t *testing.T) {
	imp := New(newFakeStore(), &fakeRegistry{}, NewLimiter(4))

	result, err := imp.ImportPage(context.Background(), nil)
	if err != nil {
		t.Fatalf("ImportPage() error = %v", err)
	}
	if result != (PageResult{}) {
		t.Errorf("ImportPage() = %+v, want zero result", result)
	}
}
