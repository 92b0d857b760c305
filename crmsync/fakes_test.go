package crmsync

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/crmsync_backend/clients"
	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeClient is an in-memory SystemClient. Records live flat (the CRM
// properties fallback in Record.PropString makes that fine for both sides)
// and association edges live both in the edges map and, for rental-shaped
// links, in the record's link fields.
type fakeClient struct {
	mu      sync.Mutex
	tag     string
	objects map[string]map[string]clients.Record
	edges   map[string][]string
	nextId  int

	updateCalls int
	assocCalls  int
	failures    map[string]error
}

func newFakeClient(tag string) *fakeClient {
	return &fakeClient{
		tag:      tag,
		objects:  map[string]map[string]clients.Record{},
		edges:    map[string][]string{},
		nextId:   100,
		failures: map[string]error{},
	}
}

func (f *fakeClient) seed(objectType string, id string, record clients.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects[objectType] == nil {
		f.objects[objectType] = map[string]clients.Record{}
	}
	record["id"] = id
	f.objects[objectType][id] = record
}

func (f *fakeClient) record(objectType string, id string) clients.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[objectType][id]
}

func (f *fakeClient) count(objectType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects[objectType])
}

func edgeKey(fromType, fromId, toType string) string {
	return fromType + "/" + fromId + "|" + toType
}

func (f *fakeClient) OriginTag() string { return f.tag }

func (f *fakeClient) Get(ctx context.Context, objectType string, id string) (clients.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["get:"+objectType]; err != nil {
		return nil, err
	}
	rec, ok := f.objects[objectType][id]
	if !ok {
		return nil, &clients.APIError{System: f.tag, Status: 404, Message: "not found"}
	}
	return rec, nil
}

func (f *fakeClient) Create(ctx context.Context, objectType string, fields clients.Record) (clients.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["create:"+objectType]; err != nil {
		return nil, err
	}
	f.nextId++
	id := strconv.Itoa(f.nextId)
	if f.objects[objectType] == nil {
		f.objects[objectType] = map[string]clients.Record{}
	}
	stored := clients.Record{"id": id}
	for k, v := range fields {
		stored[k] = v
	}
	f.objects[objectType][id] = stored
	return stored, nil
}

func (f *fakeClient) Update(ctx context.Context, objectType string, id string, fields clients.Record) (clients.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	rec, ok := f.objects[objectType][id]
	if !ok {
		return nil, &clients.APIError{System: f.tag, Status: 404, Message: "not found"}
	}
	for k, v := range fields {
		if v == nil {
			delete(rec, k)
			continue
		}
		rec[k] = v
	}
	return rec, nil
}

func (f *fakeClient) Delete(ctx context.Context, objectType string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects[objectType], id)
	return nil
}

func (f *fakeClient) Search(ctx context.Context, objectType string, filters map[string]string) ([]clients.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clients.Record
	for _, rec := range f.objects[objectType] {
		match := true
		for field, value := range filters {
			if rec.String(field) != value {
				match = false
				break
			}
		}
		if match {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeClient) List(ctx context.Context, objectType string, limit int, cursor string) ([]clients.Record, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["list:"+objectType]; err != nil {
		return nil, "", err
	}
	var ids []string
	for id := range f.objects[objectType] {
		ids = append(ids, id)
	}
	// Deterministic order for paging.
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	var out []clients.Record
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, f.objects[objectType][ids[i]])
	}
	next := ""
	if offset+len(out) < len(ids) {
		next = strconv.Itoa(offset + len(out))
	}
	return out, next, nil
}

func (f *fakeClient) ListAssociations(ctx context.Context, fromType string, fromId string, toType string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := append([]string(nil), f.edges[edgeKey(fromType, fromId, toType)]...)
	// Rental-shaped links live in the record's fields as reference paths.
	if rec, ok := f.objects[fromType][fromId]; ok {
		for _, v := range rec {
			if path, ok := v.(string); ok {
				if id := clients.RefId(path, toType); id != "" && !contains(ids, id) {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids, nil
}

func (f *fakeClient) AddAssociation(ctx context.Context, fromType string, fromId string, toType string, toId string, relation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assocCalls++
	key := edgeKey(fromType, fromId, toType)
	if !contains(f.edges[key], toId) {
		f.edges[key] = append(f.edges[key], toId)
	}
	if relation != "" {
		if rec, ok := f.objects[fromType][fromId]; ok {
			rec[relation] = clients.RefPath(toType, toId)
		}
	}
	return nil
}

func (f *fakeClient) RemoveAssociation(ctx context.Context, fromType string, fromId string, toType string, toId string, relation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assocCalls++
	key := edgeKey(fromType, fromId, toType)
	kept := f.edges[key][:0]
	for _, id := range f.edges[key] {
		if id != toId {
			kept = append(kept, id)
		}
	}
	f.edges[key] = kept
	if rec, ok := f.objects[fromType][fromId]; ok {
		for field, v := range rec {
			if path, ok := v.(string); ok && path == clients.RefPath(toType, toId) {
				delete(rec, field)
			}
		}
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// memStore is an in-memory CorrelationStore.
type memStore struct {
	mu      sync.Mutex
	rows    map[models.EntityKind]map[uint]*models.CorrelationRecord
	nextIds map[models.EntityKind]uint
}

func newMemStore() *memStore {
	return &memStore{
		rows:    map[models.EntityKind]map[uint]*models.CorrelationRecord{},
		nextIds: map[models.EntityKind]uint{},
	}
}

func (s *memStore) kindRows(kind models.EntityKind) map[uint]*models.CorrelationRecord {
	if s.rows[kind] == nil {
		s.rows[kind] = map[uint]*models.CorrelationRecord{}
	}
	return s.rows[kind]
}

func copyRow(row *models.CorrelationRecord) *models.CorrelationRecord {
	if row == nil {
		return nil
	}
	dup := *row
	return &dup
}

func (s *memStore) FindByA(ctx context.Context, kind models.EntityKind, systemAId string) (*models.CorrelationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.kindRows(kind) {
		if row.SystemAId != nil && *row.SystemAId == systemAId {
			return copyRow(row), nil
		}
	}
	return nil, nil
}

func (s *memStore) FindByB(ctx context.Context, kind models.EntityKind, systemBId string) (*models.CorrelationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.kindRows(kind) {
		if row.SystemBId != nil && *row.SystemBId == systemBId {
			return copyRow(row), nil
		}
	}
	return nil, nil
}

func (s *memStore) FindByLocal(ctx context.Context, kind models.EntityKind, localId uint) (*models.CorrelationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRow(s.kindRows(kind)[localId]), nil
}

func (s *memStore) Upsert(ctx context.Context, kind models.EntityKind, record models.CorrelationRecord) (*models.CorrelationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *models.CorrelationRecord
	for _, row := range s.kindRows(kind) {
		if record.SystemAId != nil && row.SystemAId != nil && *row.SystemAId == *record.SystemAId {
			existing = row
			break
		}
		if record.SystemBId != nil && row.SystemBId != nil && *row.SystemBId == *record.SystemBId {
			existing = row
			break
		}
	}
	if existing == nil {
		s.nextIds[kind]++
		record.LocalId = s.nextIds[kind]
		record.CreatedAt = time.Now()
		s.kindRows(kind)[record.LocalId] = copyRow(&record)
		return copyRow(&record), nil
	}
	if record.SystemAId != nil && existing.SystemAId == nil {
		existing.SystemAId = record.SystemAId
	}
	if record.SystemBId != nil && existing.SystemBId == nil {
		existing.SystemBId = record.SystemBId
	}
	if record.DisplayName != "" {
		existing.DisplayName = record.DisplayName
	}
	if record.ParentLocalId != nil {
		existing.ParentLocalId = record.ParentLocalId
	}
	return copyRow(existing), nil
}

func (s *memStore) UpdateName(ctx context.Context, kind models.EntityKind, localId uint, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.kindRows(kind)[localId]; row != nil {
		row.DisplayName = displayName
	}
	return nil
}

func (s *memStore) UpdateIds(ctx context.Context, kind models.EntityKind, localId uint, systemAId *string, systemBId *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.kindRows(kind)[localId]; row != nil {
		if systemAId != nil {
			row.SystemAId = systemAId
		}
		if systemBId != nil {
			row.SystemBId = systemBId
		}
	}
	return nil
}

func (s *memStore) UpdateParent(ctx context.Context, kind models.EntityKind, localId uint, parentLocalId *uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.kindRows(kind)[localId]; row != nil {
		row.ParentLocalId = parentLocalId
	}
	return nil
}

func (s *memStore) DeleteByLocal(ctx context.Context, kind models.EntityKind, localId uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kindRows(kind), localId)
	return nil
}

func (s *memStore) ListChildren(ctx context.Context, kind models.EntityKind, parentLocalId uint) ([]models.CorrelationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CorrelationRecord
	for _, row := range s.kindRows(kind) {
		if row.ParentLocalId != nil && *row.ParentLocalId == parentLocalId {
			out = append(out, *copyRow(row))
		}
	}
	return out, nil
}

func (s *memStore) countRows(kind models.EntityKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kindRows(kind))
}

// memEventLog collects observability rows in memory.
type memEventLog struct {
	mu       sync.Mutex
	items    []models.SyncItemLog
	errors   []models.SyncError
	webhooks []models.WebhookEvent
	nextId   uint
}

func newMemEventLog() *memEventLog {
	return &memEventLog{}
}

func (l *memEventLog) RecordItem(ctx context.Context, item *models.SyncItemLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, *item)
}

func (l *memEventLog) RecordError(ctx context.Context, syncError *models.SyncError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, *syncError)
}

func (l *memEventLog) RecordWebhook(ctx context.Context, event *models.WebhookEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextId++
	event.ID = l.nextId
	l.webhooks = append(l.webhooks, *event)
}

func (l *memEventLog) UpdateWebhookStatus(ctx context.Context, eventId uint, status string, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.webhooks {
		if l.webhooks[i].ID == eventId {
			l.webhooks[i].Status = status
			if message != "" {
				l.webhooks[i].Message = message
			}
		}
	}
}

func (l *memEventLog) webhookStatuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.webhooks))
	for _, event := range l.webhooks {
		out = append(out, event.Status)
	}
	return out
}

// instantSleeper makes consistency-wait loops run without wall-clock delay.
type instantSleeper struct {
	slept int
}

func (s *instantSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.slept++
	return nil
}

// newTestEngine wires an engine over fakes with instant lookups.
func newTestEngine() (*Engine, *fakeClient, *fakeClient, *memStore, *instantSleeper) {
	crm := newFakeClient("INTEGRATION")
	rental := newFakeClient("9001")
	store := newMemStore()
	sleeper := &instantSleeper{}
	engine := NewEngine(store, crm, rental, testLogger())
	engine.sleeper = sleeper
	engine.lookupDelay = 0
	engine.lookupAttempts = 3
	return engine, crm, rental, store, sleeper
}

func requireNoErr(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func refPathOf(collection string, id string) string {
	return fmt.Sprintf("/%s/%s", collection, id)
}
