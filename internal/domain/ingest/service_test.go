package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/authority/internal/domain/changes"
	"github.com/ehr/authority/internal/platform/docstore"
	"github.com/ehr/authority/internal/platform/events"
	"github.com/ehr/authority/internal/platform/fhir"
	"github.com/ehr/authority/internal/platform/hashindex"
	"github.com/ehr/authority/internal/platform/hashing"
	"github.com/ehr/authority/internal/platform/validation"
)

const tenant = "t"

// -- Test collaborators --

type recordingTracker struct {
	mu      sync.Mutex
	reports []validation.Report
}

func (r *recordingTracker) Report(_ context.Context, report validation.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

// chunkFailingDocs fails every UpsertBatch call whose chunk contains failID.
type chunkFailingDocs struct {
	*docstore.MemoryStore
	failID string
}

func (d *chunkFailingDocs) UpsertBatch(ctx context.Context, resources []fhir.Resource) error {
	for _, r := range resources {
		if r.ID() == d.failID {
			return errors.New("503 service unavailable")
		}
	}
	return d.MemoryStore.UpsertBatch(ctx, resources)
}

type getFailingDocs struct {
	*docstore.MemoryStore
}

func (d *getFailingDocs) Get(context.Context, string, string) (fhir.Resource, error) {
	return nil, errors.New("connection reset")
}

type insertFailingIndex struct {
	*hashindex.MemoryStore
}

func (insertFailingIndex) Insert(context.Context, *hashindex.Record) (*hashindex.Record, error) {
	return nil, errors.New("deadlock detected")
}

type updateFailingIndex struct {
	*hashindex.MemoryStore
}

func (updateFailingIndex) Update(context.Context, uuid.UUID, int32) (*hashindex.Record, error) {
	return nil, errors.New("could not serialize access")
}

// cancellingDocs cancels the request after its first successful chunk.
type cancellingDocs struct {
	*docstore.MemoryStore
	cancel context.CancelFunc
}

func (d *cancellingDocs) UpsertBatch(ctx context.Context, resources []fhir.Resource) error {
	defer d.cancel()
	return d.MemoryStore.UpsertBatch(ctx, resources)
}

type fixture struct {
	svc     *Service
	idx     *hashindex.MemoryStore
	docs    *docstore.MemoryStore
	pub     *events.MemoryPublisher
	tracker *recordingTracker
}

type fixtureConfig struct {
	validated bool
	validator validation.Validator
	hasher    hashing.Hasher
	docs      func(*docstore.MemoryStore) docstore.Gateway
	index     func(*hashindex.MemoryStore) hashindex.Store
	opts      []Option
}

func newFixture(fc fixtureConfig) *fixture {
	f := &fixture{
		idx:     hashindex.NewMemoryStore(),
		docs:    docstore.NewMemoryStore(),
		pub:     events.NewMemoryPublisher("ehr"),
		tracker: &recordingTracker{},
	}
	var docs docstore.Gateway = f.docs
	if fc.docs != nil {
		docs = fc.docs(f.docs)
	}
	var idx hashindex.Store = f.idx
	if fc.index != nil {
		idx = fc.index(f.idx)
	}
	hasher := fc.hasher
	if hasher == nil {
		hasher = hashing.New()
	}
	opts := fc.opts
	if fc.validated {
		v := fc.validator
		if v == nil {
			v = validation.NewStructural()
		}
		opts = append(opts, WithValidation(v, f.tracker, f.pub))
	}
	f.svc = NewService(changes.NewDetector(hasher, idx, docs), idx, docs, opts...)
	return f
}

func patient(id, gender string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Patient",
		"id":           id,
		"gender":       gender,
		"identifier": []any{
			map[string]any{"system": "urn:mrn", "value": "mrn-" + id},
			map[string]any{"system": DefaultTenantIdentifierSystem, "value": tenant},
		},
	}
}

func process(t *testing.T, f *fixture, resources ...fhir.Resource) *BatchResult {
	t.Helper()
	res, err := f.svc.ProcessBatch(context.Background(), tenant, resources)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func succeededIDs(res *BatchResult) string {
	var ids []string
	for _, s := range res.Succeeded {
		ids = append(ids, s.ResourceID)
	}
	return strings.Join(ids, ",")
}

func failedIDs(res *BatchResult) string {
	var ids []string
	for _, f := range res.Failed {
		ids = append(ids, f.ResourceID)
	}
	return strings.Join(ids, ",")
}

// -- Scenarios --

func TestProcessBatch_CreatesNewResource(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	res := process(t, f, patient("t-1", "female"))

	if len(res.Succeeded) != 1 || len(res.Failed) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	got := res.Succeeded[0]
	if got.ResourceType != "Patient" || got.ResourceID != "t-1" || got.ModificationType != Created {
		t.Errorf("expected Patient/t-1 CREATED, got %+v", got)
	}
	if f.idx.Len() != 1 {
		t.Errorf("expected one hash record, got %d", f.idx.Len())
	}
	if _, err := f.idx.Get(context.Background(), tenant, "Patient", "t-1"); err != nil {
		t.Errorf("expected hash record for (t, Patient, t-1): %v", err)
	}
	evs := f.pub.Events()
	if len(evs) != 1 || evs[0].Type != events.ActionCreate {
		t.Errorf("expected one CREATE event, got %+v", evs)
	}
}

func TestProcessBatch_Idempotent(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	process(t, f, patient("t-1", "female"))
	before, _ := f.idx.Get(context.Background(), tenant, "Patient", "t-1")

	res := process(t, f, patient("t-1", "female"))
	if len(res.Succeeded) != 1 || res.Succeeded[0].ModificationType != Unmodified {
		t.Fatalf("expected UNMODIFIED, got %+v", res)
	}
	if n := len(f.pub.Events()); n != 1 {
		t.Errorf("expected exactly one event across both submissions, got %d", n)
	}
	if f.idx.Len() != 1 {
		t.Errorf("expected one hash record, got %d", f.idx.Len())
	}
	after, _ := f.idx.Get(context.Background(), tenant, "Patient", "t-1")
	if after.ID != before.ID || after.Hash != before.Hash || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("expected hash record to be untouched, before %+v after %+v", before, after)
	}
}

func TestProcessBatch_UpdatesChangedResource(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	process(t, f, patient("t-1", "female"))
	before, _ := f.idx.Get(context.Background(), tenant, "Patient", "t-1")

	res := process(t, f, patient("t-1", "male"))
	if len(res.Succeeded) != 1 || res.Succeeded[0].ModificationType != Updated {
		t.Fatalf("expected UPDATED, got %+v", res)
	}
	after, _ := f.idx.Get(context.Background(), tenant, "Patient", "t-1")
	if after.ID != before.ID {
		t.Error("expected the hash record to be updated in place")
	}
	if after.Hash == before.Hash {
		t.Error("expected the stored hash to change")
	}
	var updates int
	for _, e := range f.pub.Events() {
		if e.Type == events.ActionUpdate {
			updates++
		}
	}
	if updates != 1 {
		t.Errorf("expected exactly one UPDATE event, got %d", updates)
	}
	stored, _ := f.docs.Get(context.Background(), "Patient", "t-1")
	if stored["gender"] != "male" {
		t.Errorf("expected document store to hold the update, got %v", stored["gender"])
	}
}

func TestProcessBatch_MetadataOnlyChangeIsUnmodified(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	first := patient("t-1", "female")
	first["meta"] = map[string]any{"lastUpdated": "2024-01-01T00:00:00Z", "source": "#a"}
	process(t, f, first)

	second := patient("t-1", "female")
	second["meta"] = map[string]any{"lastUpdated": "2024-02-01T00:00:00Z", "source": "#b"}
	res := process(t, f, second)
	if res.Succeeded[0].ModificationType != Unmodified {
		t.Errorf("expected UNMODIFIED, got %s", res.Succeeded[0].ModificationType)
	}
}

func TestProcessBatch_ProfileChangeIsUpdated(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	first := patient("t-1", "female")
	first["meta"] = map[string]any{"profile": []any{"http://example.org/StructureDefinition/a"}}
	process(t, f, first)

	second := patient("t-1", "female")
	second["meta"] = map[string]any{"profile": []any{"http://example.org/StructureDefinition/b"}}
	res := process(t, f, second)
	if res.Succeeded[0].ModificationType != Updated {
		t.Errorf("expected UPDATED for a profile change, got %s", res.Succeeded[0].ModificationType)
	}
}

func TestProcessBatch_TenantMismatchRejectsWholeBatch(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	res, err := f.svc.ProcessBatch(context.Background(), tenant, []fhir.Resource{
		patient("t-1", "female"),
		patient("other-2", "male"),
	})
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
	if len(res.Succeeded) != 0 || len(res.Failed) != 2 {
		t.Fatalf("expected all resources failed, got %+v", res)
	}
	if !strings.Contains(res.Failed[1].Error, `id must be prefixed with "t-"`) {
		t.Errorf("expected prefix reason for other-2, got %q", res.Failed[1].Error)
	}
	if !strings.Contains(res.Failed[0].Error, "batch rejected") {
		t.Errorf("expected generic rejection for t-1, got %q", res.Failed[0].Error)
	}
	if f.docs.Len() != 0 || f.idx.Len() != 0 || len(f.pub.Events()) != 0 {
		t.Error("expected no side effects for a rejected batch")
	}
}

func TestProcessBatch_MissingTenantIdentifier(t *testing.T) {
	f := newFixture(fixtureConfig{})
	r := patient("t-1", "female")
	r["identifier"] = []any{map[string]any{"system": DefaultTenantIdentifierSystem, "value": "other"}}
	_, err := f.svc.ProcessBatch(context.Background(), tenant, []fhir.Resource{r})
	if !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestProcessBatch_TypesWithoutIdentifierListAreExempt(t *testing.T) {
	f := newFixture(fixtureConfig{})
	binary := fhir.Resource{"resourceType": "Binary", "id": "t-b1", "contentType": "text/plain", "data": "aGk="}
	noIdentifier := fhir.Resource{"resourceType": "Patient", "id": "t-2"}
	qr := fhir.Resource{
		"resourceType": "QuestionnaireResponse",
		"id":           "t-qr",
		"identifier":   map[string]any{"system": "urn:forms", "value": "1"},
	}
	res := process(t, f, binary, noIdentifier, qr)
	if len(res.Succeeded) != 3 {
		t.Errorf("expected all exempt resources to succeed, got %+v", res)
	}
}

func TestProcessBatch_ChunkFailureIsIsolated(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			f := newFixture(fixtureConfig{
				validated: true,
				docs: func(m *docstore.MemoryStore) docstore.Gateway {
					return &chunkFailingDocs{MemoryStore: m, failID: "t-3"}
				},
				opts: []Option{WithChunkSize(2), WithChunkConcurrency(concurrency)},
			})
			var batch []fhir.Resource
			for i := 1; i <= 5; i++ {
				batch = append(batch, patient(fmt.Sprintf("t-%d", i), "female"))
			}
			res := process(t, f, batch...)

			if got := succeededIDs(res); got != "t-1,t-2,t-5" {
				t.Errorf("expected t-1,t-2,t-5 to succeed, got %s", got)
			}
			if got := failedIDs(res); got != "t-3,t-4" {
				t.Errorf("expected exactly the second chunk to fail, got %s", got)
			}
			for _, fr := range res.Failed {
				if fr.Error != ReasonPersistence {
					t.Errorf("expected %q, got %q", ReasonPersistence, fr.Error)
				}
			}
			if f.idx.Len() != 3 {
				t.Errorf("expected hash records only for persisted resources, got %d", f.idx.Len())
			}
			if n := len(f.pub.Events()); n != 3 {
				t.Errorf("expected events only for persisted resources, got %d", n)
			}
		})
	}
}

func TestProcessBatch_ValidationFailureIsPerResource(t *testing.T) {
	v := validation.Func(func(_ context.Context, r fhir.Resource, _ string) validation.Result {
		if r.ID() == "t-2" {
			return validation.Failf(fhir.IssueTypeValue, "gender is not allowed")
		}
		return validation.Pass()
	})
	f := newFixture(fixtureConfig{validated: true, validator: v})
	res := process(t, f, patient("t-1", "female"), patient("t-2", "other"))

	if len(res.Succeeded) != 1 || res.Succeeded[0].ResourceID != "t-1" {
		t.Errorf("expected t-1 to succeed, got %+v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0].ResourceID != "t-2" || res.Failed[0].Error != "gender is not allowed" {
		t.Errorf("expected t-2 to fail with the validator message, got %+v", res.Failed)
	}
	if n := len(f.pub.Events()); n != 1 {
		t.Errorf("expected the publisher to be invoked once, got %d", n)
	}
	if len(f.tracker.reports) != 1 || f.tracker.reports[0].ResourceID != "t-2" {
		t.Errorf("expected one validation report for t-2, got %+v", f.tracker.reports)
	}
	if _, err := f.docs.Get(context.Background(), "Patient", "t-2"); !errors.Is(err, docstore.ErrNotFound) {
		t.Error("expected the invalid resource not to be persisted")
	}
}

func TestProcessBatch_PublishFailureKeepsDocumentAndSkipsHash(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	f.pub.FailFor = func(e events.Event) error {
		if e.ResourceID == "t-2" {
			return errors.New("broker down")
		}
		return nil
	}
	res := process(t, f, patient("t-1", "female"), patient("t-2", "male"))

	if len(res.Failed) != 1 || res.Failed[0].Error != "failed to publish event: broker down" {
		t.Fatalf("unexpected failures %+v", res.Failed)
	}
	if _, err := f.docs.Get(context.Background(), "Patient", "t-2"); err != nil {
		t.Errorf("expected the document store write to remain: %v", err)
	}
	if _, err := f.idx.Get(context.Background(), tenant, "Patient", "t-2"); !errors.Is(err, hashindex.ErrNotFound) {
		t.Errorf("expected no hash record after a publish failure, got %v", err)
	}

	// The resource is retried on the next submission.
	f.pub.FailFor = nil
	res = process(t, f, patient("t-2", "male"))
	if res.Succeeded[0].ModificationType != Created {
		t.Errorf("expected retry to be CREATED, got %s", res.Succeeded[0].ModificationType)
	}
}

func TestProcessBatch_HashUpdateFailure(t *testing.T) {
	f := newFixture(fixtureConfig{
		validated: true,
		index:     func(m *hashindex.MemoryStore) hashindex.Store { return insertFailingIndex{m} },
	})
	res := process(t, f, patient("t-1", "female"))

	if len(res.Failed) != 1 || res.Failed[0].Error != ReasonHashUpdate {
		t.Fatalf("expected hash update failure, got %+v", res)
	}
	if f.docs.Len() != 1 {
		t.Error("expected the document store write to remain")
	}
	if len(f.pub.Events()) != 1 {
		t.Error("expected the event to have been published")
	}
}

func TestProcessBatch_HashUpdateFailureOnChangedResource(t *testing.T) {
	f := newFixture(fixtureConfig{
		validated: true,
		index:     func(m *hashindex.MemoryStore) hashindex.Store { return updateFailingIndex{m} },
	})
	process(t, f, patient("t-1", "female"))
	before, _ := f.idx.Get(context.Background(), tenant, "Patient", "t-1")

	res := process(t, f, patient("t-1", "male"))
	if len(res.Failed) != 1 || res.Failed[0].Error != ReasonHashUpdate {
		t.Fatalf("expected hash update failure, got %+v", res)
	}
	after, _ := f.idx.Get(context.Background(), tenant, "Patient", "t-1")
	if after.Hash != before.Hash {
		t.Error("expected the stored hash to keep its previous value")
	}
	stored, _ := f.docs.Get(context.Background(), "Patient", "t-1")
	if stored["gender"] != "male" {
		t.Errorf("expected the document store write to remain, got %v", stored["gender"])
	}
	evs := f.pub.Events()
	if len(evs) != 2 || evs[1].Type != events.ActionUpdate {
		t.Errorf("expected CREATE then UPDATE events, got %+v", evs)
	}

	retry := process(t, f, patient("t-1", "male"))
	if len(retry.Failed) != 1 {
		t.Errorf("expected the resubmission to be classified as changed again, got %+v", retry)
	}
}

func TestProcessBatch_CancelledBeforeStart(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.svc.ProcessBatch(ctx, tenant, []fhir.Resource{patient("t-1", "female"), patient("t-2", "male")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Failed) != 2 || len(res.Succeeded) != 0 {
		t.Fatalf("expected every resource to fail, got %+v", res)
	}
	for _, fr := range res.Failed {
		if fr.Error != ReasonCancelled {
			t.Errorf("expected %q, got %q", ReasonCancelled, fr.Error)
		}
	}
	if f.docs.Len() != 0 || f.idx.Len() != 0 || len(f.pub.Events()) != 0 {
		t.Error("expected no writes after cancellation")
	}
}

func TestProcessBatch_CancelledBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(fixtureConfig{
		validated: true,
		docs: func(m *docstore.MemoryStore) docstore.Gateway {
			return &cancellingDocs{MemoryStore: m, cancel: cancel}
		},
		opts: []Option{WithChunkSize(1)},
	})

	res, err := f.svc.ProcessBatch(ctx, tenant, []fhir.Resource{patient("t-1", "female"), patient("t-2", "male")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := failedIDs(res); got != "t-1,t-2" {
		t.Fatalf("expected both resources to fail, got %+v", res)
	}
	if f.docs.Len() != 1 {
		t.Errorf("expected only the first chunk to be written, got %d documents", f.docs.Len())
	}
	if f.idx.Len() != 0 || len(f.pub.Events()) != 0 {
		t.Error("expected no events or hash records after cancellation")
	}
}

func TestProcessBatch_NumbersKeepTheirText(t *testing.T) {
	f := newFixture(fixtureConfig{})
	first, err := fhir.ParseResource([]byte(`{"resourceType":"Observation","id":"t-o1",
		"valueQuantity":{"value":1.50},"bigId":12345678901234567891}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	process(t, f, first)

	stored, _ := f.docs.Get(context.Background(), "Observation", "t-o1")
	data, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"value":1.50`, `"bigId":12345678901234567891`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected stored document to contain %s, got %s", want, data)
		}
	}

	second, _ := fhir.ParseResource([]byte(`{"resourceType":"Observation","id":"t-o1",
		"valueQuantity":{"value":1.50},"bigId":12345678901234567890}`))
	res := process(t, f, second)
	if len(res.Succeeded) != 1 || res.Succeeded[0].ModificationType != Updated {
		t.Errorf("expected a change in a large integer to be UPDATED, got %+v", res)
	}
}

func TestProcessBatch_DetectionFailureIsPerResource(t *testing.T) {
	collide := constantHasher(1)
	f := newFixture(fixtureConfig{
		hasher: collide,
		docs:   func(m *docstore.MemoryStore) docstore.Gateway { return &getFailingDocs{m} },
	})
	process(t, f, patient("t-1", "female"))

	res := process(t, f, patient("t-1", "female"), patient("t-2", "male"))
	if got := failedIDs(res); got != "t-1" {
		t.Fatalf("expected only t-1 to fail, got %s", got)
	}
	if !strings.HasPrefix(res.Failed[0].Error, ReasonDetection) {
		t.Errorf("unexpected reason %q", res.Failed[0].Error)
	}
	if got := succeededIDs(res); got != "t-2" {
		t.Errorf("expected t-2 to succeed, got %s", got)
	}
}

type constantHasher int32

func (h constantHasher) Hash(fhir.Resource) (int32, error) { return int32(h), nil }

func TestProcessBatch_DuplicateKeysLastWins(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	res := process(t, f,
		patient("t-1", "female"),
		patient("t-2", "female"),
		patient("t-1", "male"),
	)
	if got := succeededIDs(res); got != "t-1,t-2" {
		t.Errorf("expected one entry per key in first-seen order, got %s", got)
	}
	stored, _ := f.docs.Get(context.Background(), "Patient", "t-1")
	if stored["gender"] != "male" {
		t.Errorf("expected the last value to win, got %v", stored["gender"])
	}
	if n := len(f.pub.Events()); n != 2 {
		t.Errorf("expected one event per key, got %d", n)
	}
}

func TestProcessBatch_UnvalidatedModeSkipsValidationAndEvents(t *testing.T) {
	f := newFixture(fixtureConfig{})
	if f.svc.Mode() != ModeUnvalidated {
		t.Fatalf("expected unvalidated mode, got %s", f.svc.Mode())
	}
	invalid := fhir.Resource{
		"resourceType": "Observation",
		"id":           "t-o1",
		"status":       "not-a-status",
	}
	res := process(t, f, invalid)
	if len(res.Succeeded) != 1 || res.Succeeded[0].ModificationType != Created {
		t.Errorf("expected CREATED without validation, got %+v", res)
	}
	if len(f.pub.Events()) != 0 {
		t.Error("expected no events in unvalidated mode")
	}
}

func TestProcessBatch_EmptyBatch(t *testing.T) {
	f := newFixture(fixtureConfig{validated: true})
	res := process(t, f)
	if res.Succeeded == nil || res.Failed == nil {
		t.Error("expected empty, non-nil lists")
	}
}

func TestNewService_ValidatedModeRequiresCollaborators(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	idx := hashindex.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	NewService(changes.NewDetector(hashing.New(), idx, docs), idx, docs,
		WithValidation(validation.NewStructural(), &recordingTracker{}, nil))
}

func TestChunk(t *testing.T) {
	keys := make([]fhir.Key, 5)
	for i := range keys {
		keys[i] = fhir.Key{ResourceType: "Patient", ResourceID: uuid.NewString()}
	}
	chunks := chunk(keys, 2)
	if len(chunks) != 3 || len(chunks[0]) != 2 || len(chunks[2]) != 1 {
		t.Errorf("unexpected chunking %v", chunks)
	}
	if chunk(nil, 25) != nil {
		t.Error("expected no chunks for no keys")
	}
}

// -- Supplementary operations --

func TestGetResource(t *testing.T) {
	f := newFixture(fixtureConfig{})
	process(t, f, patient("t-1", "female"))
	ctx := context.Background()

	r, err := f.svc.GetResource(ctx, tenant, "Patient", "t-1")
	if err != nil || r.ID() != "t-1" {
		t.Fatalf("unexpected result %v %v", r, err)
	}
	if _, err := f.svc.GetResource(ctx, "other", "Patient", "t-1"); !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("expected ErrTenantMismatch for another tenant, got %v", err)
	}
	if _, err := f.svc.GetResource(ctx, tenant, "Patient", "t-9"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchByIdentifier_FiltersOtherTenants(t *testing.T) {
	f := newFixture(fixtureConfig{})
	process(t, f, patient("t-1", "female"))
	// Written directly: another tenant's resource sharing the identifier.
	f.docs.UpsertBatch(context.Background(), []fhir.Resource{{
		"resourceType": "Patient",
		"id":           "u-1",
		"identifier":   []any{map[string]any{"system": "urn:mrn", "value": "mrn-t-1"}},
	}})

	found, err := f.svc.SearchByIdentifier(context.Background(), tenant, "Patient", fhir.Identifier{System: "urn:mrn", Value: "mrn-t-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 1 || found[0].ID() != "t-1" {
		t.Errorf("expected only t-1, got %v", found)
	}
}

func TestDeleteResource(t *testing.T) {
	f := newFixture(fixtureConfig{})
	process(t, f, patient("t-1", "female"))
	ctx := context.Background()

	res, err := f.svc.DeleteResource(ctx, tenant, "Patient", "t-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.DocumentDeleted || !res.HashRecordDeleted {
		t.Errorf("expected both stores to be cleared, got %+v", res)
	}
	if f.docs.Len() != 0 || f.idx.Len() != 0 {
		t.Error("expected nothing left behind")
	}

	res, err = f.svc.DeleteResource(ctx, tenant, "Patient", "t-1")
	if err != nil || res.Found() {
		t.Errorf("expected nothing found on second delete, got %+v %v", res, err)
	}

	// Resubmitting after delete creates the resource again.
	out := process(t, f, patient("t-1", "female"))
	if out.Succeeded[0].ModificationType != Created {
		t.Errorf("expected CREATED after delete, got %s", out.Succeeded[0].ModificationType)
	}

	if _, err := f.svc.DeleteResource(ctx, "other", "Patient", "t-1"); !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("expected ErrTenantMismatch, got %v", err)
	}
}
