// Package ingest is the write path of the authority. ProcessBatch classifies
// a batch and drives each new or changed resource through validation, the
// document store, the event bus and the hash index.
//
// The three stores are written without a distributed transaction. A resource
// that fails after its document store write keeps that write: a publish
// failure leaves the document written without an event, and a hash update
// failure leaves both in place. Because the hash record is not updated in
// either case, the next submission of the resource is classified again and
// retried.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/authority/internal/domain/changes"
	"github.com/ehr/authority/internal/platform/docstore"
	"github.com/ehr/authority/internal/platform/events"
	"github.com/ehr/authority/internal/platform/fhir"
	"github.com/ehr/authority/internal/platform/hashindex"
	"github.com/ehr/authority/internal/platform/validation"
)

const DefaultChunkSize = 25

type Service struct {
	detector  *changes.Detector
	index     hashindex.Store
	docs      docstore.Gateway
	validator validation.Validator
	tracker   validation.Tracker
	publisher events.Publisher

	mode             Mode
	chunkSize        int
	chunkConcurrency int
	tenantSystem     string
	logger           zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithValidation switches the service to validated mode. Every new or changed
// resource is validated, failures are reported to the tracker, and every
// written resource is published.
func WithValidation(v validation.Validator, tracker validation.Tracker, publisher events.Publisher) Option {
	return func(s *Service) {
		s.mode = ModeValidated
		s.validator = v
		s.tracker = tracker
		s.publisher = publisher
	}
}

func WithChunkSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithChunkConcurrency bounds how many document store chunks are written at
// once. Results do not depend on the bound.
func WithChunkConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.chunkConcurrency = n
		}
	}
}

func WithTenantIdentifierSystem(system string) Option {
	return func(s *Service) {
		if system != "" {
			s.tenantSystem = system
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(detector *changes.Detector, index hashindex.Store, docs docstore.Gateway, opts ...Option) *Service {
	s := &Service{
		detector:         detector,
		index:            index,
		docs:             docs,
		mode:             ModeUnvalidated,
		chunkSize:        DefaultChunkSize,
		chunkConcurrency: 1,
		tenantSystem:     DefaultTenantIdentifierSystem,
		logger:           zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.mode == ModeValidated && (s.validator == nil || s.tracker == nil || s.publisher == nil) {
		panic("ingest: validated mode requires a validator, a tracker and a publisher")
	}
	return s
}

func (s *Service) Mode() Mode {
	return s.mode
}

// ProcessBatch accepts a batch for the tenant. The returned error is non-nil
// only when the whole batch is rejected by the ownership check; the result
// then lists every resource as failed and nothing has been written.
// Per-resource failures are reported in the result. Once ctx is done no
// further stage is started; resources not yet finished fail with
// ReasonCancelled and writes already made are kept.
func (s *Service) ProcessBatch(ctx context.Context, tenantID string, resources []fhir.Resource) (*BatchResult, error) {
	b := newBatch(resources)
	log := s.logger.With().Str("tenant_id", tenantID).Logger()

	if err := s.checkBatchOwnership(tenantID, b); err != nil {
		log.Warn().Err(err).Int("resources", len(b.keys)).Msg("batch rejected")
		return rejected(b, err), err
	}

	outcomes := make(map[fhir.Key]outcome, len(b.keys))
	statuses, lookupErrs := s.detector.DetermineChangeStatuses(ctx, tenantID, b.resources)
	for key, err := range lookupErrs {
		log.Error().Err(err).Str("resource", key.String()).Msg("change detection failed")
		outcomes[key] = failed(fmt.Sprintf("%s: %v", ReasonDetection, err))
	}

	var pending []fhir.Key
	for _, key := range b.keys {
		st, ok := statuses[key]
		if !ok {
			continue
		}
		if st.Type == changes.Unchanged {
			outcomes[key] = succeeded(Unmodified)
			continue
		}
		pending = append(pending, key)
	}

	if s.mode == ModeValidated {
		pending = s.validate(ctx, tenantID, b, pending, outcomes)
	}

	persisted := s.persist(ctx, log, b, pending, outcomes)

	for _, key := range persisted {
		if ctx.Err() != nil {
			outcomes[key] = failed(ReasonCancelled)
			continue
		}
		st := statuses[key]
		if s.mode == ModeValidated {
			if err := s.publisher.Publish(ctx, tenantID, b.resources[key], st.Type); err != nil {
				log.Error().Err(err).Str("resource", key.String()).Msg("event publish failed")
				outcomes[key] = failed(fmt.Sprintf("%s: %v", ReasonPublish, err))
				continue
			}
		}
		if err := s.updateHash(ctx, tenantID, st); err != nil {
			log.Error().Err(err).Str("resource", key.String()).Msg("hash update failed")
			outcomes[key] = failed(ReasonHashUpdate)
			continue
		}
		outcomes[key] = succeeded(modificationFor(st.Type))
	}

	res := assemble(b.keys, outcomes)
	log.Info().
		Int("resources", len(b.keys)).
		Int("succeeded", len(res.Succeeded)).
		Int("failed", len(res.Failed)).
		Msg("batch processed")
	return res, nil
}

func (s *Service) checkBatchOwnership(tenantID string, b batch) error {
	var errs []error
	for _, key := range b.keys {
		if err := checkOwnership(tenantID, s.tenantSystem, b.resources[key]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// rejected lists every resource of the batch as failed. Resources that broke
// the ownership check carry their own reason.
func rejected(b batch, err error) *BatchResult {
	reasons := make(map[fhir.Key]string)
	var oe *OwnershipError
	for _, e := range unwrapJoined(err) {
		if errors.As(e, &oe) {
			reasons[oe.Key] = oe.Reason
		}
	}
	outcomes := make(map[fhir.Key]outcome, len(b.keys))
	for _, key := range b.keys {
		reason, ok := reasons[key]
		if !ok {
			reason = "batch rejected"
		}
		outcomes[key] = failed(fmt.Sprintf("%s: %s", ErrTenantMismatch, reason))
	}
	return assemble(b.keys, outcomes)
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// validate returns the keys that passed validation. Each resource is judged
// independently.
func (s *Service) validate(ctx context.Context, tenantID string, b batch, keys []fhir.Key, outcomes map[fhir.Key]outcome) []fhir.Key {
	var passed []fhir.Key
	for _, key := range keys {
		if ctx.Err() != nil {
			outcomes[key] = failed(ReasonCancelled)
			continue
		}
		r := b.resources[key]
		result := s.validator.Validate(ctx, r, tenantID)
		if result.Passed {
			passed = append(passed, key)
			continue
		}
		s.tracker.Report(ctx, validation.NewReport(tenantID, r, result))
		outcomes[key] = failed(result.Message)
	}
	return passed
}

// persist writes keys to the document store in chunks and returns the keys
// whose chunk was written, in input order. A failed chunk fails all of its
// resources and does not stop the other chunks.
func (s *Service) persist(ctx context.Context, log zerolog.Logger, b batch, keys []fhir.Key, outcomes map[fhir.Key]outcome) []fhir.Key {
	chunks := chunk(keys, s.chunkSize)
	chunkErrs := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(s.chunkConcurrency)
	for i, c := range chunks {
		docs := make([]fhir.Resource, len(c))
		for j, key := range c {
			docs[j] = b.resources[key]
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				chunkErrs[i] = err
				return nil
			}
			chunkErrs[i] = s.docs.UpsertBatch(ctx, docs)
			return nil
		})
	}
	g.Wait()

	var persisted []fhir.Key
	for i, c := range chunks {
		if err := chunkErrs[i]; err != nil {
			reason := ReasonPersistence
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = ReasonCancelled
			}
			log.Error().Err(err).Int("chunk", i).Int("size", len(c)).Msg("document store upsert failed")
			for _, key := range c {
				outcomes[key] = failed(reason)
			}
			continue
		}
		persisted = append(persisted, c...)
	}
	return persisted
}

func (s *Service) updateHash(ctx context.Context, tenantID string, st changes.Status) error {
	if st.HashRecordID == nil {
		_, err := s.index.Insert(ctx, &hashindex.Record{
			TenantID:     tenantID,
			ResourceType: st.ResourceType,
			ResourceID:   st.ResourceID,
			Hash:         st.ComputedHash,
		})
		return err
	}
	_, err := s.index.Update(ctx, *st.HashRecordID, st.ComputedHash)
	return err
}

func chunk(keys []fhir.Key, size int) [][]fhir.Key {
	var out [][]fhir.Key
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		out = append(out, keys[start:end])
	}
	return out
}

// GetResource returns the committed document of a tenant's resource.
func (s *Service) GetResource(ctx context.Context, tenantID, resourceType, id string) (fhir.Resource, error) {
	if !IDBelongsToTenant(tenantID, id) {
		return nil, &OwnershipError{Key: fhir.Key{ResourceType: resourceType, ResourceID: id}, Reason: "resource belongs to another tenant"}
	}
	return s.docs.Get(ctx, resourceType, id)
}

// SearchByIdentifier finds a tenant's resources of one type by identifier.
// Matches owned by other tenants are dropped.
func (s *Service) SearchByIdentifier(ctx context.Context, tenantID, resourceType string, ident fhir.Identifier) ([]fhir.Resource, error) {
	found, err := s.docs.Search(ctx, resourceType, ident)
	if err != nil {
		return nil, err
	}
	out := make([]fhir.Resource, 0, len(found))
	for _, r := range found {
		if IDBelongsToTenant(tenantID, r.ID()) {
			out = append(out, r)
		}
	}
	return out, nil
}

// DeleteResult reports what DeleteResource removed.
type DeleteResult struct {
	DocumentDeleted   bool `json:"documentDeleted"`
	HashRecordDeleted bool `json:"hashRecordDeleted"`
}

func (r DeleteResult) Found() bool {
	return r.DocumentDeleted || r.HashRecordDeleted
}

// DeleteResource removes the document and then the hash record. No event is
// published. A document already missing from the store is not an error, so
// a stale hash record can still be cleared.
func (s *Service) DeleteResource(ctx context.Context, tenantID, resourceType, id string) (DeleteResult, error) {
	var res DeleteResult
	if !IDBelongsToTenant(tenantID, id) {
		return res, &OwnershipError{Key: fhir.Key{ResourceType: resourceType, ResourceID: id}, Reason: "resource belongs to another tenant"}
	}

	err := s.docs.Delete(ctx, resourceType, id)
	switch {
	case err == nil:
		res.DocumentDeleted = true
	case !errors.Is(err, docstore.ErrNotFound):
		return res, fmt.Errorf("delete document: %w", err)
	}

	existed, err := s.index.Delete(ctx, tenantID, resourceType, id)
	if err != nil {
		return res, fmt.Errorf("delete hash record: %w", err)
	}
	res.HashRecordDeleted = existed

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("resource", resourceType+"/"+id).
		Bool("document_deleted", res.DocumentDeleted).
		Bool("hash_record_deleted", res.HashRecordDeleted).
		Msg("resource deleted")
	return res, nil
}
