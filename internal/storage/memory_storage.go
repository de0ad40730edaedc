package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// InMemoryStorage keeps DID records in process memory. Records are copied
// on the way in and out.
type InMemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*types.DIDRecord // by record id
	byDID   map[string]string           // did -> record id
}

// NewInMemoryStorage returns an empty in-memory store.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		records: make(map[string]*types.DIDRecord),
		byDID:   make(map[string]string),
	}
}

func (s *InMemoryStorage) SaveDIDRecord(ctx context.Context, record *types.DIDRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepareRecord(record); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byDID[record.DID]; ok {
		return fmt.Errorf("%w: %s", ErrDIDRecordExists, record.DID)
	}
	if _, ok := s.records[record.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDIDRecordExists, record.ID)
	}
	stored, err := copyRecord(record)
	if err != nil {
		return err
	}
	s.records[record.ID] = stored
	s.byDID[record.DID] = record.ID
	return nil
}

func (s *InMemoryStorage) FindDIDRecord(ctx context.Context, did string) (*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDID[did]
	if !ok {
		return nil, nil
	}
	return copyRecord(s.records[id])
}

func (s *InMemoryStorage) GetDIDRecord(ctx context.Context, id string) (*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDIDRecordNotFound, id)
	}
	return copyRecord(record)
}

func (s *InMemoryStorage) FindDIDRecordsByTag(ctx context.Context, name, value string) ([]*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]*types.DIDRecord, 0)
	for _, record := range s.records {
		for _, v := range record.Tags[name] {
			if v == value {
				out, err := copyRecord(record)
				if err != nil {
					return nil, err
				}
				results = append(results, out)
				break
			}
		}
	}
	sortRecords(results)
	return results, nil
}

func (s *InMemoryStorage) ListDIDRecords(ctx context.Context, filters DIDRecordFilters) ([]*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]*types.DIDRecord, 0)
	for _, record := range s.records {
		if !matchesFilters(record, filters) {
			continue
		}
		out, err := copyRecord(record)
		if err != nil {
			return nil, err
		}
		results = append(results, out)
	}
	sortRecords(results)
	if limit := normalizeLimit(filters.Limit); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *InMemoryStorage) UpdateDIDRecordTags(ctx context.Context, id string, tags map[string][]string) (*types.DIDRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDIDRecordNotFound, id)
	}
	updated, err := copyRecord(record)
	if err != nil {
		return nil, err
	}
	updated.Tags = tags
	updated.Tags = updated.MergedTags(didutil.KeyFingerprint)
	updated.UpdatedAt = time.Now().UTC()
	s.records[id] = updated
	return copyRecord(updated)
}

func (s *InMemoryStorage) DeleteDIDRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDIDRecordNotFound, id)
	}
	delete(s.byDID, record.DID)
	delete(s.records, id)
	return nil
}

func (s *InMemoryStorage) Close(ctx context.Context) error { return nil }

func copyRecord(record *types.DIDRecord) (*types.DIDRecord, error) {
	if record == nil {
		return nil, nil
	}
	out := *record
	doc, err := record.DIDDocument.Clone()
	if err != nil {
		return nil, err
	}
	out.DIDDocument = doc
	out.Tags = make(map[string][]string, len(record.Tags))
	for k, v := range record.Tags {
		out.Tags[k] = append([]string(nil), v...)
	}
	return &out, nil
}

func sortRecords(records []*types.DIDRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return strings.Compare(records[i].ID, records[j].ID) < 0
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

var _ DIDRecordStorage = (*InMemoryStorage)(nil)
