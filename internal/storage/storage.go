// Package storage persists DID records: documents this agent created or
// received from peers, indexed by DID and by tags.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

var (
	// ErrDIDRecordExists is returned when saving a second record for a DID.
	ErrDIDRecordExists = errors.New("did record already exists")
	// ErrDIDRecordNotFound is returned by operations addressing a record by id.
	ErrDIDRecordNotFound = errors.New("did record not found")
)

// DIDRecordStorage is the local record store. FindDIDRecord returns
// (nil, nil) when no record exists for the DID.
type DIDRecordStorage interface {
	SaveDIDRecord(ctx context.Context, record *types.DIDRecord) error
	FindDIDRecord(ctx context.Context, did string) (*types.DIDRecord, error)
	GetDIDRecord(ctx context.Context, id string) (*types.DIDRecord, error)
	FindDIDRecordsByTag(ctx context.Context, name, value string) ([]*types.DIDRecord, error)
	ListDIDRecords(ctx context.Context, filters DIDRecordFilters) ([]*types.DIDRecord, error)
	UpdateDIDRecordTags(ctx context.Context, id string, tags map[string][]string) (*types.DIDRecord, error)
	DeleteDIDRecord(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// DIDRecordFilters narrows ListDIDRecords.
type DIDRecordFilters struct {
	Role   *types.DIDDocumentRole `json:"role,omitempty"`
	Method *string                `json:"method,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
}

// StorageConfig selects and configures the record store backend.
type StorageConfig struct {
	Mode     string                `yaml:"mode" mapstructure:"mode"` // "local" (sqlite), "postgres" or "memory"
	Local    LocalStorageConfig    `yaml:"local" mapstructure:"local"`
	Postgres PostgresStorageConfig `yaml:"postgres" mapstructure:"postgres"`
}

// LocalStorageConfig configures the sqlite backend.
type LocalStorageConfig struct {
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
}

// PostgresStorageConfig configures the PostgreSQL backend.
type PostgresStorageConfig struct {
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// StorageFactory builds a DIDRecordStorage from configuration.
type StorageFactory struct{}

// CreateStorage creates and initializes the configured backend.
func (f *StorageFactory) CreateStorage(ctx context.Context, cfg StorageConfig) (DIDRecordStorage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "local":
		ls := NewLocalStorage(cfg.Local)
		if err := ls.Initialize(ctx, cfg); err != nil {
			return nil, err
		}
		return ls, nil
	case "postgres":
		ps := NewPostgresStorage(cfg.Postgres)
		if err := ps.Initialize(ctx, cfg); err != nil {
			return nil, err
		}
		return ps, nil
	case "memory":
		return NewInMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage mode %q", cfg.Mode)
	}
}

// prepareRecord validates a record and fills its derived tags.
func prepareRecord(record *types.DIDRecord) error {
	if record == nil {
		return fmt.Errorf("did record is required")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("did record id is required")
	}
	if _, err := types.ParseDID(record.DID); err != nil {
		return fmt.Errorf("did record: %w", err)
	}
	switch record.Role {
	case types.DIDDocumentRoleCreated, types.DIDDocumentRoleReceived:
	default:
		return fmt.Errorf("did record: invalid role %q", record.Role)
	}
	if record.DIDDocument != nil && record.DIDDocument.ID != record.DID {
		return fmt.Errorf("did record: document id %s does not match %s", record.DIDDocument.ID, record.DID)
	}
	record.Tags = record.MergedTags(didutil.KeyFingerprint)
	return nil
}

func matchesFilters(record *types.DIDRecord, filters DIDRecordFilters) bool {
	if filters.Role != nil && record.Role != *filters.Role {
		return false
	}
	if filters.Method != nil {
		methods := record.Tags[types.DIDRecordTagMethod]
		if len(methods) == 0 || methods[0] != *filters.Method {
			return false
		}
	}
	return true
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
