package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/internal/methods/tdw"
	"github.com/Agent-Field/agentfield-dids/internal/storage"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// DIDDocumentResolver is the subset of the resolver used to import DIDs.
type DIDDocumentResolver interface {
	ResolveDIDDocument(ctx context.Context, did string, opts ...ResolveOption) (*types.DIDDocument, error)
}

// DIDRecordService owns writes to the local record store: documents
// received from peers and documents created by this agent.
type DIDRecordService struct {
	resolver DIDDocumentResolver
	store    storage.DIDRecordStorage
}

// CreatedTDW is the output of CreateTDW. Log must be published at the DID's
// did.jsonl location before others can resolve it.
type CreatedTDW struct {
	Record     *types.DIDRecord
	Log        []byte
	PrivateKey ed25519.PrivateKey
}

// NewDIDRecordService creates a record service.
func NewDIDRecordService(resolver DIDDocumentResolver, store storage.DIDRecordStorage) *DIDRecordService {
	return &DIDRecordService{resolver: resolver, store: store}
}

// ReceiveDID resolves did and stores it as received. An existing record is
// returned unchanged.
func (s *DIDRecordService) ReceiveDID(ctx context.Context, did string, tags map[string][]string) (*types.DIDRecord, error) {
	parsed, err := types.ParseDID(did)
	if err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidDID, "%v", err)
	}
	existing, err := s.store.FindDIDRecord(ctx, parsed.String())
	if err != nil {
		return nil, fmt.Errorf("find did record: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	doc, err := s.resolver.ResolveDIDDocument(ctx, parsed.String())
	if err != nil {
		return nil, err
	}
	record := &types.DIDRecord{
		ID:          uuid.NewString(),
		DID:         parsed.String(),
		Role:        types.DIDDocumentRoleReceived,
		DIDDocument: doc,
		Tags:        tags,
	}
	if err := s.store.SaveDIDRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("save received did: %w", err)
	}

	logger.Logger.Info().
		Str("did", record.DID).
		Str("record_id", record.ID).
		Msg("Stored received DID")
	return record, nil
}

// StoreCreatedDID persists a document this agent controls.
func (s *DIDRecordService) StoreCreatedDID(ctx context.Context, doc *types.DIDDocument, tags map[string][]string) (*types.DIDRecord, error) {
	if doc == nil {
		return nil, fmt.Errorf("did document is required")
	}
	record := &types.DIDRecord{
		ID:          uuid.NewString(),
		DID:         doc.ID,
		Role:        types.DIDDocumentRoleCreated,
		DIDDocument: doc,
		Tags:        tags,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveDIDRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("save created did: %w", err)
	}

	logger.Logger.Info().
		Str("did", record.DID).
		Str("record_id", record.ID).
		Msg("Stored created DID")
	return record, nil
}

// CreateTDW generates an update key, authors the genesis log for
// did:tdw:<scid>:<domainAndPath> and stores the document as created.
func (s *DIDRecordService) CreateTDW(ctx context.Context, domainAndPath string) (*CreatedTDW, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate update key: %w", err)
	}

	builder := tdw.NewLogBuilder(nil)
	did, err := builder.Genesis(tdw.DocumentTemplate(domainAndPath, pub), tdw.NewEd25519Signer("#key-1", priv))
	if err != nil {
		return nil, fmt.Errorf("build did:tdw genesis: %w", err)
	}
	parsed, err := types.ParseDID(did)
	if err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidDID, "%v", err)
	}
	log, err := builder.Bytes()
	if err != nil {
		return nil, err
	}

	entries := builder.Entries()
	if err := tdw.VerifyLog(tdw.DefaultCrypto{}, tdw.SCID(parsed), entries); err != nil {
		return nil, fmt.Errorf("verify generated log: %w", err)
	}
	doc, err := tdw.DecodeDocument(entries[0])
	if err != nil {
		return nil, err
	}

	record, err := s.StoreCreatedDID(ctx, doc, map[string][]string{"versionId": {"1"}})
	if err != nil {
		return nil, err
	}
	return &CreatedTDW{Record: record, Log: log, PrivateKey: priv}, nil
}

// ListRecords lists stored records.
func (s *DIDRecordService) ListRecords(ctx context.Context, filters storage.DIDRecordFilters) ([]*types.DIDRecord, error) {
	return s.store.ListDIDRecords(ctx, filters)
}

// FindByTag returns records carrying tag name=value.
func (s *DIDRecordService) FindByTag(ctx context.Context, name, value string) ([]*types.DIDRecord, error) {
	return s.store.FindDIDRecordsByTag(ctx, name, value)
}

// FindByRecipientKey returns the records whose key agreement keys include
// the given multikey fingerprint.
func (s *DIDRecordService) FindByRecipientKey(ctx context.Context, fingerprint string) ([]*types.DIDRecord, error) {
	return s.store.FindDIDRecordsByTag(ctx, types.DIDRecordTagRecipientKeys, fingerprint)
}

// UpdateTags replaces the custom tags of a record.
func (s *DIDRecordService) UpdateTags(ctx context.Context, id string, tags map[string][]string) (*types.DIDRecord, error) {
	return s.store.UpdateDIDRecordTags(ctx, id, tags)
}

// DeleteRecord removes a record. Removing a received record makes the next
// resolution go back to the network.
func (s *DIDRecordService) DeleteRecord(ctx context.Context, id string) error {
	if err := s.store.DeleteDIDRecord(ctx, id); err != nil {
		return fmt.Errorf("delete did record: %w", err)
	}
	return nil
}
