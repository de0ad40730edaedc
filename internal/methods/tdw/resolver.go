package tdw

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// DefaultTimeout bounds the log fetch when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Resolver is the did:tdw method driver.
type Resolver struct {
	fetcher didutil.Fetcher
	crypto  Crypto
	timeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetcher replaces the HTTP fetcher used to download logs.
func WithFetcher(f didutil.Fetcher) Option {
	return func(r *Resolver) {
		if f != nil {
			r.fetcher = f
		}
	}
}

// WithCrypto replaces the hash and signature capability.
func WithCrypto(c Crypto) Option {
	return func(r *Resolver) {
		if c != nil {
			r.crypto = c
		}
	}
}

// WithTimeout bounds each log fetch. Zero disables the driver's own bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver returns a did:tdw driver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fetcher: didutil.NewHTTPFetcher(didutil.WithAccept("application/jsonl, application/json")),
		crypto:  DefaultCrypto{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) SupportedMethods() []string { return []string{string(types.DIDMethodTDW)} }

// AllowsCaching is true: verifying the whole chain on every call is expensive.
func (r *Resolver) AllowsCaching() bool { return true }

func (r *Resolver) AllowsLocalDIDRecord() bool { return true }

// Resolve fetches, verifies and materializes the log for did.
func (r *Resolver) Resolve(ctx context.Context, did *types.DID, opts types.ResolveOptions) *types.DIDResolutionResult {
	if did.Method != string(types.DIDMethodTDW) {
		return types.NewResolutionFailure(types.ErrorCodeMethodNotSupported, fmt.Sprintf("did:tdw driver cannot resolve did:%s", did.Method))
	}

	pinned, err := requestedVersion(did, opts)
	if err != nil {
		return types.NewResolutionFailureFromError(err)
	}
	location, err := LogURL(did)
	if err != nil {
		return types.NewResolutionFailure(types.ErrorCodeInvalidDID, err.Error())
	}

	raw, err := r.fetch(ctx, location)
	if err != nil {
		return types.NewResolutionFailureFromError(err)
	}

	entries, err := ParseLog(raw)
	if err != nil {
		return types.NewResolutionFailureFromError(err)
	}
	if err := VerifyLog(r.crypto, SCID(did), entries); err != nil {
		logger.Logger.Warn().Err(err).Str("did", did.String()).Msg("did:tdw log failed verification")
		return types.NewResolutionFailureFromError(err)
	}

	index := len(entries) - 1
	if pinned > 0 {
		if pinned > len(entries) {
			return types.NewResolutionFailure(types.ErrorCodeNotFound,
				fmt.Sprintf("%s has no version %d (head is %d)", did.String(), pinned, len(entries)))
		}
		index = pinned - 1
	}

	doc, err := materialize(did, entries[index])
	if err != nil {
		return types.NewResolutionFailureFromError(err)
	}

	meta := types.DIDDocumentMetadata{
		VersionID: strconv.Itoa(entries[index].VersionID),
		Created:   proofCreated(entries[0]),
		Updated:   proofCreated(entries[index]),
	}
	if index < len(entries)-1 {
		meta.NextVersionID = strconv.Itoa(entries[index+1].VersionID)
	}
	logger.Logger.Debug().
		Str("did", did.String()).
		Int("versions", len(entries)).
		Str("version_id", meta.VersionID).
		Msg("Resolved did:tdw")
	return types.NewResolutionSuccess(doc, meta)
}

func (r *Resolver) fetch(ctx context.Context, location string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	raw, err := r.fetcher.Fetch(ctx, location)
	if err != nil {
		// Fetchers that ignore the error taxonomy still report the deadline.
		var re *types.ResolutionError
		if !errors.As(err, &re) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewResolutionError(types.ErrorCodeTimeout, "fetch %s: %v", location, err)
		}
		return nil, err
	}
	return raw, nil
}

// materialize validates the verified payload as a DID document for did.
func materialize(did *types.DID, entry LogEntry) (*types.DIDDocument, error) {
	if err := didutil.ValidateDocumentJSON(entry.Payload); err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidDIDDocument, "version %d: %v", entry.VersionID, err)
	}
	doc, err := DecodeDocument(entry)
	if err != nil {
		return nil, err
	}
	if err := doc.ValidateReferences(); err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidDIDDocument, "version %d: %v", entry.VersionID, err)
	}
	if doc.ID != did.String() {
		return nil, types.NewResolutionError(types.ErrorCodeDIDMismatch, "version %d has id %s, expected %s", entry.VersionID, doc.ID, did.String())
	}
	return doc, nil
}

func requestedVersion(did *types.DID, opts types.ResolveOptions) (int, error) {
	raw := opts.VersionID
	if raw == "" {
		raw = did.VersionID()
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, types.NewResolutionError(types.ErrorCodeInvalidDID, "invalid versionId %q", raw)
	}
	return n, nil
}

func proofCreated(entry LogEntry) string {
	if entry.Proof == nil {
		return ""
	}
	return entry.Proof.Created
}
