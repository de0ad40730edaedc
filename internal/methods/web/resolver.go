// Package web resolves did:web identifiers by fetching did.json over HTTPS.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

const documentFile = "did.json"

// Resolver is the did:web method driver.
type Resolver struct {
	fetcher didutil.Fetcher
	timeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f didutil.Fetcher) Option {
	return func(r *Resolver) {
		if f != nil {
			r.fetcher = f
		}
	}
}

// WithTimeout bounds each fetch. Zero disables the driver's own bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver returns a did:web driver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fetcher: didutil.NewHTTPFetcher(didutil.WithAccept("application/did+json, application/json")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) SupportedMethods() []string { return []string{string(types.DIDMethodWeb)} }

func (r *Resolver) AllowsCaching() bool { return true }

func (r *Resolver) AllowsLocalDIDRecord() bool { return false }

// DocumentURL returns the location of the DID document for did.
func DocumentURL(did *types.DID) (string, error) {
	return didutil.WebLocation(did.Segments(), documentFile)
}

func (r *Resolver) Resolve(ctx context.Context, did *types.DID, _ types.ResolveOptions) *types.DIDResolutionResult {
	if did.Method != string(types.DIDMethodWeb) {
		return types.NewResolutionFailure(types.ErrorCodeMethodNotSupported, fmt.Sprintf("did:web driver cannot resolve did:%s", did.Method))
	}
	location, err := DocumentURL(did)
	if err != nil {
		return types.NewResolutionFailure(types.ErrorCodeInvalidDID, fmt.Sprintf("%s: %v", did.String(), err))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	logger.Logger.Debug().Str("did", did.String()).Str("location", location).Msg("Fetching did:web document")
	raw, err := r.fetcher.Fetch(ctx, location)
	if err != nil {
		return types.NewResolutionFailureFromError(err)
	}

	if err := didutil.ValidateDocumentJSON(raw); err != nil {
		return types.NewResolutionFailure(types.ErrorCodeInvalidDIDDocument, err.Error())
	}
	var doc types.DIDDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.NewResolutionFailure(types.ErrorCodeInvalidDIDDocument, fmt.Sprintf("decode %s: %v", location, err))
	}
	if doc.ID != did.String() {
		return types.NewResolutionFailure(types.ErrorCodeDIDMismatch,
			fmt.Sprintf("document at %s has id %s, expected %s", location, doc.ID, did.String()))
	}
	if err := doc.ValidateReferences(); err != nil {
		return types.NewResolutionFailure(types.ErrorCodeInvalidDIDDocument, err.Error())
	}
	return types.NewResolutionSuccess(&doc, types.DIDDocumentMetadata{})
}
