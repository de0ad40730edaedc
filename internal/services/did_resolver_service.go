package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/Agent-Field/agentfield-dids/internal/cache"
	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

var (
	// ErrDuplicateMethod is returned when two drivers claim the same method.
	ErrDuplicateMethod = errors.New("duplicate DID method registration")
	// ErrNoResolvers is returned when no driver is configured.
	ErrNoResolvers = errors.New("at least one DID resolver is required")
)

// DIDResolver is a DID method driver. Drivers report failures inside the
// returned result and never write to the record store or the cache.
type DIDResolver interface {
	SupportedMethods() []string
	AllowsCaching() bool
	AllowsLocalDIDRecord() bool
	Resolve(ctx context.Context, did *types.DID, opts types.ResolveOptions) *types.DIDResolutionResult
}

// DIDRecordFinder is the read side of the local record store.
// FindDIDRecord returns (nil, nil) when no record exists.
type DIDRecordFinder interface {
	FindDIDRecord(ctx context.Context, did string) (*types.DIDRecord, error)
}

// ResolverConfig is everything the resolver service is built from. The
// driver set is fixed for the lifetime of the service.
type ResolverConfig struct {
	Resolvers      []DIDResolver
	RecordStore    DIDRecordFinder
	Cache          cache.ResolutionCache
	ResolveTimeout time.Duration
}

// DIDResolverService dispatches resolution to method drivers, applying the
// local record override and the result cache.
type DIDResolverService struct {
	resolvers map[string]DIDResolver
	methods   []string
	records   DIDRecordFinder
	cache     cache.ResolutionCache
	timeout   time.Duration
}

// ResolveOption adjusts a single resolution.
type ResolveOption func(*types.ResolveOptions)

// WithVersionID pins the resolution to a document version.
func WithVersionID(versionID string) ResolveOption {
	return func(o *types.ResolveOptions) { o.VersionID = versionID }
}

// NewDIDResolverService builds the service, rejecting duplicate methods.
func NewDIDResolverService(cfg ResolverConfig) (*DIDResolverService, error) {
	if len(cfg.Resolvers) == 0 {
		return nil, ErrNoResolvers
	}

	s := &DIDResolverService{
		resolvers: make(map[string]DIDResolver),
		records:   cfg.RecordStore,
		cache:     cfg.Cache,
		timeout:   cfg.ResolveTimeout,
	}
	for _, r := range cfg.Resolvers {
		if r == nil {
			return nil, fmt.Errorf("nil DID resolver in configuration")
		}
		for _, method := range r.SupportedMethods() {
			if _, exists := s.resolvers[method]; exists {
				return nil, fmt.Errorf("%w: did:%s", ErrDuplicateMethod, method)
			}
			s.resolvers[method] = r
			s.methods = append(s.methods, method)
		}
	}
	sort.Strings(s.methods)
	return s, nil
}

// SupportedMethods lists the registered method names.
func (s *DIDResolverService) SupportedMethods() []string {
	return append([]string(nil), s.methods...)
}

// Resolve resolves did. It never returns nil; failures are reported in
// DIDResolutionMetadata.Error with a nil document.
func (s *DIDResolverService) Resolve(ctx context.Context, did string, opts ...ResolveOption) *types.DIDResolutionResult {
	var options types.ResolveOptions
	for _, opt := range opts {
		opt(&options)
	}

	parsed, err := types.ParseDID(did)
	if err != nil {
		return types.NewResolutionFailure(types.ErrorCodeInvalidDID, err.Error())
	}
	if options.VersionID == "" {
		options.VersionID = parsed.VersionID()
	}

	resolver, ok := s.resolvers[parsed.Method]
	if !ok {
		return types.NewResolutionFailure(types.ErrorCodeMethodNotSupported,
			fmt.Sprintf("no resolver registered for did:%s", parsed.Method))
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// A local record is authoritative and is never re-verified.
	if resolver.AllowsLocalDIDRecord() && s.records != nil {
		record, err := s.records.FindDIDRecord(ctx, parsed.String())
		if err != nil {
			logger.Logger.Warn().Err(err).Str("did", parsed.String()).Msg("DID record lookup failed")
			return types.NewResolutionFailure(types.ErrorCodeInternal, fmt.Sprintf("find did record: %v", err))
		}
		if record != nil && record.DIDDocument != nil {
			doc, err := record.DIDDocument.Clone()
			if err != nil {
				logger.Logger.Warn().Err(err).Str("did", parsed.String()).Str("record_id", record.ID).Msg("DID record document is unreadable")
				return types.NewResolutionFailure(types.ErrorCodeInternal, err.Error())
			}
			logger.Logger.Debug().Str("did", parsed.String()).Str("record_id", record.ID).Msg("Resolved DID from local record")
			result := types.NewResolutionSuccess(doc, types.DIDDocumentMetadata{})
			result.DIDResolutionMetadata.ServedFromDIDRecord = true
			return result
		}
	}

	cacheKey := resolutionCacheKey(parsed, options)
	useCache := resolver.AllowsCaching() && s.cache != nil
	if useCache {
		if cached, ok := s.cache.Get(cacheKey); ok && cached != nil {
			result, err := cached.Clone()
			if err == nil {
				logger.Logger.Debug().Str("did", cacheKey).Msg("Resolved DID from cache")
				result.DIDResolutionMetadata.ServedFromCache = true
				result.DIDResolutionMetadata.ServedFromDIDRecord = false
				return result
			}
			logger.Logger.Warn().Err(err).Str("did", cacheKey).Msg("Dropping unreadable cache entry")
			s.cache.Remove(cacheKey)
		}
	}

	result := s.invoke(ctx, resolver, parsed, options)
	if err := result.Err(); err != nil {
		logger.Logger.Warn().
			Str("did", parsed.URL()).
			Str("error", string(result.DIDResolutionMetadata.Error)).
			Str("message", result.DIDResolutionMetadata.Message).
			Msg("DID resolution failed")
		return result
	}

	if useCache {
		cached, err := result.Clone()
		if err != nil {
			logger.Logger.Warn().Err(err).Str("did", cacheKey).Msg("Result not cached")
			return result
		}
		s.cache.Set(cacheKey, cached)
	}
	return result
}

// ResolveDIDDocument resolves did and returns only the document. The error
// is a *types.ResolutionError carrying the resolution error code.
func (s *DIDResolverService) ResolveDIDDocument(ctx context.Context, did string, opts ...ResolveOption) (*types.DIDDocument, error) {
	result := s.Resolve(ctx, did, opts...)
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result.DIDDocument, nil
}

// invoke calls the driver and normalizes whatever it returns.
func (s *DIDResolverService) invoke(ctx context.Context, resolver DIDResolver, did *types.DID, opts types.ResolveOptions) (result *types.DIDResolutionResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Error().Str("did", did.String()).Interface("panic", r).Msg("DID resolver panicked")
			result = types.NewResolutionFailure(types.ErrorCodeInternal, fmt.Sprintf("resolver for did:%s panicked: %v", did.Method, r))
		}
	}()

	result = resolver.Resolve(ctx, did, opts)
	switch {
	case result == nil:
		return types.NewResolutionFailure(types.ErrorCodeInternal, fmt.Sprintf("resolver for did:%s returned no result", did.Method))
	case result.DIDResolutionMetadata.Error != "":
		result.DIDDocument = nil
	case result.DIDDocument == nil:
		return types.NewResolutionFailure(types.ErrorCodeNotFound, fmt.Sprintf("%s not found", did.String()))
	default:
		if result.DIDResolutionMetadata.ContentType == "" {
			result.DIDResolutionMetadata.ContentType = types.ContentTypeDIDJSON
		}
	}
	result.DIDResolutionMetadata.ServedFromCache = false
	result.DIDResolutionMetadata.ServedFromDIDRecord = false
	return result
}

// resolutionCacheKey is the bare DID, plus the pinned version when present.
func resolutionCacheKey(did *types.DID, opts types.ResolveOptions) string {
	if opts.VersionID == "" {
		return did.String()
	}
	return did.String() + "?" + url.Values{"versionId": {opts.VersionID}}.Encode()
}
