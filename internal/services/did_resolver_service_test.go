package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Agent-Field/agentfield-dids/internal/cache"
	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/internal/methods/key"
	"github.com/Agent-Field/agentfield-dids/internal/methods/tdw"
	"github.com/Agent-Field/agentfield-dids/internal/storage"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

type mockResolver struct {
	mock.Mock
	methods      []string
	caching      bool
	localRecords bool
}

func (m *mockResolver) SupportedMethods() []string { return m.methods }
func (m *mockResolver) AllowsCaching() bool        { return m.caching }
func (m *mockResolver) AllowsLocalDIDRecord() bool { return m.localRecords }

func (m *mockResolver) Resolve(ctx context.Context, did *types.DID, opts types.ResolveOptions) *types.DIDResolutionResult {
	args := m.Called(ctx, did.String(), opts)
	if fn, ok := args.Get(0).(func() *types.DIDResolutionResult); ok {
		return fn()
	}
	result, _ := args.Get(0).(*types.DIDResolutionResult)
	return result
}

type mockRecordStore struct {
	mock.Mock
}

func (m *mockRecordStore) FindDIDRecord(ctx context.Context, did string) (*types.DIDRecord, error) {
	args := m.Called(ctx, did)
	record, _ := args.Get(0).(*types.DIDRecord)
	return record, args.Error(1)
}

func newMockResolver(method string, caching, localRecords bool) *mockResolver {
	return &mockResolver{methods: []string{method}, caching: caching, localRecords: localRecords}
}

func success(did string) *types.DIDResolutionResult {
	return types.NewResolutionSuccess(types.NewDIDDocument(did), types.DIDDocumentMetadata{VersionID: "1"})
}

func newService(t *testing.T, cfg ResolverConfig) *DIDResolverService {
	t.Helper()
	if cfg.Cache == nil {
		c, err := cache.NewResolutionCache(10, 0)
		require.NoError(t, err)
		cfg.Cache = c
	}
	svc, err := NewDIDResolverService(cfg)
	require.NoError(t, err)
	return svc
}

func TestNewDIDResolverServiceValidation(t *testing.T) {
	_, err := NewDIDResolverService(ResolverConfig{})
	require.ErrorIs(t, err, ErrNoResolvers)

	_, err = NewDIDResolverService(ResolverConfig{Resolvers: []DIDResolver{
		newMockResolver("web", true, false),
		newMockResolver("web", false, false),
	}})
	require.ErrorIs(t, err, ErrDuplicateMethod)

	svc, err := NewDIDResolverService(ResolverConfig{Resolvers: []DIDResolver{
		newMockResolver("web", true, false),
		key.NewResolver(),
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"key", "web"}, svc.SupportedMethods())
}

func TestResolveUnsupportedAndInvalid(t *testing.T) {
	driver := newMockResolver("web", true, false)
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

	result := svc.Resolve(context.Background(), "did:example:123")
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeMethodNotSupported, result.DIDResolutionMetadata.Error)

	result = svc.Resolve(context.Background(), "not a did")
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeInvalidDID, result.DIDResolutionMetadata.Error)

	driver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
}

func TestLocalRecordTakesPrecedence(t *testing.T) {
	const did = "did:tdw:QmScid:domain.example"
	driver := newMockResolver("tdw", true, true)

	stored := types.NewDIDDocument(did)
	stored.AlsoKnownAs = []string{"stored"}
	store := &mockRecordStore{}
	store.On("FindDIDRecord", mock.Anything, did).Return(&types.DIDRecord{ID: "rec-1", DID: did, DIDDocument: stored}, nil)

	c, err := cache.NewResolutionCache(10, 0)
	require.NoError(t, err)
	cachedDoc := types.NewDIDDocument(did)
	cachedDoc.AlsoKnownAs = []string{"cached"}
	c.Set(did, types.NewResolutionSuccess(cachedDoc, types.DIDDocumentMetadata{}))

	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}, RecordStore: store, Cache: c})
	result := svc.Resolve(context.Background(), did)
	require.NoError(t, result.Err())
	assert.True(t, result.DIDResolutionMetadata.ServedFromDIDRecord)
	assert.False(t, result.DIDResolutionMetadata.ServedFromCache)
	assert.Equal(t, stored, result.DIDDocument)

	driver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestLocalRecordIgnoredWhenDriverDisallows(t *testing.T) {
	const did = "did:web:example.com"
	driver := newMockResolver("web", false, false)
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(success(did)).Once()
	store := &mockRecordStore{}

	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}, RecordStore: store})
	result := svc.Resolve(context.Background(), did)
	require.NoError(t, result.Err())
	assert.False(t, result.DIDResolutionMetadata.ServedFromDIDRecord)

	store.AssertNotCalled(t, "FindDIDRecord", mock.Anything, mock.Anything)
	driver.AssertExpectations(t)
}

func TestRecordStoreFailureIsInternalAndNotCached(t *testing.T) {
	const did = "did:tdw:QmScid:domain.example"
	driver := newMockResolver("tdw", true, true)
	store := &mockRecordStore{}
	store.On("FindDIDRecord", mock.Anything, did).Return(nil, errors.New("database is locked")).Once()
	store.On("FindDIDRecord", mock.Anything, did).Return(nil, nil).Once()
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(success(did)).Once()

	c, err := cache.NewResolutionCache(10, 0)
	require.NoError(t, err)
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}, RecordStore: store, Cache: c})

	result := svc.Resolve(context.Background(), did)
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeInternal, result.DIDResolutionMetadata.Error)
	assert.Equal(t, 0, c.Len())

	result = svc.Resolve(context.Background(), did)
	require.NoError(t, result.Err())
	driver.AssertExpectations(t)
}

func TestUnreadableRecordDocumentIsInternal(t *testing.T) {
	const did = "did:tdw:QmScid:domain.example"
	driver := newMockResolver("tdw", true, true)
	broken := types.NewDIDDocument(did)
	broken.Extra = map[string]json.RawMessage{"truncated": json.RawMessage(`{"a":`)}
	store := &mockRecordStore{}
	store.On("FindDIDRecord", mock.Anything, did).Return(&types.DIDRecord{ID: "rec-1", DID: did, DIDDocument: broken}, nil)

	c, err := cache.NewResolutionCache(10, 0)
	require.NoError(t, err)
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}, RecordStore: store, Cache: c})

	result := svc.Resolve(context.Background(), did)
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeInternal, result.DIDResolutionMetadata.Error)
	assert.False(t, result.DIDResolutionMetadata.ServedFromDIDRecord)
	assert.Equal(t, 0, c.Len())
	driver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
}

func TestSecondResolutionServedFromCache(t *testing.T) {
	const did = "did:web:example.com"
	driver := newMockResolver("web", true, false)
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(success(did)).Once()
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

	first := svc.Resolve(context.Background(), did)
	require.NoError(t, first.Err())
	assert.False(t, first.DIDResolutionMetadata.ServedFromCache)

	second := svc.Resolve(context.Background(), did)
	require.NoError(t, second.Err())
	assert.True(t, second.DIDResolutionMetadata.ServedFromCache)
	assert.Equal(t, first.DIDDocument, second.DIDDocument)
	assert.Equal(t, first.DIDDocumentMetadata, second.DIDDocumentMetadata)

	driver.AssertNumberOfCalls(t, "Resolve", 1)
}

func TestCachedResultIsolatedFromCallers(t *testing.T) {
	const did = "did:web:example.com"
	driver := newMockResolver("web", true, false)
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(success(did)).Once()
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

	first := svc.Resolve(context.Background(), did)
	first.DIDDocument.AlsoKnownAs = []string{"mutated"}

	second := svc.Resolve(context.Background(), did)
	assert.Empty(t, second.DIDDocument.AlsoKnownAs)
	second.DIDDocument.ID = "did:web:changed"

	third := svc.Resolve(context.Background(), did)
	assert.Equal(t, did, third.DIDDocument.ID)
}

func TestNonCachingDriverAlwaysInvoked(t *testing.T) {
	const did = "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"
	driver := newMockResolver("key", false, false)
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(success(did)).Twice()
	c, err := cache.NewResolutionCache(10, 0)
	require.NoError(t, err)
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}, Cache: c})

	for i := 0; i < 2; i++ {
		result := svc.Resolve(context.Background(), did)
		require.NoError(t, result.Err())
		assert.False(t, result.DIDResolutionMetadata.ServedFromCache)
	}
	assert.Equal(t, 0, c.Len())
	driver.AssertExpectations(t)
}

func TestFailuresAreNotCached(t *testing.T) {
	const did = "did:web:example.com"
	driver := newMockResolver("web", true, false)
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).
		Return(types.NewResolutionFailure(types.ErrorCodeNetwork, "connection refused")).Once()
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(success(did)).Once()
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

	failed := svc.Resolve(context.Background(), did)
	assert.Nil(t, failed.DIDDocument)
	assert.Equal(t, types.ErrorCodeNetwork, failed.DIDResolutionMetadata.Error)

	recovered := svc.Resolve(context.Background(), did)
	require.NoError(t, recovered.Err())
	assert.False(t, recovered.DIDResolutionMetadata.ServedFromCache)
	driver.AssertExpectations(t)
}

func TestDriverMisbehaviourIsNormalized(t *testing.T) {
	const did = "did:web:example.com"

	cases := []struct {
		name   string
		result any
		code   types.ResolutionErrorCode
	}{
		{"nil result", nil, types.ErrorCodeInternal},
		{"nil document without error", &types.DIDResolutionResult{}, types.ErrorCodeNotFound},
		{"document with error", &types.DIDResolutionResult{
			DIDDocument:           types.NewDIDDocument(did),
			DIDResolutionMetadata: types.DIDResolutionMetadata{Error: types.ErrorCodeRepresentationNotSupported},
		}, types.ErrorCodeRepresentationNotSupported},
		{"panic", func() *types.DIDResolutionResult { panic("boom") }, types.ErrorCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			driver := newMockResolver("web", true, false)
			driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(tc.result)
			svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

			result := svc.Resolve(context.Background(), did)
			require.NotNil(t, result)
			assert.Nil(t, result.DIDDocument)
			assert.Equal(t, tc.code, result.DIDResolutionMetadata.Error)
		})
	}
}

func TestPinnedVersionsCachedSeparately(t *testing.T) {
	const did = "did:tdw:QmScid:domain.example"
	driver := newMockResolver("tdw", true, false)
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(success(did)).Once()
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{VersionID: "1"}).Return(success(did)).Once()
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

	require.NoError(t, svc.Resolve(context.Background(), did).Err())
	require.NoError(t, svc.Resolve(context.Background(), did, WithVersionID("1")).Err())

	viaQuery := svc.Resolve(context.Background(), did+"?versionId=1")
	require.NoError(t, viaQuery.Err())
	assert.True(t, viaQuery.DIDResolutionMetadata.ServedFromCache)
	assert.True(t, svc.Resolve(context.Background(), did).DIDResolutionMetadata.ServedFromCache)
	driver.AssertExpectations(t)
}

func TestCacheEvictionThroughService(t *testing.T) {
	const a, b = "did:web:a.example", "did:web:b.example"
	driver := newMockResolver("web", true, false)
	driver.On("Resolve", mock.Anything, a, types.ResolveOptions{}).Return(func() *types.DIDResolutionResult { return success(a) })
	driver.On("Resolve", mock.Anything, b, types.ResolveOptions{}).Return(func() *types.DIDResolutionResult { return success(b) })

	c, err := cache.NewResolutionCache(1, 0)
	require.NoError(t, err)
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}, Cache: c})

	svc.Resolve(context.Background(), a)
	svc.Resolve(context.Background(), b)
	again := svc.Resolve(context.Background(), a)
	assert.False(t, again.DIDResolutionMetadata.ServedFromCache)
	driver.AssertNumberOfCalls(t, "Resolve", 3)
}

func TestResolveDIDDocument(t *testing.T) {
	const did = "did:web:example.com"
	driver := newMockResolver("web", true, false)
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Return(success(did)).Once()
	driver.On("Resolve", mock.Anything, "did:web:missing.example", types.ResolveOptions{}).
		Return(types.NewResolutionFailure(types.ErrorCodeNotFound, "404"))
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

	doc, err := svc.ResolveDIDDocument(context.Background(), did)
	require.NoError(t, err)
	assert.Equal(t, did, doc.ID)

	doc, err = svc.ResolveDIDDocument(context.Background(), "did:web:missing.example")
	assert.Nil(t, doc)
	require.ErrorIs(t, err, types.ErrNotFound)
	var re *types.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "404", re.Message)
}

func TestResolveTimeoutReachesDriver(t *testing.T) {
	const did = "did:web:slow.example"
	driver := newMockResolver("web", true, false)
	driver.On("Resolve", mock.Anything, did, types.ResolveOptions{}).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		<-ctx.Done()
	}).Return(types.NewResolutionFailure(types.ErrorCodeTimeout, "deadline exceeded"))
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}, ResolveTimeout: 20 * time.Millisecond})

	start := time.Now()
	result := svc.Resolve(context.Background(), did)
	assert.Equal(t, types.ErrorCodeTimeout, result.DIDResolutionMetadata.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSlowDriverDoesNotBlockOtherDIDs(t *testing.T) {
	const slow, fast = "did:web:slow.example", "did:web:fast.example"
	release := make(chan struct{})
	started := make(chan struct{})
	driver := newMockResolver("web", true, false)
	driver.On("Resolve", mock.Anything, slow, types.ResolveOptions{}).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(success(slow))
	driver.On("Resolve", mock.Anything, fast, types.ResolveOptions{}).Return(success(fast))
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Resolve(context.Background(), slow)
	}()
	<-started

	done := make(chan *types.DIDResolutionResult, 1)
	go func() { done <- svc.Resolve(context.Background(), fast) }()
	select {
	case result := <-done:
		require.NoError(t, result.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("fast resolution blocked behind slow driver")
	}
	close(release)
	wg.Wait()
}

func TestConcurrentResolutionsShareCache(t *testing.T) {
	driver := newMockResolver("web", true, false)
	driver.On("Resolve", mock.Anything, mock.Anything, types.ResolveOptions{}).Return(func() *types.DIDResolutionResult {
		return success("did:web:example.com")
	})
	svc := newService(t, ResolverConfig{Resolvers: []DIDResolver{driver}})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.Resolve(context.Background(), "did:web:example.com").Err())
		}()
	}
	wg.Wait()
}

// tdwFixture publishes a two-version did:tdw log behind a counting fetcher.
func tdwFixture(t *testing.T) (string, *atomic.Int32, didutil.Fetcher) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	b := tdw.NewLogBuilder(nil)
	did, err := b.Genesis(tdw.DocumentTemplate("domain.example", pub), tdw.NewEd25519Signer("#key-1", priv))
	require.NoError(t, err)

	entries := b.Entries()
	var doc types.DIDDocument
	require.NoError(t, json.Unmarshal(entries[0].Payload, &doc))
	doc.Service = []types.DIDService{{ID: "#agent", Type: types.ServiceType{"DIDCommMessaging"}, ServiceEndpoint: "https://domain.example/agent"}}
	require.NoError(t, b.Update(&doc, tdw.NewEd25519Signer("#key-1", priv)))

	raw, err := b.Bytes()
	require.NoError(t, err)
	var fetches atomic.Int32
	fetcher := didutil.FetcherFunc(func(ctx context.Context, location string) ([]byte, error) {
		fetches.Add(1)
		if location != "https://domain.example/.well-known/did.jsonl" {
			return nil, types.NewResolutionError(types.ErrorCodeNotFound, "%s", location)
		}
		return raw, nil
	})
	return did, &fetches, fetcher
}

func TestTDWResolutionIsCached(t *testing.T) {
	did, fetches, fetcher := tdwFixture(t)
	c, err := cache.NewResolutionCache(1, 0)
	require.NoError(t, err)
	svc := newService(t, ResolverConfig{
		Resolvers:   []DIDResolver{tdw.NewResolver(tdw.WithFetcher(fetcher))},
		RecordStore: storage.NewInMemoryStorage(),
		Cache:       c,
	})

	first := svc.Resolve(context.Background(), did)
	require.NoError(t, first.Err())
	assert.Equal(t, did, first.DIDDocument.ID)
	assert.False(t, first.DIDResolutionMetadata.ServedFromCache)

	second := svc.Resolve(context.Background(), did)
	require.NoError(t, second.Err())
	assert.True(t, second.DIDResolutionMetadata.ServedFromCache)
	assert.Equal(t, first.DIDDocument, second.DIDDocument)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestTDWReceivedRecordServedWithoutNetwork(t *testing.T) {
	did, fetches, fetcher := tdwFixture(t)
	store := storage.NewInMemoryStorage()
	doc := types.NewDIDDocument(did)
	require.NoError(t, store.SaveDIDRecord(context.Background(), &types.DIDRecord{
		ID:          uuid.NewString(),
		DID:         did,
		Role:        types.DIDDocumentRoleReceived,
		DIDDocument: doc,
	}))
	svc := newService(t, ResolverConfig{
		Resolvers:   []DIDResolver{tdw.NewResolver(tdw.WithFetcher(fetcher))},
		RecordStore: store,
	})

	result := svc.Resolve(context.Background(), did)
	require.NoError(t, result.Err())
	assert.True(t, result.DIDResolutionMetadata.ServedFromDIDRecord)
	assert.Equal(t, did, result.DIDDocument.ID)
	assert.Empty(t, result.DIDDocument.Service)
	assert.Equal(t, int32(0), fetches.Load())
}
