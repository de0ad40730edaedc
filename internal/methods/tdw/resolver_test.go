package tdw

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

type testKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testKey{pub: pub, priv: priv}
}

func latest(t *testing.T, b *LogBuilder) *types.DIDDocument {
	t.Helper()
	entries := b.Entries()
	var doc types.DIDDocument
	require.NoError(t, json.Unmarshal(entries[len(entries)-1].Payload, &doc))
	return &doc
}

// twoEntryLog builds a genesis entry plus one update adding a service.
func twoEntryLog(t *testing.T, domain string) (*LogBuilder, testKey) {
	t.Helper()
	k := newKey(t)
	b := NewLogBuilder(nil)
	_, err := b.Genesis(DocumentTemplate(domain, k.pub), NewEd25519Signer("#key-1", k.priv))
	require.NoError(t, err)

	doc := latest(t, b)
	doc.Service = []types.DIDService{{
		ID:              "#didcomm",
		Type:            types.ServiceType{"DIDCommMessaging"},
		ServiceEndpoint: "https://" + domain + "/didcomm",
	}}
	require.NoError(t, b.Update(doc, NewEd25519Signer("#key-1", k.priv)))
	return b, k
}

func serve(t *testing.T, entries []LogEntry) (didutil.Fetcher, *atomic.Int32, *atomic.Value) {
	t.Helper()
	raw, err := MarshalLog(entries)
	require.NoError(t, err)
	var calls atomic.Int32
	var location atomic.Value
	return didutil.FetcherFunc(func(ctx context.Context, loc string) ([]byte, error) {
		calls.Add(1)
		location.Store(loc)
		return raw, nil
	}), &calls, &location
}

func resolveWith(t *testing.T, fetcher didutil.Fetcher, did string, opts types.ResolveOptions) *types.DIDResolutionResult {
	t.Helper()
	parsed, err := types.ParseDID(did)
	require.NoError(t, err)
	return NewResolver(WithFetcher(fetcher)).Resolve(context.Background(), parsed, opts)
}

func TestResolveValidLog(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	fetcher, calls, location := serve(t, b.Entries())

	result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{})
	require.NoError(t, result.Err())
	require.NotNil(t, result.DIDDocument)
	assert.Equal(t, b.DID(), result.DIDDocument.ID)
	assert.Equal(t, "https://domain.example/.well-known/did.jsonl", location.Load())
	assert.Equal(t, int32(1), calls.Load())

	require.Len(t, result.DIDDocument.Service, 1)
	assert.Equal(t, "2", result.DIDDocumentMetadata.VersionID)
	assert.Empty(t, result.DIDDocumentMetadata.NextVersionID)
	assert.NotEmpty(t, result.DIDDocumentMetadata.Created)
	assert.False(t, result.DIDResolutionMetadata.ServedFromCache)
	assert.True(t, strings.HasPrefix(SCID(mustParse(t, b.DID())), "Qm"))
}

func TestMaterializedDocumentRoundTrip(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	fetcher, _, _ := serve(t, b.Entries())

	result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{})
	require.NoError(t, result.Err())

	serialized, err := json.Marshal(result.DIDDocument)
	require.NoError(t, err)
	entries := b.Entries()
	assert.JSONEq(t, string(entries[len(entries)-1].Payload), string(serialized))

	var reparsed types.DIDDocument
	require.NoError(t, json.Unmarshal(serialized, &reparsed))
	assert.Equal(t, result.DIDDocument, &reparsed)
}

// appendPayload signs edit(latest document) as the next entry and returns
// the payload as written to the log.
func appendPayload(t *testing.T, b *LogBuilder, k testKey, edit func(map[string]any)) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(latest(t, b))
	require.NoError(t, err)
	var members map[string]any
	require.NoError(t, json.Unmarshal(raw, &members))
	edit(members)
	payload, err := json.Marshal(members)
	require.NoError(t, err)
	require.NoError(t, b.append(payload, NewEd25519Signer("#key-1", k.priv)))
	return payload
}

func TestResolveKeepsExtensionMembers(t *testing.T) {
	b, k := twoEntryLog(t, "domain.example")
	payload := appendPayload(t, b, k, func(doc map[string]any) {
		doc["customProp"] = "v"
		doc["service"] = []any{
			map[string]any{
				"id":              "#didcomm",
				"type":            []any{"DIDCommMessaging", "LinkedDomains"},
				"serviceEndpoint": "https://domain.example/didcomm",
				"description":     "hi",
			},
		}
	})
	fetcher, _, _ := serve(t, b.Entries())

	result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{})
	require.NoError(t, result.Err())
	assert.Equal(t, "3", result.DIDDocumentMetadata.VersionID)
	assert.Equal(t, types.ServiceType{"DIDCommMessaging", "LinkedDomains"}, result.DIDDocument.Service[0].Type)

	serialized, err := json.Marshal(result.DIDDocument)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(serialized))
}

func TestResolveUndecodablePayloadIsInvalidDocument(t *testing.T) {
	b, k := twoEntryLog(t, "domain.example")
	appendPayload(t, b, k, func(doc map[string]any) {
		doc["service"] = []any{
			map[string]any{
				"id":              "#didcomm",
				"type":            "DIDCommMessaging",
				"serviceEndpoint": "https://domain.example/didcomm",
				"recipientKeys":   "did:key:z6Mk",
			},
		}
	})
	entries := b.Entries()
	require.NoError(t, VerifyLog(DefaultCrypto{}, SCID(mustParse(t, b.DID())), entries))
	fetcher, _, _ := serve(t, entries)

	result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{})
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeInvalidDIDDocument, result.DIDResolutionMetadata.Error)

	result = resolveWith(t, fetcher, b.DID(), types.ResolveOptions{VersionID: "2"})
	require.NoError(t, result.Err())
	assert.Equal(t, "3", result.DIDDocumentMetadata.NextVersionID)
}

func TestResolveRejectsAlteredVersionHash(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	entries := b.Entries()
	entries[1].VersionHash = entries[0].VersionHash
	fetcher, _, _ := serve(t, entries)

	result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{})
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeInvalidLog, result.DIDResolutionMetadata.Error)
}

func TestResolveRejectsBrokenChains(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")

	tamperedPayload := b.Entries()
	tamperedPayload[1].Payload = json.RawMessage(strings.Replace(string(tamperedPayload[1].Payload), "didcomm", "evil", 1))

	truncated := b.Entries()[1:]

	reordered := b.Entries()
	reordered[0], reordered[1] = reordered[1], reordered[0]

	wrongPrevious := b.Entries()
	other := wrongPrevious[1].VersionHash
	wrongPrevious[1].PreviousHash = &other

	genesisWithPrevious := b.Entries()
	genesisWithPrevious[0].PreviousHash = &other

	for name, entries := range map[string][]LogEntry{
		"tampered payload":      tamperedPayload,
		"truncated":             truncated,
		"reordered":             reordered,
		"wrong previous hash":   wrongPrevious,
		"genesis with previous": genesisWithPrevious,
	} {
		t.Run(name, func(t *testing.T) {
			fetcher, _, _ := serve(t, entries)
			result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{})
			assert.Nil(t, result.DIDDocument)
			assert.Equal(t, types.ErrorCodeInvalidLog, result.DIDResolutionMetadata.Error)
		})
	}
}

func TestResolveRejectsBadSignatures(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	stranger := newKey(t)

	wrongSig := b.Entries()
	wrongSig[1].Proof = &Proof{
		Type:               ProofType,
		VerificationMethod: wrongSig[1].Proof.VerificationMethod,
		ProofValue:         didutil.EncodeMultibase(ed25519.Sign(stranger.priv, []byte(wrongSig[1].VersionHash))),
	}

	unsigned := b.Entries()
	unsigned[1].Proof = nil

	unknownKey := b.Entries()
	unknownKey[0].Proof = &Proof{
		Type:               ProofType,
		VerificationMethod: b.DID() + "#key-9",
		ProofValue:         unknownKey[0].Proof.ProofValue,
	}

	for name, entries := range map[string][]LogEntry{
		"wrong signature": wrongSig,
		"unsigned":        unsigned,
		"unknown key":     unknownKey,
	} {
		t.Run(name, func(t *testing.T) {
			fetcher, _, _ := serve(t, entries)
			result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{})
			assert.Nil(t, result.DIDDocument)
			assert.Equal(t, types.ErrorCodeSignature, result.DIDResolutionMetadata.Error)
			assert.ErrorIs(t, result.Err(), types.ErrSignature)
		})
	}
}

func TestResolveKeyRotation(t *testing.T) {
	first, second := newKey(t), newKey(t)
	b := NewLogBuilder(nil)
	did, err := b.Genesis(DocumentTemplate("domain.example:users:alice", first.pub), NewEd25519Signer("#key-1", first.priv))
	require.NoError(t, err)

	// Version 2 hands update rights to key-2; it is still signed by key-1.
	rotated := latest(t, b)
	rotated.CapabilityInvocation = nil
	AddUpdateKey(rotated, "#key-2", second.pub)
	require.NoError(t, b.Update(rotated, NewEd25519Signer("#key-1", first.priv)))

	next := latest(t, b)
	next.AlsoKnownAs = []string{"https://alice.example"}

	t.Run("new key signs", func(t *testing.T) {
		nb := *b
		nb.entries = b.Entries()
		require.NoError(t, nb.Update(next, NewEd25519Signer("#key-2", second.priv)))
		fetcher, _, location := serve(t, nb.Entries())

		result := resolveWith(t, fetcher, did, types.ResolveOptions{})
		require.NoError(t, result.Err())
		assert.Equal(t, []string{"https://alice.example"}, result.DIDDocument.AlsoKnownAs)
		assert.Equal(t, "3", result.DIDDocumentMetadata.VersionID)
		assert.Equal(t, "https://domain.example/users/alice/did.jsonl", location.Load())
	})

	t.Run("retired key signs", func(t *testing.T) {
		nb := *b
		nb.entries = b.Entries()
		require.NoError(t, nb.Update(next, NewEd25519Signer("#key-1", first.priv)))
		fetcher, _, _ := serve(t, nb.Entries())

		result := resolveWith(t, fetcher, did, types.ResolveOptions{})
		assert.Nil(t, result.DIDDocument)
		assert.Equal(t, types.ErrorCodeSignature, result.DIDResolutionMetadata.Error)
	})

	t.Run("key cannot authorize itself", func(t *testing.T) {
		third := newKey(t)
		nb := *b
		nb.entries = b.Entries()
		selfAuthorized := latest(t, b)
		AddUpdateKey(selfAuthorized, "#key-3", third.pub)
		require.NoError(t, nb.Update(selfAuthorized, NewEd25519Signer("#key-3", third.priv)))
		fetcher, _, _ := serve(t, nb.Entries())

		result := resolveWith(t, fetcher, did, types.ResolveOptions{})
		assert.Equal(t, types.ErrorCodeSignature, result.DIDResolutionMetadata.Error)
	})
}

func TestResolvePinnedVersion(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	fetcher, _, _ := serve(t, b.Entries())

	result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{VersionID: "1"})
	require.NoError(t, result.Err())
	assert.Empty(t, result.DIDDocument.Service)
	assert.Equal(t, "1", result.DIDDocumentMetadata.VersionID)
	assert.Equal(t, "2", result.DIDDocumentMetadata.NextVersionID)

	result = resolveWith(t, fetcher, b.DID()+"?versionId=1", types.ResolveOptions{})
	require.NoError(t, result.Err())
	assert.Equal(t, "1", result.DIDDocumentMetadata.VersionID)

	result = resolveWith(t, fetcher, b.DID(), types.ResolveOptions{VersionID: "7"})
	assert.Equal(t, types.ErrorCodeNotFound, result.DIDResolutionMetadata.Error)

	result = resolveWith(t, fetcher, b.DID(), types.ResolveOptions{VersionID: "latest"})
	assert.Equal(t, types.ErrorCodeInvalidDID, result.DIDResolutionMetadata.Error)
}

func TestResolveDIDMismatch(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	fetcher, _, _ := serve(t, b.Entries())

	// Same SCID served from another host: the chain verifies but the
	// document belongs to a different DID.
	scid := SCID(mustParse(t, b.DID()))
	result := resolveWith(t, fetcher, "did:tdw:"+scid+":mirror.example", types.ResolveOptions{})
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeDIDMismatch, result.DIDResolutionMetadata.Error)
}

func TestResolveSCIDMismatch(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	other, _ := twoEntryLog(t, "domain.example")
	fetcher, _, _ := serve(t, other.Entries())

	result := resolveWith(t, fetcher, b.DID(), types.ResolveOptions{})
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeInvalidLog, result.DIDResolutionMetadata.Error)
}

func TestResolveInvalidDocument(t *testing.T) {
	k := newKey(t)
	b := NewLogBuilder(nil)
	did, err := b.Genesis(DocumentTemplate("domain.example", k.pub), NewEd25519Signer("#key-1", k.priv))
	require.NoError(t, err)

	dangling := latest(t, b)
	dangling.KeyAgreement = []types.VerificationRelationship{{Reference: "#missing"}}
	require.NoError(t, b.Update(dangling, NewEd25519Signer("#key-1", k.priv)))
	fetcher, _, _ := serve(t, b.Entries())

	result := resolveWith(t, fetcher, did, types.ResolveOptions{})
	assert.Nil(t, result.DIDDocument)
	assert.Equal(t, types.ErrorCodeInvalidDIDDocument, result.DIDResolutionMetadata.Error)

	// The chain itself is sound, so the earlier version stays resolvable.
	result = resolveWith(t, fetcher, did, types.ResolveOptions{VersionID: "1"})
	require.NoError(t, result.Err())
	assert.Equal(t, "2", result.DIDDocumentMetadata.NextVersionID)
}

func TestResolveFetchFailures(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")

	notFound := didutil.FetcherFunc(func(ctx context.Context, loc string) ([]byte, error) {
		return nil, types.NewResolutionError(types.ErrorCodeNotFound, "%s returned 404", loc)
	})
	result := resolveWith(t, notFound, b.DID(), types.ResolveOptions{})
	assert.Equal(t, types.ErrorCodeNotFound, result.DIDResolutionMetadata.Error)

	garbage := didutil.FetcherFunc(func(ctx context.Context, loc string) ([]byte, error) {
		return []byte("not json\n"), nil
	})
	result = resolveWith(t, garbage, b.DID(), types.ResolveOptions{})
	assert.Equal(t, types.ErrorCodeInvalidLog, result.DIDResolutionMetadata.Error)

	result = resolveWith(t, garbage, "did:tdw:not-a-cid:domain.example", types.ResolveOptions{})
	assert.Equal(t, types.ErrorCodeInvalidDID, result.DIDResolutionMetadata.Error)
}

func TestResolveTimeout(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	hanging := didutil.FetcherFunc(func(ctx context.Context, loc string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	parsed := mustParse(t, b.DID())

	start := time.Now()
	result := NewResolver(WithFetcher(hanging), WithTimeout(25*time.Millisecond)).
		Resolve(context.Background(), parsed, types.ResolveOptions{})
	assert.Equal(t, types.ErrorCodeTimeout, result.DIDResolutionMetadata.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestResolveOverHTTP(t *testing.T) {
	var raw atomic.Value
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/agents/bob/did.jsonl" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/jsonl")
		_, _ = w.Write(raw.Load().([]byte))
	}))
	defer srv.Close()

	domain := strings.ReplaceAll(strings.TrimPrefix(srv.URL, "https://"), ":", "%3A")
	k := newKey(t)
	b := NewLogBuilder(nil)
	did, err := b.Genesis(DocumentTemplate(domain+":agents:bob", k.pub), NewEd25519Signer("#key-1", k.priv))
	require.NoError(t, err)
	body, err := b.Bytes()
	require.NoError(t, err)
	raw.Store(body)

	r := NewResolver(WithFetcher(didutil.NewHTTPFetcher(didutil.WithHTTPClient(srv.Client()))))
	result := r.Resolve(context.Background(), mustParse(t, did), types.ResolveOptions{})
	require.NoError(t, result.Err())
	assert.Equal(t, did, result.DIDDocument.ID)
	assert.Equal(t, int32(1), hits.Load())

	missing := strings.Replace(did, ":bob", ":carol", 1)
	result = r.Resolve(context.Background(), mustParse(t, missing), types.ResolveOptions{})
	assert.Equal(t, types.ErrorCodeNotFound, result.DIDResolutionMetadata.Error)
}

type countingCrypto struct {
	DefaultCrypto
	verifies atomic.Int32
}

func (c *countingCrypto) Verify(pub, msg, sig []byte) bool {
	c.verifies.Add(1)
	return c.DefaultCrypto.Verify(pub, msg, sig)
}

func TestResolveUsesInjectedCrypto(t *testing.T) {
	b, _ := twoEntryLog(t, "domain.example")
	fetcher, _, _ := serve(t, b.Entries())
	c := &countingCrypto{}

	result := NewResolver(WithFetcher(fetcher), WithCrypto(c)).
		Resolve(context.Background(), mustParse(t, b.DID()), types.ResolveOptions{})
	require.NoError(t, result.Err())
	assert.Equal(t, int32(2), c.verifies.Load())
}

func TestDescriptor(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, []string{"tdw"}, r.SupportedMethods())
	assert.True(t, r.AllowsCaching())
	assert.True(t, r.AllowsLocalDIDRecord())
}

func mustParse(t *testing.T, raw string) *types.DID {
	t.Helper()
	did, err := types.ParseDID(raw)
	require.NoError(t, err)
	return did
}
