package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "@context": "https://www.w3.org/ns/did/v1",
  "id": "did:example:alice",
  "controller": "did:example:bob",
  "verificationMethod": [
    {
      "id": "#key-1",
      "type": "Ed25519VerificationKey2020",
      "controller": "did:example:alice",
      "publicKeyMultibase": "z6MkkBaWtQKyx7Mr54XaXyMAEpNKqphK4x7ztuBpSfR6Wqwr"
    }
  ],
  "authentication": ["did:example:alice#key-1"],
  "keyAgreement": [
    {
      "id": "did:example:alice#key-agreement-1",
      "type": "X25519KeyAgreementKey2020",
      "controller": "did:example:alice",
      "publicKeyMultibase": "z6LSbysY2xFMRpGMhb7tFTLMpeuPRaqaWM1yECx2AtzE3KCc"
    }
  ],
  "service": [
    {"id": "#didcomm", "type": "DIDCommMessaging", "serviceEndpoint": "https://example.com/didcomm"}
  ]
}`

func TestDIDDocument_Unmarshal(t *testing.T) {
	var doc DIDDocument
	require.NoError(t, json.Unmarshal([]byte(sampleDocument), &doc))

	assert.Equal(t, Context{DefaultDIDContext}, doc.Context)
	assert.Equal(t, []string{"did:example:bob"}, doc.Controller)
	require.Len(t, doc.Authentication, 1)
	assert.Equal(t, "did:example:alice#key-1", doc.Authentication[0].Reference)
	require.Len(t, doc.KeyAgreement, 1)
	require.NotNil(t, doc.KeyAgreement[0].Embedded)
	assert.Equal(t, "did:example:alice#key-agreement-1", doc.KeyAgreement[0].ID())
	assert.Equal(t, "https://example.com/didcomm", doc.Service[0].ServiceEndpoint)
}

func TestDIDDocument_DereferenceAndValidate(t *testing.T) {
	var doc DIDDocument
	require.NoError(t, json.Unmarshal([]byte(sampleDocument), &doc))

	vm, err := doc.Dereference("did:example:alice#key-1")
	require.NoError(t, err)
	assert.Equal(t, "#key-1", vm.ID)

	vm, err = doc.Dereference("#key-agreement-1")
	require.NoError(t, err)
	assert.Equal(t, "X25519KeyAgreementKey2020", vm.Type)

	require.NoError(t, doc.ValidateReferences())

	doc.AssertionMethod = []VerificationRelationship{{Reference: "#missing"}}
	assert.Error(t, doc.ValidateReferences())
}

func TestDIDDocument_RoundTrip(t *testing.T) {
	var doc DIDDocument
	require.NoError(t, json.Unmarshal([]byte(sampleDocument), &doc))

	raw, err := json.Marshal(&doc)
	require.NoError(t, err)

	var again DIDDocument
	require.NoError(t, json.Unmarshal(raw, &again))
	assert.Equal(t, doc, again)

	clone, err := doc.Clone()
	require.NoError(t, err)
	require.NotNil(t, clone)
	assert.Equal(t, doc, *clone)
	clone.VerificationMethod[0].ID = "#changed"
	assert.Equal(t, "#key-1", doc.VerificationMethod[0].ID)
}

func TestDIDDocument_KeepsExtensionMembers(t *testing.T) {
	const payload = `{
  "@context": ["https://www.w3.org/ns/did/v1", {"@vocab": "https://example.com/vocab#"}],
  "id": "did:example:alice",
  "controller": "did:example:alice",
  "customProp": {"nested": [1, 2.5, "x"]},
  "verificationMethod": [
    {
      "id": "#key-1",
      "type": "Multikey",
      "controller": "did:example:alice",
      "publicKeyMultibase": "z6MkkBaWtQKyx7Mr54XaXyMAEpNKqphK4x7ztuBpSfR6Wqwr",
      "revoked": "2024-01-01T00:00:00Z"
    }
  ],
  "assertionMethod": [
    {"id": "#key-2", "type": "Multikey", "controller": "did:example:alice", "publicKeyMultibase": "z6Mk", "label": "embedded"}
  ],
  "service": [
    {"id": "#s1", "type": ["LinkedDomains", "DIDCommMessaging"], "serviceEndpoint": "https://x", "description": "hi"},
    {"id": "#s2", "type": ["LinkedDomains"], "serviceEndpoint": {"origins": ["https://y"]}}
  ]
}`
	var doc DIDDocument
	require.NoError(t, json.Unmarshal([]byte(payload), &doc))
	assert.JSONEq(t, `{"nested": [1, 2.5, "x"]}`, string(doc.Extra["customProp"]))
	assert.JSONEq(t, `"2024-01-01T00:00:00Z"`, string(doc.VerificationMethod[0].Extra["revoked"]))
	assert.Equal(t, ServiceType{"LinkedDomains", "DIDCommMessaging"}, doc.Service[0].Type)
	assert.True(t, doc.Service[0].Type.Has("DIDCommMessaging"))
	assert.JSONEq(t, `"hi"`, string(doc.Service[0].Extra["description"]))

	raw, err := json.Marshal(&doc)
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(raw))

	clone, err := doc.Clone()
	require.NoError(t, err)
	raw, err = json.Marshal(clone)
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(raw))
}

func TestDIDDocument_SingleServiceTypeStaysString(t *testing.T) {
	svc := DIDService{ID: "#s", Type: ServiceType{"LinkedDomains"}, ServiceEndpoint: "https://x"}
	raw, err := json.Marshal(svc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"#s","type":"LinkedDomains","serviceEndpoint":"https://x"}`, string(raw))

	var decoded DIDService
	require.Error(t, json.Unmarshal([]byte(`{"id":"#s","type":7,"serviceEndpoint":"https://x"}`), &decoded))
}

func TestDIDDocument_CloneReportsEncodingFailure(t *testing.T) {
	doc := NewDIDDocument("did:example:alice")
	doc.Extra = map[string]json.RawMessage{"broken": json.RawMessage(`{"a":`)}

	clone, err := doc.Clone()
	require.Error(t, err)
	assert.Nil(t, clone)

	_, err = NewResolutionSuccess(doc, DIDDocumentMetadata{}).Clone()
	require.Error(t, err)

	var nilDoc *DIDDocument
	clone, err = nilDoc.Clone()
	require.NoError(t, err)
	assert.Nil(t, clone)
}

func TestDIDDocument_RecipientKeysFallsBackToAuthentication(t *testing.T) {
	doc := NewDIDDocument("did:example:carol")
	doc.VerificationMethod = []VerificationMethod{{ID: "#k", Type: "Ed25519VerificationKey2020", Controller: doc.ID}}
	doc.Authentication = []VerificationRelationship{{Reference: "#k"}}

	keys := doc.RecipientKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, "#k", keys[0].ID)
}

func TestDIDResolutionResult_Err(t *testing.T) {
	ok := NewResolutionSuccess(NewDIDDocument("did:example:a"), DIDDocumentMetadata{})
	assert.NoError(t, ok.Err())

	failed := NewResolutionFailure(ErrorCodeNotFound, "no such DID")
	err := failed.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInvalidLog)
	assert.Nil(t, failed.DIDDocument)
}

func TestAsResolutionError(t *testing.T) {
	assert.Nil(t, AsResolutionError(nil))

	re := AsResolutionError(assert.AnError)
	assert.Equal(t, ErrorCodeInternal, re.Code)

	wrapped := AsResolutionError(NewResolutionError(ErrorCodeTimeout, "fetch took %s", "5s"))
	assert.Equal(t, ErrorCodeTimeout, wrapped.Code)
	assert.Equal(t, "timeoutError: fetch took 5s", wrapped.Error())
}

func TestDIDRecord_MergedTags(t *testing.T) {
	doc := NewDIDDocument("did:peer:0z6Mk")
	doc.VerificationMethod = []VerificationMethod{{ID: "#k", PublicKeyMultibase: "z6Mk"}}
	doc.KeyAgreement = []VerificationRelationship{{Reference: "#k"}}
	record := &DIDRecord{
		DID:         doc.ID,
		Role:        DIDDocumentRoleReceived,
		DIDDocument: doc,
		Tags:        map[string][]string{"alias": {"bob"}, DIDRecordTagRole: {"bogus"}},
	}

	tags := record.MergedTags(func(vm *VerificationMethod) string { return vm.PublicKeyMultibase })
	assert.Equal(t, []string{"bob"}, tags["alias"])
	assert.Equal(t, []string{"received"}, tags[DIDRecordTagRole])
	assert.Equal(t, []string{"peer"}, tags[DIDRecordTagMethod])
	assert.Equal(t, []string{"z6Mk"}, tags[DIDRecordTagRecipientKeys])
}
