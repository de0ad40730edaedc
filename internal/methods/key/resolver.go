// Package key resolves did:key identifiers. The document is derived
// entirely from the encoded public key; no I/O is performed.
package key

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// Resolver is the did:key method driver.
type Resolver struct{}

// NewResolver returns a did:key driver.
func NewResolver() *Resolver { return &Resolver{} }

func (r *Resolver) SupportedMethods() []string { return []string{string(types.DIDMethodKey)} }

// AllowsCaching is false: resolution is a pure decode and cheaper than a lookup.
func (r *Resolver) AllowsCaching() bool { return false }

func (r *Resolver) AllowsLocalDIDRecord() bool { return false }

// Resolve expands the multikey fingerprint into a DID document.
func (r *Resolver) Resolve(ctx context.Context, did *types.DID, _ types.ResolveOptions) *types.DIDResolutionResult {
	if did.Method != string(types.DIDMethodKey) {
		return types.NewResolutionFailure(types.ErrorCodeMethodNotSupported, fmt.Sprintf("did:key driver cannot resolve did:%s", did.Method))
	}
	doc, err := DocumentFromFingerprint(did.String(), did.ID)
	if err != nil {
		return types.NewResolutionFailureFromError(err)
	}
	return types.NewResolutionSuccess(doc, types.DIDDocumentMetadata{})
}

// DocumentFromFingerprint builds the document for a single multikey. Ed25519
// keys are usable for every verification relationship and additionally get a
// derived X25519 key agreement method; X25519 keys only support key agreement.
func DocumentFromFingerprint(did, fingerprint string) (*types.DIDDocument, error) {
	codec, raw, err := didutil.DecodeMultikey(fingerprint)
	if err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidDID, "%s: %v", did, err)
	}

	doc := types.NewDIDDocument(did)
	switch codec {
	case didutil.CodecEd25519Pub:
		doc.Context = append(doc.Context, didutil.ContextEd25519Suite2020, didutil.ContextX25519Suite2020)

		vmID := did + "#" + fingerprint
		doc.VerificationMethod = append(doc.VerificationMethod, types.VerificationMethod{
			ID:                 vmID,
			Type:               didutil.TypeEd25519VerificationKey2020,
			Controller:         did,
			PublicKeyMultibase: fingerprint,
		})
		ref := []types.VerificationRelationship{{Reference: vmID}}
		doc.Authentication = ref
		doc.AssertionMethod = ref
		doc.CapabilityInvocation = ref
		doc.CapabilityDelegation = ref

		x, err := didutil.Ed25519ToX25519(ed25519.PublicKey(raw))
		if err != nil {
			return nil, types.NewResolutionError(types.ErrorCodeInvalidDID, "%s: %v", did, err)
		}
		xFingerprint := didutil.EncodeMultikey(didutil.CodecX25519Pub, x)
		xID := did + "#" + xFingerprint
		doc.VerificationMethod = append(doc.VerificationMethod, types.VerificationMethod{
			ID:                 xID,
			Type:               didutil.TypeX25519KeyAgreementKey2020,
			Controller:         did,
			PublicKeyMultibase: xFingerprint,
		})
		doc.KeyAgreement = []types.VerificationRelationship{{Reference: xID}}

	case didutil.CodecX25519Pub:
		doc.Context = append(doc.Context, didutil.ContextX25519Suite2020)

		vmID := did + "#" + fingerprint
		doc.VerificationMethod = append(doc.VerificationMethod, types.VerificationMethod{
			ID:                 vmID,
			Type:               didutil.TypeX25519KeyAgreementKey2020,
			Controller:         did,
			PublicKeyMultibase: fingerprint,
		})
		doc.KeyAgreement = []types.VerificationRelationship{{Reference: vmID}}
	}
	return doc, nil
}

// FromPublicKey returns the did:key for an Ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) string {
	return "did:key:" + didutil.EncodeMultikey(didutil.CodecEd25519Pub, pub)
}
