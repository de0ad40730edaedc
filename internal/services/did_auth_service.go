package services

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
)

// DIDAuthService verifies that a caller controls a DID by checking a
// signature against the authentication keys of its resolved document.
type DIDAuthService struct {
	resolver DIDDocumentResolver
}

func NewDIDAuthService(resolver DIDDocumentResolver) *DIDAuthService {
	return &DIDAuthService{resolver: resolver}
}

// VerifyDIDOwnership reports whether signature over message was produced by
// one of the Ed25519 authentication keys of did. Resolution failures are
// returned as errors; a signature matching no key is (false, nil).
func (s *DIDAuthService) VerifyDIDOwnership(ctx context.Context, did string, message []byte, signature []byte) (bool, error) {
	doc, err := s.resolver.ResolveDIDDocument(ctx, did)
	if err != nil {
		return false, fmt.Errorf("failed to resolve DID: %w", err)
	}

	methods, err := doc.VerificationMethodsFor(doc.Authentication)
	if err != nil {
		return false, fmt.Errorf("dereference authentication keys: %w", err)
	}
	if len(methods) == 0 {
		return false, fmt.Errorf("no authentication key in DID document")
	}

	for _, vm := range methods {
		pub, err := didutil.Ed25519PublicKey(vm)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, message, signature) {
			return true, nil
		}
	}
	return false, nil
}
