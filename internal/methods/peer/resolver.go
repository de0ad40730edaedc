// Package peer resolves did:peer identifiers for numalgo 0, 1 and 2.
package peer

import (
	"context"
	"fmt"
	"regexp"

	"github.com/Agent-Field/agentfield-dids/internal/methods/key"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// NumAlgo is the generation algorithm encoded in the first character of a
// did:peer method-specific id.
type NumAlgo byte

const (
	NumAlgoInceptionKey NumAlgo = '0'
	NumAlgoGenesisDoc   NumAlgo = '1'
	NumAlgoMultipleKeys NumAlgo = '2'
)

const (
	base58Chars          = `[1-9A-HJ-NP-Za-km-z]`
	multibaseBase58Chars = `z` + base58Chars + `+`
)

var peerIDPattern = regexp.MustCompile(
	`^(?:0` + multibaseBase58Chars +
		`|1zQm` + base58Chars + `{44}` +
		`|2(?:\.[AEVID]` + multibaseBase58Chars + `|\.S[0-9A-Za-z_-]+)+)$`,
)

// Resolver is the did:peer method driver.
type Resolver struct{}

// NewResolver returns a did:peer driver.
func NewResolver() *Resolver { return &Resolver{} }

func (r *Resolver) SupportedMethods() []string { return []string{string(types.DIDMethodPeer)} }

func (r *Resolver) AllowsCaching() bool { return false }

// AllowsLocalDIDRecord is true so numalgo 1 documents exchanged out of band
// can be served from the record store.
func (r *Resolver) AllowsLocalDIDRecord() bool { return true }

func (r *Resolver) Resolve(ctx context.Context, did *types.DID, _ types.ResolveOptions) *types.DIDResolutionResult {
	if did.Method != string(types.DIDMethodPeer) {
		return types.NewResolutionFailure(types.ErrorCodeMethodNotSupported, fmt.Sprintf("did:peer driver cannot resolve did:%s", did.Method))
	}
	if !peerIDPattern.MatchString(did.ID) {
		return types.NewResolutionFailure(types.ErrorCodeInvalidDID, fmt.Sprintf("%s is not a valid did:peer", did.String()))
	}

	var (
		doc *types.DIDDocument
		err error
	)
	switch NumAlgo(did.ID[0]) {
	case NumAlgoInceptionKey:
		doc, err = key.DocumentFromFingerprint(did.String(), did.ID[1:])
	case NumAlgoMultipleKeys:
		doc, err = documentFromNumAlgo2(did.String())
	case NumAlgoGenesisDoc:
		return types.NewResolutionFailure(types.ErrorCodeNotFound,
			fmt.Sprintf("%s: numalgo 1 documents can only be resolved from a stored record", did.String()))
	}
	if err != nil {
		return types.NewResolutionFailureFromError(err)
	}
	return types.NewResolutionSuccess(doc, types.DIDDocumentMetadata{})
}
