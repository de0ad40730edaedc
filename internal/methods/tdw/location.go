package tdw

import (
	"fmt"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

const logFile = "did.jsonl"

// SCID returns the self-certifying identifier of a did:tdw.
func SCID(did *types.DID) string {
	return did.Segments()[0]
}

// LogURL returns where the version log of did is published:
// did:tdw:<scid>:<domain>[:<path>...] maps to https://<domain>/<path>/did.jsonl,
// or https://<domain>/.well-known/did.jsonl without a path.
func LogURL(did *types.DID) (string, error) {
	segments := did.Segments()
	if len(segments) < 2 {
		return "", fmt.Errorf("%s: expected did:tdw:<scid>:<domain>", did.String())
	}
	if !isContentID(segments[0]) {
		return "", fmt.Errorf("%s: scid %q is not a CIDv0", did.String(), segments[0])
	}
	return didutil.WebLocation(segments[1:], logFile)
}
