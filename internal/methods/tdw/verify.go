package tdw

import (
	"encoding/json"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// VerifyLog checks the full log for scid. The hash chain and SCID binding are
// verified first (invalidLog), then every proof (signatureError). Payloads
// are only read for their update keys; decoding them as documents is left
// to DecodeDocument.
func VerifyLog(c Crypto, scid string, entries []LogEntry) error {
	if err := verifyChain(c, scid, entries); err != nil {
		return err
	}

	for i, entry := range entries {
		// Entry 1 is authorized by its own payload; later entries by the
		// state they update.
		authorizing := entry
		if i > 0 {
			authorizing = entries[i-1]
		}
		authority, err := updateKeysOf(authorizing)
		if err != nil {
			return err
		}
		if err := verifyProof(c, entry, authority); err != nil {
			return err
		}
	}
	return nil
}

// updateKeys is the part of a payload that authorizes the next entry.
type updateKeys struct {
	ID                   string                           `json:"id"`
	VerificationMethod   []types.VerificationMethod       `json:"verificationMethod"`
	CapabilityInvocation []types.VerificationRelationship `json:"capabilityInvocation"`
}

func updateKeysOf(entry LogEntry) (*types.DIDDocument, error) {
	var keys updateKeys
	if err := json.Unmarshal(entry.Payload, &keys); err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeSignature, "version %d: unreadable update keys: %v", entry.VersionID, err)
	}
	return &types.DIDDocument{
		ID:                   keys.ID,
		VerificationMethod:   keys.VerificationMethod,
		CapabilityInvocation: keys.CapabilityInvocation,
	}, nil
}

// DecodeDocument reads a verified entry's payload as a DID document.
// Failures are invalidDidDocument: the log itself is intact.
func DecodeDocument(entry LogEntry) (*types.DIDDocument, error) {
	var doc types.DIDDocument
	if err := json.Unmarshal(entry.Payload, &doc); err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidDIDDocument, "version %d: decode payload: %v", entry.VersionID, err)
	}
	return &doc, nil
}

func verifyChain(c Crypto, scid string, entries []LogEntry) error {
	if len(entries) == 0 {
		return types.NewResolutionError(types.ErrorCodeInvalidLog, "log is empty")
	}

	genesisSCID, err := computeSCID(c, entries[0].Payload, scid)
	if err != nil {
		return types.NewResolutionError(types.ErrorCodeInvalidLog, "%v", err)
	}
	if genesisSCID != scid {
		return types.NewResolutionError(types.ErrorCodeInvalidLog, "genesis entry does not match scid %s", scid)
	}

	var previous *string
	for i, entry := range entries {
		if entry.VersionID != i+1 {
			return types.NewResolutionError(types.ErrorCodeInvalidLog, "entry %d has versionId %d, expected %d", i, entry.VersionID, i+1)
		}
		switch {
		case previous == nil && entry.PreviousHash != nil:
			return types.NewResolutionError(types.ErrorCodeInvalidLog, "genesis entry must not have a previousHash")
		case previous != nil && (entry.PreviousHash == nil || *entry.PreviousHash != *previous):
			return types.NewResolutionError(types.ErrorCodeInvalidLog, "version %d does not chain to version %d", entry.VersionID, i)
		}

		expected, err := versionHash(c, entry.PreviousHash, entry.Payload)
		if err != nil {
			return types.NewResolutionError(types.ErrorCodeInvalidLog, "version %d: %v", entry.VersionID, err)
		}
		if entry.VersionHash != expected {
			return types.NewResolutionError(types.ErrorCodeInvalidLog, "version %d: versionHash mismatch", entry.VersionID)
		}
		hash := entry.VersionHash
		previous = &hash
	}
	return nil
}

func verifyProof(c Crypto, entry LogEntry, authority *types.DIDDocument) error {
	if entry.Proof == nil || entry.Proof.ProofValue == "" {
		return types.NewResolutionError(types.ErrorCodeSignature, "version %d is unsigned", entry.VersionID)
	}

	keyID := authority.AbsoluteID(entry.Proof.VerificationMethod)
	authorized, err := authority.VerificationMethodsFor(authority.CapabilityInvocation)
	if err != nil {
		return types.NewResolutionError(types.ErrorCodeSignature, "version %d: %v", entry.VersionID, err)
	}
	var signer *types.VerificationMethod
	for _, vm := range authorized {
		if authority.AbsoluteID(vm.ID) == keyID {
			signer = vm
			break
		}
	}
	if signer == nil {
		return types.NewResolutionError(types.ErrorCodeSignature, "version %d: key %s is not authorized to update", entry.VersionID, keyID)
	}

	pub, err := didutil.Ed25519PublicKey(signer)
	if err != nil {
		return types.NewResolutionError(types.ErrorCodeSignature, "version %d: %v", entry.VersionID, err)
	}
	sig, err := didutil.DecodeMultibase(entry.Proof.ProofValue)
	if err != nil {
		return types.NewResolutionError(types.ErrorCodeSignature, "version %d: proofValue: %v", entry.VersionID, err)
	}
	if !c.Verify(pub, []byte(entry.VersionHash), sig) {
		return types.NewResolutionError(types.ErrorCodeSignature, "version %d: signature does not verify", entry.VersionID)
	}
	return nil
}
