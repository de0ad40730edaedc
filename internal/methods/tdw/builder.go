package tdw

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Agent-Field/agentfield-dids/internal/didutil"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// Signer produces the proof for a log entry.
type Signer interface {
	KeyID() string
	Sign(message []byte) ([]byte, error)
}

type ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewEd25519Signer signs with key and names keyID as the proof's
// verification method. keyID may contain the SCID placeholder.
func NewEd25519Signer(keyID string, key ed25519.PrivateKey) Signer {
	return &ed25519Signer{keyID: keyID, key: key}
}

func (s *ed25519Signer) KeyID() string { return s.keyID }

func (s *ed25519Signer) Sign(message []byte) ([]byte, error) {
	if len(s.key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length %d", len(s.key))
	}
	return ed25519.Sign(s.key, message), nil
}

// LogBuilder authors version logs: a genesis entry that fixes the SCID,
// followed by signed updates.
type LogBuilder struct {
	crypto  Crypto
	now     func() time.Time
	scid    string
	did     string
	entries []LogEntry
}

// NewLogBuilder returns an empty builder. A nil crypto uses DefaultCrypto.
func NewLogBuilder(c Crypto) *LogBuilder {
	if c == nil {
		c = DefaultCrypto{}
	}
	return &LogBuilder{crypto: c, now: time.Now}
}

// DocumentTemplate returns a genesis document for
// did:tdw:{SCID}:<domainAndPath> whose single Ed25519 key is used for
// authentication, assertion and log updates.
func DocumentTemplate(domainAndPath string, updateKey ed25519.PublicKey) *types.DIDDocument {
	did := "did:tdw:" + SCIDPlaceholder + ":" + domainAndPath
	doc := types.NewDIDDocument(did)
	doc.Context = append(doc.Context, didutil.ContextMultikey)
	AddUpdateKey(doc, "#key-1", updateKey)
	doc.Authentication = []types.VerificationRelationship{{Reference: "#key-1"}}
	doc.AssertionMethod = []types.VerificationRelationship{{Reference: "#key-1"}}
	return doc
}

// AddUpdateKey adds an Ed25519 multikey to doc and authorizes it for
// capabilityInvocation, which is what permits it to sign the next entry.
func AddUpdateKey(doc *types.DIDDocument, fragment string, pub ed25519.PublicKey) {
	doc.VerificationMethod = append(doc.VerificationMethod, types.VerificationMethod{
		ID:                 fragment,
		Type:               didutil.TypeMultikey,
		Controller:         doc.ID,
		PublicKeyMultibase: didutil.EncodeMultikey(didutil.CodecEd25519Pub, pub),
	})
	doc.CapabilityInvocation = append(doc.CapabilityInvocation, types.VerificationRelationship{Reference: fragment})
}

// DID returns the identifier fixed by Genesis.
func (b *LogBuilder) DID() string { return b.did }

// Entries returns a copy of the entries built so far.
func (b *LogBuilder) Entries() []LogEntry {
	return append([]LogEntry(nil), b.entries...)
}

// Genesis computes the SCID over template (which must use the placeholder in
// place of the SCID), substitutes it and signs the first entry. It returns
// the resulting DID.
func (b *LogBuilder) Genesis(template *types.DIDDocument, signer Signer) (string, error) {
	if len(b.entries) > 0 {
		return "", fmt.Errorf("log already has a genesis entry")
	}
	if !strings.Contains(template.ID, SCIDPlaceholder) {
		return "", fmt.Errorf("genesis document id %q must contain %s", template.ID, SCIDPlaceholder)
	}
	raw, err := json.Marshal(template)
	if err != nil {
		return "", fmt.Errorf("encode genesis document: %w", err)
	}
	scid, err := computeSCID(b.crypto, raw, "")
	if err != nil {
		return "", err
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize genesis document: %w", err)
	}
	payload := json.RawMessage(strings.ReplaceAll(string(canonical), SCIDPlaceholder, scid))

	b.scid = scid
	b.did = strings.ReplaceAll(template.ID, SCIDPlaceholder, scid)
	if err := b.append(payload, signer); err != nil {
		b.scid, b.did = "", ""
		return "", err
	}
	return b.did, nil
}

// Update appends doc as the next version, signed by signer. The signer must
// be authorized by the previous version for the log to verify.
func (b *LogBuilder) Update(doc *types.DIDDocument, signer Signer) error {
	if len(b.entries) == 0 {
		return fmt.Errorf("log has no genesis entry")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return b.append(raw, signer)
}

// Bytes returns the log in its did.jsonl wire form.
func (b *LogBuilder) Bytes() ([]byte, error) {
	return MarshalLog(b.entries)
}

func (b *LogBuilder) append(payload json.RawMessage, signer Signer) error {
	var previous *string
	if n := len(b.entries); n > 0 {
		hash := b.entries[n-1].VersionHash
		previous = &hash
	}
	hash, err := versionHash(b.crypto, previous, payload)
	if err != nil {
		return err
	}
	sig, err := signer.Sign([]byte(hash))
	if err != nil {
		return fmt.Errorf("sign version %d: %w", len(b.entries)+1, err)
	}

	keyID := strings.ReplaceAll(signer.KeyID(), SCIDPlaceholder, b.scid)
	if strings.HasPrefix(keyID, "#") {
		keyID = b.did + keyID
	}
	b.entries = append(b.entries, LogEntry{
		VersionID:    len(b.entries) + 1,
		VersionHash:  hash,
		PreviousHash: previous,
		Payload:      payload,
		Proof: &Proof{
			Type:               ProofType,
			VerificationMethod: keyID,
			ProofValue:         didutil.EncodeMultibase(sig),
			Created:            b.now().UTC().Format(time.RFC3339),
		},
	})
	return nil
}
