// Package tdw resolves did:tdw identifiers ("trust DID web") by fetching a
// hash-chained, signed version log and verifying it from genesis to head.
package tdw

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// SCIDPlaceholder stands in for the self-certifying identifier while it is
// being computed over the genesis document.
const SCIDPlaceholder = "{SCID}"

// ProofType is the proof suite written by LogBuilder.
const ProofType = "Ed25519Signature2020"

// LogEntry is one line of a did.jsonl version log.
type LogEntry struct {
	VersionID    int             `json:"versionId"`
	VersionHash  string          `json:"versionHash"`
	PreviousHash *string         `json:"previousHash"`
	Payload      json.RawMessage `json:"payload"`
	Proof        *Proof          `json:"proof"`
}

// Proof signs the UTF-8 bytes of the entry's versionHash.
type Proof struct {
	Type               string `json:"type"`
	VerificationMethod string `json:"verificationMethod"`
	ProofValue         string `json:"proofValue"`
	Created            string `json:"created,omitempty"`
}

// ParseLog decodes a JSON Lines version log, oldest entry first. Blank
// lines are ignored.
func ParseLog(raw []byte) ([]LogEntry, error) {
	var entries []LogEntry
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), len(raw)+1)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, types.NewResolutionError(types.ErrorCodeInvalidLog, "line %d: %v", line, err)
		}
		if len(entry.Payload) == 0 || bytes.Equal(entry.Payload, []byte("null")) {
			return nil, types.NewResolutionError(types.ErrorCodeInvalidLog, "line %d: missing payload", line)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidLog, "read log: %v", err)
	}
	if len(entries) == 0 {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidLog, "log is empty")
	}
	return entries, nil
}

// MarshalLog encodes entries as JSON Lines.
func MarshalLog(entries []LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("encode log entry %d: %w", entry.VersionID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// canonicalJSON re-encodes raw with sorted object keys, no insignificant
// whitespace and numbers preserved verbatim.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return encodeCanonical(v)
}

func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// versionHash computes the content hash binding an entry to its predecessor.
func versionHash(c Crypto, previousHash *string, payload json.RawMessage) (string, error) {
	canonicalPayload, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	var prev any
	if previousHash != nil {
		prev = *previousHash
	}
	input, err := encodeCanonical(map[string]any{
		"payload":      json.RawMessage(canonicalPayload),
		"previousHash": prev,
	})
	if err != nil {
		return "", fmt.Errorf("encode hash input: %w", err)
	}
	return contentID(c, input)
}

// computeSCID hashes the genesis payload with every occurrence of scid
// replaced by the placeholder. Pass an empty scid for a template that already
// carries the placeholder.
func computeSCID(c Crypto, genesis json.RawMessage, scid string) (string, error) {
	canonical, err := canonicalJSON(genesis)
	if err != nil {
		return "", fmt.Errorf("canonicalize genesis payload: %w", err)
	}
	text := string(canonical)
	if scid != "" {
		text = strings.ReplaceAll(text, scid, SCIDPlaceholder)
	}
	return contentID(c, []byte(text))
}
