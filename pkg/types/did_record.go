package types

import (
	"sort"
	"time"
)

// DIDDocumentRole records whether this agent created the DID or received it.
type DIDDocumentRole string

const (
	DIDDocumentRoleCreated  DIDDocumentRole = "created"
	DIDDocumentRoleReceived DIDDocumentRole = "received"
)

// Tag names maintained on every DID record.
const (
	DIDRecordTagMethod        = "method"
	DIDRecordTagRole          = "role"
	DIDRecordTagRecipientKeys = "recipientKeyFingerprints"
)

// DIDRecord is a locally persisted DID Document. Only Tags may change after
// the record is first saved.
type DIDRecord struct {
	ID          string              `json:"id" db:"id"`
	DID         string              `json:"did" db:"did"`
	Role        DIDDocumentRole     `json:"role" db:"role"`
	DIDDocument *DIDDocument        `json:"did_document,omitempty" db:"did_document"`
	Tags        map[string][]string `json:"tags" db:"tags"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at" db:"updated_at"`
}

// DefaultTags derives the indexed tags from the record contents.
func (r *DIDRecord) DefaultTags(fingerprint func(*VerificationMethod) string) map[string][]string {
	tags := map[string][]string{
		DIDRecordTagRole: {string(r.Role)},
	}
	if did, err := ParseDID(r.DID); err == nil {
		tags[DIDRecordTagMethod] = []string{did.Method}
	}
	if r.DIDDocument != nil && fingerprint != nil {
		var fps []string
		for _, vm := range r.DIDDocument.RecipientKeys() {
			if fp := fingerprint(vm); fp != "" {
				fps = append(fps, fp)
			}
		}
		sort.Strings(fps)
		if len(fps) > 0 {
			tags[DIDRecordTagRecipientKeys] = fps
		}
	}
	return tags
}

// MergedTags returns custom tags overlaid with the default tags.
func (r *DIDRecord) MergedTags(fingerprint func(*VerificationMethod) string) map[string][]string {
	out := make(map[string][]string, len(r.Tags)+3)
	for k, v := range r.Tags {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range r.DefaultTags(fingerprint) {
		out[k] = v
	}
	return out
}
