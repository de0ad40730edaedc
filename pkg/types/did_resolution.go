package types

import "encoding/json"

// DIDResolutionResult represents the result of resolving a DID.
type DIDResolutionResult struct {
	DIDDocument           *DIDDocument          `json:"didDocument"`
	DIDResolutionMetadata DIDResolutionMetadata `json:"didResolutionMetadata"`
	DIDDocumentMetadata   DIDDocumentMetadata   `json:"didDocumentMetadata"`
}

// DIDResolutionMetadata contains metadata about the resolution process.
type DIDResolutionMetadata struct {
	ContentType         string              `json:"contentType,omitempty"`
	ServedFromCache     bool                `json:"servedFromCache"`
	ServedFromDIDRecord bool                `json:"servedFromDidRecord"`
	Error               ResolutionErrorCode `json:"error,omitempty"`
	Message             string              `json:"message,omitempty"`
}

// DIDDocumentMetadata contains metadata about the DID document.
type DIDDocumentMetadata struct {
	Created       string `json:"created,omitempty"`
	Updated       string `json:"updated,omitempty"`
	Deactivated   bool   `json:"deactivated,omitempty"`
	VersionID     string `json:"versionId,omitempty"`
	NextVersionID string `json:"nextVersionId,omitempty"`
}

// ContentTypeDIDJSON is the media type of resolved documents.
const ContentTypeDIDJSON = "application/did+json"

// NewResolutionSuccess wraps a document in a successful result.
func NewResolutionSuccess(doc *DIDDocument, docMeta DIDDocumentMetadata) *DIDResolutionResult {
	return &DIDResolutionResult{
		DIDDocument: doc,
		DIDResolutionMetadata: DIDResolutionMetadata{
			ContentType: ContentTypeDIDJSON,
		},
		DIDDocumentMetadata: docMeta,
	}
}

// NewResolutionFailure returns a result with no document and the error set.
func NewResolutionFailure(code ResolutionErrorCode, message string) *DIDResolutionResult {
	return &DIDResolutionResult{
		DIDResolutionMetadata: DIDResolutionMetadata{
			Error:   code,
			Message: message,
		},
	}
}

// NewResolutionFailureFromError maps err onto a failed result. Errors that
// are not *ResolutionError become internalError.
func NewResolutionFailureFromError(err error) *DIDResolutionResult {
	re := AsResolutionError(err)
	return NewResolutionFailure(re.Code, re.Message)
}

// Err returns the resolution error, or nil on success.
func (r *DIDResolutionResult) Err() error {
	if r == nil {
		return &ResolutionError{Code: ErrorCodeInternal, Message: "nil resolution result"}
	}
	if r.DIDResolutionMetadata.Error == "" {
		return nil
	}
	return &ResolutionError{Code: r.DIDResolutionMetadata.Error, Message: r.DIDResolutionMetadata.Message}
}

// Clone returns a deep copy of the result.
func (r *DIDResolutionResult) Clone() (*DIDResolutionResult, error) {
	if r == nil {
		return nil, nil
	}
	out := *r
	doc, err := r.DIDDocument.Clone()
	if err != nil {
		return nil, err
	}
	out.DIDDocument = doc
	return &out, nil
}

// MarshalDocument serializes only the DID document.
func (r *DIDResolutionResult) MarshalDocument() ([]byte, error) {
	return json.Marshal(r.DIDDocument)
}

// ResolveOptions carries per-call parameters from the resolver to a method
// driver. VersionID pins a specific document version where the method
// supports history.
type ResolveOptions struct {
	VersionID string
}
