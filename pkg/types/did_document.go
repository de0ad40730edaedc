package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// DefaultDIDContext is the base JSON-LD context of every DID Document.
const DefaultDIDContext = "https://www.w3.org/ns/did/v1"

// DIDDocument represents a W3C DID Document.
// See: https://www.w3.org/TR/did-core/
type DIDDocument struct {
	Context              Context                    `json:"@context,omitempty"`
	ID                   string                     `json:"id"`
	Controller           []string                   `json:"controller,omitempty"`
	AlsoKnownAs          []string                   `json:"alsoKnownAs,omitempty"`
	VerificationMethod   []VerificationMethod       `json:"verificationMethod,omitempty"`
	Authentication       []VerificationRelationship `json:"authentication,omitempty"`
	AssertionMethod      []VerificationRelationship `json:"assertionMethod,omitempty"`
	KeyAgreement         []VerificationRelationship `json:"keyAgreement,omitempty"`
	CapabilityInvocation []VerificationRelationship `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []VerificationRelationship `json:"capabilityDelegation,omitempty"`
	Service              []DIDService               `json:"service,omitempty"`

	// Extra holds members outside the DID Core vocabulary, kept verbatim so
	// a document re-serializes to what was signed.
	Extra map[string]json.RawMessage `json:"-"`

	singleContext    bool
	singleController bool
}

// VerificationMethod represents a verification method in a DID Document.
type VerificationMethod struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Controller         string          `json:"controller"`
	PublicKeyMultibase string          `json:"publicKeyMultibase,omitempty"`
	PublicKeyBase58    string          `json:"publicKeyBase58,omitempty"`
	PublicKeyJwk       json.RawMessage `json:"publicKeyJwk,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// DIDService represents a service endpoint in a DID Document.
// ServiceEndpoint is a URI string, a map, or a list of either.
type DIDService struct {
	ID              string      `json:"id"`
	Type            ServiceType `json:"type"`
	ServiceEndpoint any         `json:"serviceEndpoint"`
	RecipientKeys   []string    `json:"recipientKeys,omitempty"`
	RoutingKeys     []string    `json:"routingKeys,omitempty"`
	Accept          []string    `json:"accept,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`

	typeList bool
}

// ServiceType is a service's type: one string or a set of strings.
// A single type is encoded as a plain string.
type ServiceType []string

// Has reports whether t is one of the service's types.
func (st ServiceType) Has(t string) bool {
	for _, v := range st {
		if v == t {
			return true
		}
	}
	return false
}

func (st ServiceType) MarshalJSON() ([]byte, error) {
	if len(st) == 1 {
		return json.Marshal(st[0])
	}
	return json.Marshal([]string(st))
}

func (st *ServiceType) UnmarshalJSON(data []byte) error {
	list, _, err := stringOrList(data)
	if err != nil {
		return fmt.Errorf("invalid service type: %w", err)
	}
	*st = list
	return nil
}

var (
	documentMembers           = jsonMemberNames(reflect.TypeOf(DIDDocument{}))
	verificationMethodMembers = jsonMemberNames(reflect.TypeOf(VerificationMethod{}))
	serviceMembers            = jsonMemberNames(reflect.TypeOf(DIDService{}))
)

// Context is the JSON-LD @context; it decodes from a single string or a list.
type Context []any

// UnmarshalJSON accepts both "ctx" and ["ctx", {...}].
func (c *Context) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Context{s}
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("invalid @context: %w", err)
	}
	*c = list
	return nil
}

// VerificationRelationship is either a reference to a verification method by
// id or an embedded verification method.
type VerificationRelationship struct {
	Reference string
	Embedded  *VerificationMethod
}

// ID returns the id of the referenced or embedded verification method.
func (r VerificationRelationship) ID() string {
	if r.Embedded != nil {
		return r.Embedded.ID
	}
	return r.Reference
}

// MarshalJSON encodes references as strings and embedded methods as objects.
func (r VerificationRelationship) MarshalJSON() ([]byte, error) {
	if r.Embedded != nil {
		return json.Marshal(r.Embedded)
	}
	return json.Marshal(r.Reference)
}

// UnmarshalJSON decodes either form.
func (r *VerificationRelationship) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		r.Embedded = nil
		return json.Unmarshal(data, &r.Reference)
	}
	var vm VerificationMethod
	if err := json.Unmarshal(data, &vm); err != nil {
		return fmt.Errorf("invalid verification relationship: %w", err)
	}
	r.Reference = ""
	r.Embedded = &vm
	return nil
}

// UnmarshalJSON accepts @context and controller as a string or a list and
// keeps unknown members in Extra.
func (d *DIDDocument) UnmarshalJSON(data []byte) error {
	type alias DIDDocument
	aux := struct {
		*alias
		Controller json.RawMessage `json:"controller,omitempty"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	members, err := objectMembers(data)
	if err != nil {
		return err
	}

	controller, single, err := stringOrList(aux.Controller)
	if err != nil {
		return fmt.Errorf("invalid controller: %w", err)
	}
	d.Controller = controller
	d.singleController = single
	d.singleContext = isJSONString(members["@context"])
	d.Extra = unknownMembers(members, documentMembers)
	return nil
}

// MarshalJSON writes @context and controller in the form they were read in
// and merges Extra back in.
func (d DIDDocument) MarshalJSON() ([]byte, error) {
	type alias DIDDocument
	base, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]any)
	if d.singleContext && len(d.Context) == 1 {
		overrides["@context"] = d.Context[0]
	}
	if d.singleController && len(d.Controller) == 1 {
		overrides["controller"] = d.Controller[0]
	}
	return mergeMembers(base, d.Extra, overrides)
}

// UnmarshalJSON keeps unknown members in Extra.
func (vm *VerificationMethod) UnmarshalJSON(data []byte) error {
	type alias VerificationMethod
	if err := json.Unmarshal(data, (*alias)(vm)); err != nil {
		return err
	}
	members, err := objectMembers(data)
	if err != nil {
		return err
	}
	vm.Extra = unknownMembers(members, verificationMethodMembers)
	return nil
}

func (vm VerificationMethod) MarshalJSON() ([]byte, error) {
	type alias VerificationMethod
	base, err := json.Marshal(alias(vm))
	if err != nil {
		return nil, err
	}
	return mergeMembers(base, vm.Extra, nil)
}

// UnmarshalJSON keeps unknown members in Extra and remembers whether type
// was written as a list.
func (s *DIDService) UnmarshalJSON(data []byte) error {
	type alias DIDService
	if err := json.Unmarshal(data, (*alias)(s)); err != nil {
		return err
	}
	members, err := objectMembers(data)
	if err != nil {
		return err
	}
	raw := bytes.TrimSpace(members["type"])
	s.typeList = len(raw) > 0 && raw[0] == '['
	s.Extra = unknownMembers(members, serviceMembers)
	return nil
}

func (s DIDService) MarshalJSON() ([]byte, error) {
	type alias DIDService
	base, err := json.Marshal(alias(s))
	if err != nil {
		return nil, err
	}
	var overrides map[string]any
	if s.typeList {
		overrides = map[string]any{"type": []string(s.Type)}
	}
	return mergeMembers(base, s.Extra, overrides)
}

// stringOrList decodes "a" or ["a", ...]; single reports the string form.
func stringOrList(raw json.RawMessage) (list []string, single bool, err error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return nil, false, nil
	case raw[0] == '"':
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false, err
		}
		return []string{v}, true, nil
	default:
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, false, err
		}
		return list, false, nil
	}
}

func isJSONString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

func objectMembers(data []byte) (map[string]json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func unknownMembers(members map[string]json.RawMessage, known map[string]bool) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for name, value := range members {
		if known[name] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[name] = value
	}
	return extra
}

// mergeMembers adds extra members (never shadowing struct fields) and
// overrides to the encoded object base.
func mergeMembers(base []byte, extra map[string]json.RawMessage, overrides map[string]any) ([]byte, error) {
	if len(extra) == 0 && len(overrides) == 0 {
		return base, nil
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(base, &members); err != nil {
		return nil, err
	}
	for name, value := range extra {
		if _, ok := members[name]; !ok {
			members[name] = value
		}
	}
	for name, value := range overrides {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		members[name] = raw
	}
	return json.Marshal(members)
}

func jsonMemberNames(t reflect.Type) map[string]bool {
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			names[name] = true
		}
	}
	return names
}

// Dereference finds a verification method by absolute or relative id
// ("#key-1"), looking at top-level and embedded methods.
func (d *DIDDocument) Dereference(id string) (*VerificationMethod, error) {
	target := d.AbsoluteID(id)
	for i := range d.VerificationMethod {
		if d.AbsoluteID(d.VerificationMethod[i].ID) == target {
			return &d.VerificationMethod[i], nil
		}
	}
	for _, rels := range d.relationships() {
		for _, rel := range rels {
			if rel.Embedded != nil && d.AbsoluteID(rel.Embedded.ID) == target {
				return rel.Embedded, nil
			}
		}
	}
	return nil, fmt.Errorf("verification method %s not found in document %s", id, d.ID)
}

// VerificationMethodsFor dereferences every entry of a relationship.
func (d *DIDDocument) VerificationMethodsFor(rels []VerificationRelationship) ([]*VerificationMethod, error) {
	methods := make([]*VerificationMethod, 0, len(rels))
	for _, rel := range rels {
		if rel.Embedded != nil {
			methods = append(methods, rel.Embedded)
			continue
		}
		vm, err := d.Dereference(rel.Reference)
		if err != nil {
			return nil, err
		}
		methods = append(methods, vm)
	}
	return methods, nil
}

// ValidateReferences checks that every relationship reference points at a
// verification method present in the document.
func (d *DIDDocument) ValidateReferences() error {
	for name, rels := range d.relationships() {
		for _, rel := range rels {
			if rel.Embedded != nil {
				continue
			}
			if _, err := d.Dereference(rel.Reference); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// RecipientKeys returns the keyAgreement methods, falling back to
// authentication when none are declared.
func (d *DIDDocument) RecipientKeys() []*VerificationMethod {
	rels := d.KeyAgreement
	if len(rels) == 0 {
		rels = d.Authentication
	}
	methods, err := d.VerificationMethodsFor(rels)
	if err != nil {
		return nil
	}
	return methods
}

// Clone returns a deep copy via JSON round-trip. A nil document clones to nil.
func (d *DIDDocument) Clone() (*DIDDocument, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("copy did document %s: %w", d.ID, err)
	}
	var out DIDDocument
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("copy did document %s: %w", d.ID, err)
	}
	return &out, nil
}

func (d *DIDDocument) relationships() map[string][]VerificationRelationship {
	return map[string][]VerificationRelationship{
		"authentication":       d.Authentication,
		"assertionMethod":      d.AssertionMethod,
		"keyAgreement":         d.KeyAgreement,
		"capabilityInvocation": d.CapabilityInvocation,
		"capabilityDelegation": d.CapabilityDelegation,
	}
}

// AbsoluteID expands a fragment-only id ("#key-1") against the document id.
func (d *DIDDocument) AbsoluteID(id string) string {
	if strings.HasPrefix(id, "#") {
		return d.ID + id
	}
	return id
}

// NewDIDDocument creates an empty document with the base context.
func NewDIDDocument(did string) *DIDDocument {
	return &DIDDocument{
		Context: Context{DefaultDIDContext},
		ID:      did,
	}
}
