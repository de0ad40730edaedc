package types

import (
	"fmt"
	"net/url"
	"strings"
)

// DIDMethod represents the DID method type.
type DIDMethod string

const (
	DIDMethodKey  DIDMethod = "key"
	DIDMethodPeer DIDMethod = "peer"
	DIDMethodWeb  DIDMethod = "web"
	DIDMethodTDW  DIDMethod = "tdw"
)

// DID is a parsed Decentralized Identifier, optionally carrying the DID URL
// components that followed it.
// Format: did:{method}:{method-specific-id}[/path][?query][#fragment]
type DID struct {
	Method   string
	ID       string
	Path     string
	Query    url.Values
	Fragment string
}

// ParseDID parses a DID or DID URL. The method must be a lowercase token and
// the method-specific id must follow the DID ABNF idchar rules.
func ParseDID(raw string) (*DID, error) {
	if !strings.HasPrefix(raw, "did:") {
		return nil, fmt.Errorf("invalid DID %q: must start with 'did:'", raw)
	}
	rest := raw[len("did:"):]

	var fragment string
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		fragment = rest[i+1:]
		rest = rest[:i]
	}
	var rawQuery string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rawQuery = rest[i+1:]
		rest = rest[:i]
	}
	var path string
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		path = rest[i:]
		rest = rest[:i]
	}

	sep := strings.IndexByte(rest, ':')
	if sep <= 0 {
		return nil, fmt.Errorf("invalid DID %q: missing method", raw)
	}
	method, id := rest[:sep], rest[sep+1:]

	for _, r := range method {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return nil, fmt.Errorf("invalid DID %q: method must be lowercase alphanumeric", raw)
		}
	}
	if err := validateMethodSpecificID(id); err != nil {
		return nil, fmt.Errorf("invalid DID %q: %w", raw, err)
	}

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid DID %q: bad query: %w", raw, err)
	}

	return &DID{
		Method:   method,
		ID:       id,
		Path:     path,
		Query:    query,
		Fragment: fragment,
	}, nil
}

// validateMethodSpecificID checks *( *idchar ":" ) 1*idchar where
// idchar = ALPHA / DIGIT / "." / "-" / "_" / pct-encoded.
func validateMethodSpecificID(id string) error {
	if id == "" {
		return fmt.Errorf("empty method-specific id")
	}
	if strings.HasSuffix(id, ":") {
		return fmt.Errorf("method-specific id must not end with ':'")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == '_', c == ':':
		case c == '%':
			if i+2 >= len(id) || !isHex(id[i+1]) || !isHex(id[i+2]) {
				return fmt.Errorf("invalid percent-encoding at offset %d", i)
			}
			i += 2
		default:
			return fmt.Errorf("invalid character %q at offset %d", c, i)
		}
	}
	return nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// String returns the bare DID without path, query or fragment.
func (d *DID) String() string {
	return "did:" + d.Method + ":" + d.ID
}

// URL returns the full DID URL including any path, query and fragment.
func (d *DID) URL() string {
	s := d.String() + d.Path
	if len(d.Query) > 0 {
		s += "?" + d.Query.Encode()
	}
	if d.Fragment != "" {
		s += "#" + d.Fragment
	}
	return s
}

// Segments splits the method-specific id on ':'.
func (d *DID) Segments() []string {
	return strings.Split(d.ID, ":")
}

// VersionID returns the pinned versionId query parameter, if any.
func (d *DID) VersionID() string {
	if d.Query == nil {
		return ""
	}
	return d.Query.Get("versionId")
}
