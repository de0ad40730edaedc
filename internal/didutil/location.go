package didutil

import (
	"fmt"
	"net/url"
	"strings"
)

// WebLocation maps did:web style segments (domain first, then path) to the
// HTTPS URL of file. With no path segments the file lives under /.well-known.
func WebLocation(segments []string, file string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("missing domain segment")
	}
	host, err := HostFromSegment(segments[0])
	if err != nil {
		return "", err
	}

	u := url.URL{Scheme: "https", Host: host}
	if len(segments) == 1 {
		u.Path = "/.well-known/" + file
		return u.String(), nil
	}

	parts := make([]string, 0, len(segments))
	for _, seg := range segments[1:] {
		decoded, err := url.PathUnescape(seg)
		if err != nil || decoded == "" || strings.ContainsAny(decoded, "/?#") || decoded == "." || decoded == ".." {
			return "", fmt.Errorf("invalid path segment %q", seg)
		}
		parts = append(parts, decoded)
	}
	u.Path = "/" + strings.Join(parts, "/") + "/" + file
	return u.String(), nil
}
