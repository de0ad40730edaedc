package didutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// Fetcher retrieves the raw bytes at a location derived from a DID.
// Failures are *types.ResolutionError with notFound, networkError or
// timeoutError codes.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, location string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, location string) ([]byte, error) {
	return f(ctx, location)
}

// DefaultMaxBodyBytes caps the size of fetched DID artefacts.
const DefaultMaxBodyBytes = 4 << 20

// HTTPFetcher fetches DID artefacts over HTTP(S).
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	accept       string
	timeout      time.Duration
	maxBodyBytes int64
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithUserAgent sets a custom User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithAccept sets the Accept header.
func WithAccept(accept string) HTTPOption {
	return func(f *HTTPFetcher) {
		if accept != "" {
			f.accept = accept
		}
	}
}

// WithTimeout bounds each fetch, in addition to any caller deadline. Zero
// leaves only the caller's deadline; negative values are ignored.
func WithTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		if d >= 0 {
			f.timeout = d
		}
	}
}

// WithMaxBodyBytes caps the accepted response size.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBodyBytes = n
		}
	}
}

// NewHTTPFetcher creates an HTTP fetcher with sane defaults.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:       http.DefaultClient,
		userAgent:    "agentfield-dids",
		accept:       "*/*",
		timeout:      10 * time.Second,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs a GET on location.
func (f *HTTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, types.NewResolutionError(types.ErrorCodeInvalidDID, "build request for %s: %v", location, err)
	}
	req.Header.Set("Accept", f.accept)
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(location, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, types.NewResolutionError(types.ErrorCodeNotFound, "%s returned %d", location, resp.StatusCode)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewResolutionError(types.ErrorCodeNetwork, "%s returned %d: %s", location, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, classifyTransportError(location, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, types.NewResolutionError(types.ErrorCodeNetwork, "%s: response exceeds %d bytes", location, f.maxBodyBytes)
	}
	return body, nil
}

func classifyTransportError(location string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewResolutionError(types.ErrorCodeTimeout, "fetch %s: %v", location, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewResolutionError(types.ErrorCodeTimeout, "fetch %s: %v", location, err)
	}
	return types.NewResolutionError(types.ErrorCodeNetwork, "fetch %s: %v", location, err)
}

// HostFromSegment decodes a did:web style domain segment ("%3A" → ":").
func HostFromSegment(segment string) (string, error) {
	host := strings.ReplaceAll(segment, "%3A", ":")
	host = strings.ReplaceAll(host, "%3a", ":")
	if host == "" || strings.ContainsAny(host, "/?#@%") {
		return "", fmt.Errorf("invalid domain segment %q", segment)
	}
	return host, nil
}
