// Package client is a Go client for the DID resolver HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// Client provides a thin wrapper over the resolver REST API.
type Client struct {
	baseURL          *url.URL
	httpClient       *http.Client
	apiKey           string
	didAuthenticator *DIDAuthenticator
	authErr          error
}

// Option mutates Client configuration.
type Option func(*Client)

// WithHTTPClient allows custom HTTP transport configuration.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAPIKey sets the X-API-Key header for each request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithDIDAuth signs every request as did using privateKey.
func WithDIDAuth(did string, privateKey ed25519.PrivateKey) Option {
	return func(c *Client) {
		c.didAuthenticator, c.authErr = NewDIDAuthenticator(did, privateKey)
	}
}

// New creates a new Client instance.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}

	c := &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.authErr != nil {
		return nil, fmt.Errorf("configure DID auth: %w", c.authErr)
	}
	return c, nil
}

// Resolve returns the resolution result for did. Resolution failures are
// reported inside the result, not as an error; the error is reserved for
// transport and protocol failures.
func (c *Client) Resolve(ctx context.Context, did string, versionID string) (*types.DIDResolutionResult, error) {
	if did == "" || strings.ContainsAny(did, "/?# ") {
		return nil, fmt.Errorf("invalid DID %q: pass the bare DID and use versionID for pinning", did)
	}
	// DIDs are sent verbatim so percent-encoded ports survive.
	route := "/1.0/identifiers/" + did
	if versionID != "" {
		route += "?versionId=" + url.QueryEscape(versionID)
	}

	var result types.DIDResolutionResult
	err := c.do(ctx, http.MethodGet, route, nil, &result)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Failed resolutions still carry a result body.
		if jsonErr := json.Unmarshal(apiErr.Body, &result); jsonErr == nil && result.DIDResolutionMetadata.Error != "" {
			return &result, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ResolveDocument returns only the document, turning a failed resolution
// into a *types.ResolutionError.
func (c *Client) ResolveDocument(ctx context.Context, did string) (*types.DIDDocument, error) {
	result, err := c.Resolve(ctx, did, "")
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result.DIDDocument, nil
}

// Methods lists the DID methods the server resolves.
func (c *Client) Methods(ctx context.Context) ([]string, error) {
	var resp struct {
		Methods []string `json:"methods"`
	}
	if err := c.do(ctx, http.MethodGet, "/1.0/methods", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Methods, nil
}

// ReceiveDID asks the server to resolve and store did as a received record.
func (c *Client) ReceiveDID(ctx context.Context, did string, tags map[string][]string) (*types.DIDRecord, error) {
	payload := map[string]any{"did": did, "tags": tags}
	var record types.DIDRecord
	if err := c.do(ctx, http.MethodPost, "/1.0/records", payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRecords lists stored records, filtered by an optional name:value tag.
func (c *Client) ListRecords(ctx context.Context, tagName, tagValue string) ([]*types.DIDRecord, error) {
	route := "/1.0/records"
	if tagName != "" {
		route += "?tag=" + url.QueryEscape(tagName+":"+tagValue)
	}
	var resp struct {
		Records []*types.DIDRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, route, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// UpdateTags replaces the custom tags of record id.
func (c *Client) UpdateTags(ctx context.Context, id string, tags map[string][]string) (*types.DIDRecord, error) {
	var record types.DIDRecord
	route := fmt.Sprintf("/1.0/records/%s/tags", url.PathEscape(id))
	if err := c.do(ctx, http.MethodPut, route, map[string]any{"tags": tags}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteRecord removes record id.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/1.0/records/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method string, endpoint string, body any, out any) error {
	target := strings.TrimSuffix(c.baseURL.String(), "/") + "/" + strings.TrimPrefix(endpoint, "/")

	var bodyBytes []byte
	var buf io.Reader = http.NoBody
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, buf)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.didAuthenticator.IsConfigured() {
		for key, value := range c.didAuthenticator.SignRequest(bodyBytes) {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DID returns the configured DID identifier, or empty string if not configured.
func (c *Client) DID() string {
	return c.didAuthenticator.DID()
}

// APIError captures non-success responses from the resolver API.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("did resolver api error (%d): %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}
