package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Agent-Field/agentfield-dids/internal/cache"
	"github.com/Agent-Field/agentfield-dids/internal/logger"
	"github.com/Agent-Field/agentfield-dids/pkg/types"
	"github.com/gin-gonic/gin"
)

// Request headers carrying a DID signature.
const (
	HeaderCallerDID    = "X-Caller-DID"
	HeaderDIDSignature = "X-DID-Signature"
	HeaderDIDTimestamp = "X-DID-Timestamp"
	// HeaderDIDNonce is optional. When present it is bound into the signed
	// payload and may be used once per caller within the timestamp window.
	HeaderDIDNonce = "X-DID-Nonce"
)

const (
	defaultTimestampWindow = 300
	defaultNonceCacheSize  = 10000
	maxNonceLength         = 128
)

// DIDOwnershipVerifier checks a signature against a DID's authentication keys.
type DIDOwnershipVerifier interface {
	VerifyDIDOwnership(ctx context.Context, did string, message []byte, signature []byte) (bool, error)
}

// DIDAuthConfig holds configuration for DID authentication middleware.
type DIDAuthConfig struct {
	Enabled bool
	// TimestampWindowSeconds is the allowed drift for signature timestamps (default: 300).
	TimestampWindowSeconds int64
	// NonceCacheSize bounds the remembered (caller, nonce) pairs (default: 10000).
	NonceCacheSize int
	SkipPaths      []string
	// Now is used for the timestamp window; nil means time.Now.
	Now func() time.Time
}

// ContextKey is the type for context keys used by this middleware.
type ContextKey string

const (
	// VerifiedCallerDIDKey is the context key for the verified caller DID.
	VerifiedCallerDIDKey ContextKey = "verified_caller_did"
	// DIDAuthSkippedKey is set when DID auth was skipped (no DID claimed).
	DIDAuthSkippedKey ContextKey = "did_auth_skipped"
)

// authFailure is the JSON body and status written when a claimed DID cannot
// be authenticated.
type authFailure struct {
	status  int
	code    string
	message string
	details string
	// resolution is set when the caller DID itself failed to resolve.
	resolution types.ResolutionErrorCode
}

func (f *authFailure) body() gin.H {
	h := gin.H{"error": f.code, "message": f.message}
	if f.details != "" {
		h["details"] = f.details
	}
	if f.resolution != "" {
		h["resolution_error"] = f.resolution
	}
	return h
}

func reject(status int, code, message string) *authFailure {
	return &authFailure{status: status, code: code, message: message}
}

// nonceGuard remembers nonces already accepted for a caller DID.
type nonceGuard struct {
	mu   sync.Mutex
	seen *cache.TTLCache[string, struct{}]
}

// claim records nonce for did and reports false if it was already used.
func (g *nonceGuard) claim(did, nonce string) bool {
	key := did + "\x00" + nonce
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen.Get(key); ok {
		return false
	}
	g.seen.Set(key, struct{}{})
	return true
}

// didAuthenticator carries the resolved configuration of one middleware instance.
type didAuthenticator struct {
	verifier DIDOwnershipVerifier
	window   int64
	now      func() time.Time
	nonces   *nonceGuard
}

// DIDAuthMiddleware verifies an optional DID signature on incoming requests.
//
// A request without X-Caller-DID passes through unauthenticated. When a DID
// is claimed, X-DID-Signature (base64) and X-DID-Timestamp (unix seconds) are
// required and the signature must cover SigningPayload under one of the DID's
// authentication keys. A caller DID that fails to resolve is reported with its
// resolution error code; transient resolution failures answer 503 so the
// caller can retry. The verified DID is stored in the gin context.
func DIDAuthMiddleware(verifier DIDOwnershipVerifier, config DIDAuthConfig) gin.HandlerFunc {
	if config.TimestampWindowSeconds <= 0 {
		config.TimestampWindowSeconds = defaultTimestampWindow
	}
	if config.NonceCacheSize <= 0 {
		config.NonceCacheSize = defaultNonceCacheSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	// Nonces outlive the window on both sides of server time.
	seen, err := cache.NewLRUCacheWithTTL[string, struct{}](config.NonceCacheSize, 2*time.Duration(config.TimestampWindowSeconds)*time.Second)
	if err != nil {
		panic(fmt.Sprintf("did auth nonce cache: %v", err))
	}
	auth := &didAuthenticator{
		verifier: verifier,
		window:   config.TimestampWindowSeconds,
		now:      config.Now,
		nonces:   &nonceGuard{seen: seen},
	}

	skipPathSet := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skipPathSet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		_, skipped := skipPathSet[c.Request.URL.Path]
		callerDID := c.GetHeader(HeaderCallerDID)
		if !config.Enabled || skipped || callerDID == "" {
			c.Set(string(DIDAuthSkippedKey), true)
			c.Next()
			return
		}

		if failure := auth.authenticate(c, callerDID); failure != nil {
			logger.Logger.Debug().
				Str("caller_did", callerDID).
				Str("reason", failure.code).
				Int("status", failure.status).
				Msg("DID authentication rejected")
			c.AbortWithStatusJSON(failure.status, failure.body())
			return
		}

		c.Set(string(VerifiedCallerDIDKey), callerDID)
		c.Next()
	}
}

func (a *didAuthenticator) authenticate(c *gin.Context, callerDID string) *authFailure {
	signature := c.GetHeader(HeaderDIDSignature)
	timestamp := c.GetHeader(HeaderDIDTimestamp)
	nonce := c.GetHeader(HeaderDIDNonce)

	if signature == "" || timestamp == "" {
		return reject(http.StatusUnauthorized, "did_auth_required", "DID claimed but signature or timestamp missing")
	}
	if _, err := types.ParseDID(callerDID); err != nil {
		return reject(http.StatusBadRequest, "invalid_caller_did", fmt.Sprintf("X-Caller-DID is not a DID: %v", err))
	}
	if len(nonce) > maxNonceLength {
		return reject(http.StatusBadRequest, "invalid_nonce", fmt.Sprintf("X-DID-Nonce must be at most %d characters", maxNonceLength))
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return reject(http.StatusUnauthorized, "invalid_timestamp", "X-DID-Timestamp must be a valid Unix timestamp")
	}
	if abs(a.now().Unix()-ts) > a.window {
		return reject(http.StatusUnauthorized, "timestamp_expired", fmt.Sprintf("Timestamp must be within %d seconds of server time", a.window))
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return reject(http.StatusUnauthorized, "invalid_signature_encoding", "X-DID-Signature must be valid base64")
	}

	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return reject(http.StatusBadRequest, "body_read_error", "Failed to read request body")
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	valid, err := a.verifier.VerifyDIDOwnership(c.Request.Context(), callerDID, SigningPayload(timestamp, nonce, bodyBytes), sigBytes)
	if err != nil {
		return verificationFailure(err)
	}
	if !valid {
		return reject(http.StatusUnauthorized, "invalid_signature", "DID signature verification failed")
	}

	if nonce != "" && !a.nonces.claim(callerDID, nonce) {
		return reject(http.StatusUnauthorized, "nonce_reused", "X-DID-Nonce was already used by this caller")
	}
	return nil
}

// verificationFailure maps a verifier error onto the response. Resolution
// failures of the caller DID carry their error code.
func verificationFailure(err error) *authFailure {
	var re *types.ResolutionError
	if !errors.As(err, &re) {
		return &authFailure{
			status:  http.StatusUnauthorized,
			code:    "verification_error",
			message: "Failed to verify DID signature",
			details: err.Error(),
		}
	}
	f := &authFailure{
		status:     http.StatusUnauthorized,
		code:       "caller_did_unresolvable",
		message:    "Caller DID did not resolve to a usable document",
		details:    re.Message,
		resolution: re.Code,
	}
	if re.Code == types.ErrorCodeNetwork || re.Code == types.ErrorCodeTimeout {
		f.status = http.StatusServiceUnavailable
		f.code = "caller_did_unavailable"
		f.message = "Caller DID could not be resolved right now"
	}
	return f
}

// SigningPayload is the message a caller signs:
// timestamp:hex(SHA256(body)), or timestamp:nonce:hex(SHA256(body)) when a
// nonce is sent.
func SigningPayload(timestamp, nonce string, body []byte) []byte {
	if nonce == "" {
		return []byte(fmt.Sprintf("%s:%x", timestamp, sha256.Sum256(body)))
	}
	return []byte(fmt.Sprintf("%s:%s:%x", timestamp, nonce, sha256.Sum256(body)))
}

// GetVerifiedCallerDID extracts the verified caller DID from the gin context.
func GetVerifiedCallerDID(c *gin.Context) string {
	if did, exists := c.Get(string(VerifiedCallerDIDKey)); exists {
		if didStr, ok := did.(string); ok {
			return didStr
		}
	}
	return ""
}

// IsDIDAuthSkipped returns true if DID authentication was skipped for this request.
func IsDIDAuthSkipped(c *gin.Context) bool {
	return c.GetBool(string(DIDAuthSkippedKey))
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
