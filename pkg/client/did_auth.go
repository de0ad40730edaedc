package client

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DID Authentication header names
const (
	HeaderCallerDID    = "X-Caller-DID"
	HeaderDIDSignature = "X-DID-Signature"
	HeaderDIDTimestamp = "X-DID-Timestamp"
	HeaderDIDNonce     = "X-DID-Nonce"
)

// DIDAuthenticator signs requests on behalf of a DID whose authentication
// key is privateKey.
type DIDAuthenticator struct {
	did        string
	privateKey ed25519.PrivateKey
	now        func() time.Time
	nonce      func() string
}

// NewDIDAuthenticator creates a new DID authenticator.
func NewDIDAuthenticator(did string, privateKey ed25519.PrivateKey) (*DIDAuthenticator, error) {
	if did == "" {
		return nil, fmt.Errorf("did is required")
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: expected %d bytes, got %d", ed25519.PrivateKeySize, len(privateKey))
	}
	return &DIDAuthenticator{did: did, privateKey: privateKey, now: time.Now, nonce: uuid.NewString}, nil
}

// NewDIDAuthenticatorFromJWK parses an Ed25519 OKP private JWK.
func NewDIDAuthenticatorFromJWK(did string, privateKeyJWK string) (*DIDAuthenticator, error) {
	privateKey, err := parsePrivateKeyJWK(privateKeyJWK)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewDIDAuthenticator(did, privateKey)
}

// IsConfigured returns true if DID authentication is configured.
func (a *DIDAuthenticator) IsConfigured() bool {
	return a != nil && a.did != "" && a.privateKey != nil
}

// DID returns the configured DID identifier.
func (a *DIDAuthenticator) DID() string {
	if a == nil {
		return ""
	}
	return a.did
}

// SignRequest creates DID authentication headers for a request body.
// Every call carries a fresh nonce, so the signed payload is
// "{timestamp}:{nonce}:{hex(sha256(body))}" and the server accepts it once.
func (a *DIDAuthenticator) SignRequest(body []byte) map[string]string {
	if !a.IsConfigured() {
		return nil
	}

	timestamp := strconv.FormatInt(a.now().Unix(), 10)
	nonce := a.nonce()
	payload := fmt.Sprintf("%s:%s:%x", timestamp, nonce, sha256.Sum256(body))
	signature := ed25519.Sign(a.privateKey, []byte(payload))

	return map[string]string{
		HeaderCallerDID:    a.did,
		HeaderDIDSignature: base64.StdEncoding.EncodeToString(signature),
		HeaderDIDTimestamp: timestamp,
		HeaderDIDNonce:     nonce,
	}
}

// jwk represents a JSON Web Key for Ed25519.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	D   string `json:"d"`
	X   string `json:"x"`
}

// parsePrivateKeyJWK parses an Ed25519 private key from JWK format.
func parsePrivateKeyJWK(jwkJSON string) (ed25519.PrivateKey, error) {
	var key jwk
	if err := json.Unmarshal([]byte(jwkJSON), &key); err != nil {
		return nil, fmt.Errorf("invalid JWK format: %w", err)
	}
	if key.Kty != "OKP" || key.Crv != "Ed25519" {
		return nil, fmt.Errorf("invalid key type: expected Ed25519 OKP key")
	}
	if key.D == "" {
		return nil, fmt.Errorf("missing 'd' (private key) in JWK")
	}

	seed, err := base64.RawURLEncoding.DecodeString(key.D)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid private key length: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
