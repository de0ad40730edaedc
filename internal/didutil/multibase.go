// Package didutil holds helpers shared by the DID method drivers: multibase
// and multicodec key encoding, DID document validation and HTTP fetching.
package didutil

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcutil/base58"

	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

// Multicodec codes for the key types understood by the drivers.
const (
	CodecEd25519Pub uint64 = 0xed
	CodecX25519Pub  uint64 = 0xec
)

// Verification method types produced by the drivers.
const (
	TypeEd25519VerificationKey2018 = "Ed25519VerificationKey2018"
	TypeEd25519VerificationKey2020 = "Ed25519VerificationKey2020"
	TypeX25519KeyAgreementKey2019  = "X25519KeyAgreementKey2019"
	TypeX25519KeyAgreementKey2020  = "X25519KeyAgreementKey2020"
	TypeMultikey                   = "Multikey"
	TypeJSONWebKey2020             = "JsonWebKey2020"
)

// JSON-LD contexts for the key suites above.
const (
	ContextEd25519Suite2020 = "https://w3id.org/security/suites/ed25519-2020/v1"
	ContextX25519Suite2020  = "https://w3id.org/security/suites/x25519-2020/v1"
	ContextMultikey         = "https://w3id.org/security/multikey/v1"
)

// EncodeMultibase encodes b as multibase base58btc ("z" prefix).
func EncodeMultibase(b []byte) string {
	return "z" + base58.Encode(b)
}

// DecodeMultibase decodes base58btc ("z") and base64url ("u") multibase strings.
func DecodeMultibase(s string) ([]byte, error) {
	if len(s) < 2 {
		return nil, fmt.Errorf("multibase value too short")
	}
	switch s[0] {
	case 'z':
		out := base58.Decode(s[1:])
		if len(out) == 0 {
			return nil, fmt.Errorf("invalid base58btc multibase value")
		}
		return out, nil
	case 'u':
		out, err := base64.RawURLEncoding.DecodeString(s[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid base64url multibase value: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported multibase prefix %q", s[0])
	}
}

// EncodeMultikey prefixes key with its varint multicodec and multibase-encodes it.
func EncodeMultikey(codec uint64, key []byte) string {
	prefix := binary.AppendUvarint(nil, codec)
	return EncodeMultibase(append(prefix, key...))
}

// DecodeMultikey returns the multicodec and raw key bytes of a multikey string.
func DecodeMultikey(s string) (uint64, []byte, error) {
	raw, err := DecodeMultibase(s)
	if err != nil {
		return 0, nil, err
	}
	codec, n := binary.Uvarint(raw)
	if n <= 0 {
		return 0, nil, fmt.Errorf("invalid multicodec prefix")
	}
	key := raw[n:]
	switch codec {
	case CodecEd25519Pub:
		if len(key) != ed25519.PublicKeySize {
			return 0, nil, fmt.Errorf("invalid Ed25519 public key length: got %d, want %d", len(key), ed25519.PublicKeySize)
		}
	case CodecX25519Pub:
		if len(key) != 32 {
			return 0, nil, fmt.Errorf("invalid X25519 public key length: got %d, want 32", len(key))
		}
	default:
		return 0, nil, fmt.Errorf("unsupported multicodec 0x%x", codec)
	}
	return codec, key, nil
}

// Ed25519ToX25519 converts an Ed25519 public key to its X25519 (Montgomery) form.
func Ed25519ToX25519(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// Ed25519PublicKey extracts an Ed25519 public key from a verification method,
// accepting multikey, raw multibase, base58 and OKP JWK encodings.
func Ed25519PublicKey(vm *types.VerificationMethod) (ed25519.PublicKey, error) {
	switch {
	case vm.PublicKeyMultibase != "":
		if vm.Type == TypeEd25519VerificationKey2020 || vm.Type == TypeEd25519VerificationKey2018 {
			if raw, err := DecodeMultibase(vm.PublicKeyMultibase); err == nil && len(raw) == ed25519.PublicKeySize {
				return ed25519.PublicKey(raw), nil
			}
		}
		codec, key, err := DecodeMultikey(vm.PublicKeyMultibase)
		if err != nil {
			return nil, fmt.Errorf("verification method %s: %w", vm.ID, err)
		}
		if codec != CodecEd25519Pub {
			return nil, fmt.Errorf("verification method %s is not an Ed25519 key", vm.ID)
		}
		return ed25519.PublicKey(key), nil
	case vm.PublicKeyBase58 != "":
		raw := base58.Decode(vm.PublicKeyBase58)
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("verification method %s: invalid base58 Ed25519 key", vm.ID)
		}
		return ed25519.PublicKey(raw), nil
	case len(vm.PublicKeyJwk) > 0:
		var jwk struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			X   string `json:"x"`
		}
		if err := json.Unmarshal(vm.PublicKeyJwk, &jwk); err != nil {
			return nil, fmt.Errorf("failed to parse public key JWK: %w", err)
		}
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			return nil, fmt.Errorf("verification method %s: JWK is not Ed25519", vm.ID)
		}
		raw, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("verification method %s: invalid JWK x", vm.ID)
		}
		return ed25519.PublicKey(raw), nil
	default:
		return nil, fmt.Errorf("verification method %s has no public key material", vm.ID)
	}
}

// KeyFingerprint returns the multikey fingerprint ("z6Mk...") of a
// verification method, or "" when the key material is not recognised.
func KeyFingerprint(vm *types.VerificationMethod) string {
	if vm == nil {
		return ""
	}
	if vm.PublicKeyMultibase != "" {
		if _, _, err := DecodeMultikey(vm.PublicKeyMultibase); err == nil {
			return vm.PublicKeyMultibase
		}
	}
	if strings.HasPrefix(vm.Type, "X25519") {
		raw, err := DecodeMultibase(vm.PublicKeyMultibase)
		if err != nil && vm.PublicKeyBase58 != "" {
			raw, err = base58.Decode(vm.PublicKeyBase58), nil
		}
		if err != nil || len(raw) != 32 {
			return ""
		}
		return EncodeMultikey(CodecX25519Pub, raw)
	}
	pub, err := Ed25519PublicKey(vm)
	if err != nil {
		return ""
	}
	return EncodeMultikey(CodecEd25519Pub, pub)
}
