package tdw

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Crypto is the hashing and signature capability used to verify logs.
// Hash must produce a sha2-256 sized digest; it is wrapped as a multihash.
type Crypto interface {
	Hash(data []byte) []byte
	Verify(publicKey, message, signature []byte) bool
}

// DefaultCrypto hashes with SHA-256 and verifies Ed25519 signatures.
type DefaultCrypto struct{}

func (DefaultCrypto) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (DefaultCrypto) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// contentID returns the CIDv0 ("Qm...") of the sha2-256 digest of data.
func contentID(c Crypto, data []byte) (string, error) {
	mh, err := multihash.Encode(c.Hash(data), multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV0(multihash.Multihash(mh)).String(), nil
}

// isContentID reports whether s parses as a CIDv0 over sha2-256.
func isContentID(s string) bool {
	parsed, err := cid.Decode(s)
	if err != nil || parsed.Version() != 0 {
		return false
	}
	decoded, err := multihash.Decode(parsed.Hash())
	return err == nil && decoded.Code == multihash.SHA2_256
}
