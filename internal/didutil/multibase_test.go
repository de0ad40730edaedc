package didutil

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agent-Field/agentfield-dids/pkg/types"
)

func TestMultikeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	mk := EncodeMultikey(CodecEd25519Pub, pub)
	assert.True(t, strings.HasPrefix(mk, "z6Mk"), mk)

	codec, key, err := DecodeMultikey(mk)
	require.NoError(t, err)
	assert.Equal(t, CodecEd25519Pub, codec)
	assert.Equal(t, []byte(pub), key)
}

func TestDecodeMultikey_Errors(t *testing.T) {
	_, _, err := DecodeMultikey("m")
	assert.Error(t, err)

	_, _, err = DecodeMultikey("fdeadbeef")
	assert.Error(t, err)

	// secp256k1-pub multicodec is not supported
	_, _, err = DecodeMultikey(EncodeMultibase(append([]byte{0xe7, 0x01}, make([]byte, 33)...)))
	assert.Error(t, err)

	_, _, err = DecodeMultikey(EncodeMultibase(append([]byte{0xed, 0x01}, make([]byte, 16)...)))
	assert.Error(t, err)
}

func TestDecodeMultibase_Base64URL(t *testing.T) {
	out, err := DecodeMultibase("u" + base64.RawURLEncoding.EncodeToString([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestEd25519ToX25519MatchesScalarDerivation(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	converted, err := Ed25519ToX25519(pub)
	require.NoError(t, err)

	h := sha512.Sum512(priv.Seed())
	xPriv, err := ecdh.X25519().NewPrivateKey(h[:32])
	require.NoError(t, err)
	assert.Equal(t, xPriv.PublicKey().Bytes(), converted)

	mk := EncodeMultikey(CodecX25519Pub, converted)
	assert.True(t, strings.HasPrefix(mk, "z6LS"), mk)
}

func TestEd25519PublicKey_Encodings(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	jwk, _ := json.Marshal(map[string]string{
		"kty": "OKP",
		"crv": "Ed25519",
		"x":   base64.RawURLEncoding.EncodeToString(pub),
	})

	methods := []types.VerificationMethod{
		{ID: "#multikey", Type: TypeMultikey, PublicKeyMultibase: EncodeMultikey(CodecEd25519Pub, pub)},
		{ID: "#raw2020", Type: TypeEd25519VerificationKey2020, PublicKeyMultibase: EncodeMultibase(pub)},
		{ID: "#base58", Type: TypeEd25519VerificationKey2018, PublicKeyBase58: base58.Encode(pub)},
		{ID: "#jwk", Type: TypeJSONWebKey2020, PublicKeyJwk: jwk},
	}
	for _, vm := range methods {
		vm := vm
		t.Run(vm.ID, func(t *testing.T) {
			got, err := Ed25519PublicKey(&vm)
			require.NoError(t, err)
			assert.Equal(t, pub, got)
			assert.Equal(t, EncodeMultikey(CodecEd25519Pub, pub), KeyFingerprint(&vm))
		})
	}

	_, err = Ed25519PublicKey(&types.VerificationMethod{ID: "#empty"})
	assert.Error(t, err)
	assert.Empty(t, KeyFingerprint(nil))
}
