package onion

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
	"go.step.sm/crypto/x25519"
)

const (
	// KeySize is the size of X25519 keys and of the derived AES-256 key.
	KeySize = 32

	// kdfSalt keys the HMAC that turns an X25519 shared secret into an AES key.
	kdfSalt = "LOKI"
)

// SymmetricKey is a derived per-layer AES-256-GCM key.
type SymmetricKey [KeySize]byte

// Zero overwrites the key in place.
func (k *SymmetricKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// IsZero reports whether the key has been wiped or never set.
func (k *SymmetricKey) IsZero() bool {
	var acc byte
	for _, b := range k {
		acc |= b
	}
	return acc == 0
}

// KeyPair is an X25519 key pair. Ephemeral pairs live for one layer of one
// request; relays use a static pair.
type KeyPair struct {
	Public  x25519.PublicKey
	Private x25519.PrivateKey
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := x25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, oops.Wrapf(err, "failed to generate ephemeral key pair")
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// PublicArray returns the public key as a fixed-size array.
func (kp KeyPair) PublicArray() [KeySize]byte {
	var out [KeySize]byte
	copy(out[:], kp.Public)
	return out
}

// PublicHex is the wire form used for "ephemeral_key".
func (kp KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public)
}

// Zero wipes the private half.
func (kp KeyPair) Zero() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// DeriveSymmetricKey performs X25519 between local's private key and remote,
// then HMAC-SHA256("LOKI", shared secret).
func DeriveSymmetricKey(local KeyPair, remote [KeySize]byte) (SymmetricKey, error) {
	var key SymmetricKey
	if len(local.Private) != KeySize {
		return key, oops.Errorf("private key has %d bytes, want %d", len(local.Private), KeySize)
	}
	shared, err := local.Private.SharedKey(x25519.PublicKey(remote[:]))
	if err != nil {
		return key, oops.Wrapf(err, "failed to derive shared secret")
	}
	defer zeroBytes(shared)

	mac := hmac.New(sha256.New, []byte(kdfSalt))
	mac.Write(shared)
	copy(key[:], mac.Sum(nil))
	return key, nil
}

// ParsePublicKey decodes a hex X25519 public key.
func ParsePublicKey(s string) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(s) != hex.EncodedLen(KeySize) {
		return out, oops.Errorf("public key has %d hex chars, want %d", len(s), hex.EncodedLen(KeySize))
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, oops.Wrapf(err, "public key is not hex")
	}
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
