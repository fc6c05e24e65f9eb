package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
)

// ErrAuthenticationFailed is returned when a GCM tag does not verify or the
// input is too short to carry one. It is never retried with the same key.
var ErrAuthenticationFailed = errors.New("onion layer authentication failed")

const (
	IVSize  = 12
	TagSize = 16
)

// Encrypt seals plaintext under key with a fresh random IV and returns
// IV || ciphertext || tag. The IV is always generated here; callers cannot
// supply one.
func Encrypt(plaintext []byte, key SymmetricKey) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, IVSize, IVSize+len(plaintext)+TagSize)
	if _, err := rand.Read(out); err != nil {
		return nil, oops.Wrapf(err, "failed to generate IV")
	}
	return aead.Seal(out, out[:IVSize], plaintext, nil), nil
}

// Decrypt opens IV || ciphertext || tag.
func Decrypt(ivAndCiphertext []byte, key SymmetricKey) ([]byte, error) {
	if len(ivAndCiphertext) < IVSize+TagSize {
		return nil, oops.Wrapf(ErrAuthenticationFailed, "ciphertext too short: %d bytes", len(ivAndCiphertext))
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, ivAndCiphertext[:IVSize], ivAndCiphertext[IVSize:], nil)
	if err != nil {
		return nil, oops.Wrapf(ErrAuthenticationFailed, "%v", err)
	}
	return plaintext, nil
}

func newGCM(key SymmetricKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create AES cipher")
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create GCM")
	}
	return aead, nil
}
