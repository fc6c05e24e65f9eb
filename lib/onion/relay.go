package onion

import (
	"encoding/base64"
	"encoding/json"

	"github.com/samber/oops"
)

// OpenedLayer is what a relay learns from one frame: the decrypted inner
// bytes, the key that reply traffic for this layer is sealed with, and the
// routing metadata that accompanied the frame.
type OpenedLayer struct {
	Inner    []byte
	Key      SymmetricKey
	Metadata Metadata
}

// OpenLayer is the relay side of BuildOnion. self is the relay's static
// X25519 pair; frame is the request body it received.
func OpenLayer(self KeyPair, frame []byte) (OpenedLayer, error) {
	ciphertext, rawMeta, err := DecodeFrame(frame)
	if err != nil {
		return OpenedLayer{}, err
	}
	meta, err := ParseMetadata(rawMeta)
	if err != nil {
		return OpenedLayer{}, err
	}
	ephemeral, err := ParsePublicKey(meta.EphemeralKey)
	if err != nil {
		return OpenedLayer{}, oops.Wrapf(ErrMalformedLayer, "ephemeral key: %v", err)
	}
	key, err := DeriveSymmetricKey(self, ephemeral)
	if err != nil {
		return OpenedLayer{}, err
	}
	inner, err := Decrypt(ciphertext, key)
	if err != nil {
		key.Zero()
		return OpenedLayer{}, err
	}
	return OpenedLayer{Inner: inner, Key: key, Metadata: meta}, nil
}

// SealV3Response encodes a destination's reply the way storage servers do:
// {"result": base64(Encrypt({"status_code": n, "body": body}))}.
func SealV3Response(key SymmetricKey, statusCode int, body string) ([]byte, error) {
	plain, err := json.Marshal(map[string]any{"status_code": statusCode, "body": body})
	if err != nil {
		return nil, oops.Wrapf(err, "failed to encode v3 reply")
	}
	sealed, err := Encrypt(plain, key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"result": base64.StdEncoding.EncodeToString(sealed)})
}

// SealV4Response encrypts a bencoded v4 reply.
func SealV4Response(key SymmetricKey, info ResponseInfo, body []byte) ([]byte, error) {
	plain, err := EncodeV4Response(info, body)
	if err != nil {
		return nil, err
	}
	return Encrypt(plain, key)
}
