package onion

import (
	"encoding/base64"
	"errors"
	"sync"

	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/samber/oops"
	"github.com/tidwall/gjson"
)

// ErrEnvelopeDestroyed is returned when a destroyed envelope is used.
var ErrEnvelopeDestroyed = errors.New("onion envelope destroyed")

// ErrMalformedResponse is returned when a decrypted reply cannot be decoded.
var ErrMalformedResponse = errors.New("malformed onion response")

// Envelope is one in-flight onion request. It retains the derived keys
// needed to read the reply until Destroy is called.
type Envelope struct {
	// Body is the outermost frame, posted to the guard.
	Body              []byte
	Path              []snode.Snode
	Destination       Destination
	Version           Version
	GuardEphemeralKey [KeySize]byte

	nested bool

	mu             sync.Mutex
	destroyed      bool
	hopKeys        []SymmetricKey
	destinationKey SymmetricKey
}

// Response is the destination's decoded reply.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Guard is the first hop.
func (e *Envelope) Guard() snode.Snode {
	return e.Path[0]
}

// PeelResponse decrypts the guard's reply with the retained keys and decodes
// it according to the envelope's version.
func (e *Envelope) PeelResponse(body []byte) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return Response{}, ErrEnvelopeDestroyed
	}

	if e.nested {
		for i := range e.hopKeys {
			plain, err := Decrypt(body, e.hopKeys[i])
			if err != nil {
				return Response{}, oops.Wrapf(err, "peeling hop %d", i)
			}
			body = plain
		}
	}

	switch e.Version {
	case V4:
		plain, err := Decrypt(body, e.destinationKey)
		if err != nil {
			return Response{}, err
		}
		info, payload, err := DecodeV4Response(plain)
		if err != nil {
			return Response{}, err
		}
		return Response{StatusCode: info.Code, Headers: info.Headers, Body: payload}, nil
	default:
		return decodeV3Response(body, e.destinationKey)
	}
}

// Destroy zeroes every retained key. It is safe to call more than once.
func (e *Envelope) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.hopKeys {
		e.hopKeys[i].Zero()
	}
	e.destinationKey.Zero()
	e.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (e *Envelope) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// keysZeroed reports whether no key material remains.
func (e *Envelope) keysZeroed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.hopKeys {
		if !e.hopKeys[i].IsZero() {
			return false
		}
	}
	return e.destinationKey.IsZero()
}

// decodeV3Response reads {"result": base64(iv||ct)}; a bare base64 string is
// accepted as well. The plaintext is {"status_code"|"status": n, "body": s}.
func decodeV3Response(body []byte, key SymmetricKey) (Response, error) {
	encoded := string(body)
	if gjson.ValidBytes(body) {
		r := gjson.GetBytes(body, "result")
		if !r.Exists() {
			return Response{}, oops.Wrapf(ErrMalformedResponse, "v3 reply has no result")
		}
		encoded = r.String()
	}
	ivAndCiphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Response{}, oops.Wrapf(ErrMalformedResponse, "v3 result is not base64: %v", err)
	}
	plain, err := Decrypt(ivAndCiphertext, key)
	if err != nil {
		return Response{}, err
	}
	if !gjson.ValidBytes(plain) {
		return Response{}, oops.Wrapf(ErrMalformedResponse, "v3 plaintext is not JSON")
	}
	status := gjson.GetBytes(plain, "status_code")
	if !status.Exists() {
		status = gjson.GetBytes(plain, "status")
	}
	if !status.Exists() {
		return Response{}, oops.Wrapf(ErrMalformedResponse, "v3 plaintext has no status")
	}
	resp := Response{StatusCode: int(status.Int()), Body: plain}
	if b := gjson.GetBytes(plain, "body"); b.Type == gjson.String {
		resp.Body = []byte(b.String())
	}
	return resp, nil
}
