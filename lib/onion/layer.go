package onion

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/samber/oops"
	"github.com/tidwall/gjson"
)

// ErrMalformedLayer is returned when a frame cannot be split into its
// ciphertext and metadata parts.
var ErrMalformedLayer = errors.New("malformed onion layer")

// Onion v2 framing. Routing metadata is plain JSON appended after the
// length-prefixed ciphertext; no padding is applied.
const (
	lengthPrefixSize = 4
	maxLayerSize     = 1 << 30
)

// Metadata is the routing information a hop reads after opening its layer.
// Only the fields naming the next hop are set.
type Metadata struct {
	// Destination is the ed25519 key of the next snode.
	Destination string `json:"destination,omitempty"`

	// Server routing for the final hop.
	Host     string `json:"host,omitempty"`
	Target   string `json:"target,omitempty"`
	Method   string `json:"method,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Port     uint16 `json:"port,omitempty"`

	// EphemeralKey is the hex X25519 key of the layer inside.
	EphemeralKey string `json:"ephemeral_key,omitempty"`
}

// IsServer reports whether the metadata routes to a server rather than a snode.
func (m Metadata) IsServer() bool {
	return m.Host != ""
}

// snodePayloadMetadata is appended to payloads bound for a snode.
var snodePayloadMetadata = map[string]string{"headers": ""}

// EncodeFrame produces [uint32 LE len(ciphertext)][ciphertext][json(metadata)].
func EncodeFrame(ciphertext []byte, metadata any) ([]byte, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to encode layer metadata")
	}
	out := make([]byte, lengthPrefixSize, lengthPrefixSize+len(ciphertext)+len(meta))
	binary.LittleEndian.PutUint32(out, uint32(len(ciphertext)))
	out = append(out, ciphertext...)
	return append(out, meta...), nil
}

// DecodeFrame splits a frame back into ciphertext and raw JSON metadata.
func DecodeFrame(frame []byte) (ciphertext, metadata []byte, err error) {
	if len(frame) < lengthPrefixSize {
		return nil, nil, oops.Wrapf(ErrMalformedLayer, "frame of %d bytes has no length prefix", len(frame))
	}
	n := binary.LittleEndian.Uint32(frame)
	if n > maxLayerSize || int(n) > len(frame)-lengthPrefixSize {
		return nil, nil, oops.Wrapf(ErrMalformedLayer, "ciphertext length %d exceeds frame of %d bytes", n, len(frame))
	}
	end := lengthPrefixSize + int(n)
	return frame[lengthPrefixSize:end], frame[end:], nil
}

// ParseMetadata reads routing metadata from its JSON form.
func ParseMetadata(raw []byte) (Metadata, error) {
	if !gjson.ValidBytes(raw) {
		return Metadata{}, oops.Wrapf(ErrMalformedLayer, "metadata is not JSON")
	}
	r := gjson.ParseBytes(raw)
	return Metadata{
		Destination:  r.Get("destination").String(),
		Host:         r.Get("host").String(),
		Target:       r.Get("target").String(),
		Method:       r.Get("method").String(),
		Protocol:     r.Get("protocol").String(),
		Port:         uint16(r.Get("port").Uint()),
		EphemeralKey: r.Get("ephemeral_key").String(),
	}, nil
}
