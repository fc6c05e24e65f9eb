package snode

import (
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// ErrInvalidSnode is returned when a wire record cannot be turned into a Snode.
var ErrInvalidSnode = errors.New("invalid snode")

const (
	// KeySize is the length in bytes of both snode public keys.
	KeySize = 32

	// unassignedAddress is what oxend reports for nodes without a public IP.
	unassignedAddress = "0.0.0.0"

	defaultScheme = "https://"
)

// Snode describes one service node. Values are immutable and safe to share.
type Snode struct {
	Address          string // host with scheme, e.g. https://1.2.3.4
	Port             uint16
	X25519PublicKey  [KeySize]byte
	Ed25519PublicKey [KeySize]byte
}

// WireSnode is a snode record as it appears in network responses.
type WireSnode struct {
	Address          string
	Port             uint16
	X25519PublicKey  string
	Ed25519PublicKey string
}

// Decode validates a wire record and builds a Snode from it.
func Decode(w WireSnode) (Snode, error) {
	address := strings.TrimSpace(w.Address)
	if address == "" {
		return Snode{}, oops.Wrapf(ErrInvalidSnode, "empty address")
	}
	if !strings.Contains(address, "://") {
		address = defaultScheme + address
	}
	if hostOf(address) == unassignedAddress {
		return Snode{}, oops.Wrapf(ErrInvalidSnode, "unassigned address %s", unassignedAddress)
	}
	if w.Port == 0 {
		return Snode{}, oops.Wrapf(ErrInvalidSnode, "zero port for %s", address)
	}

	x25519, err := decodeKey(w.X25519PublicKey)
	if err != nil {
		return Snode{}, oops.Wrapf(err, "x25519 key of %s", address)
	}
	ed25519, err := decodeKey(w.Ed25519PublicKey)
	if err != nil {
		return Snode{}, oops.Wrapf(err, "ed25519 key of %s", address)
	}

	return Snode{
		Address:          address,
		Port:             w.Port,
		X25519PublicKey:  x25519,
		Ed25519PublicKey: ed25519,
	}, nil
}

// MustDecode is Decode for compile-time constant records; it panics on error.
func MustDecode(w WireSnode) Snode {
	s, err := Decode(w)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":      "MustDecode",
			"address": w.Address,
		}).WithError(err).Error("invalid built-in snode record")
		panic(err)
	}
	return s
}

func decodeKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(s) != hex.EncodedLen(KeySize) {
		return key, oops.Wrapf(ErrInvalidSnode, "key has %d hex chars, want %d", len(s), hex.EncodedLen(KeySize))
	}
	if _, err := hex.Decode(key[:], []byte(s)); err != nil {
		return key, oops.Wrapf(ErrInvalidSnode, "key is not hex: %v", err)
	}
	return key, nil
}

func hostOf(address string) string {
	if i := strings.Index(address, "://"); i >= 0 {
		return address[i+3:]
	}
	return address
}

// Host is the address without its scheme.
func (s Snode) Host() string {
	return hostOf(s.Address)
}

// URL is the base URL requests to this snode are sent to.
func (s Snode) URL() string {
	return s.Address + ":" + strconv.Itoa(int(s.Port))
}

// HostPort is the dialable host:port pair.
func (s Snode) HostPort() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(int(s.Port)))
}

// X25519Hex returns the encryption key in its wire form.
func (s Snode) X25519Hex() string {
	return hex.EncodeToString(s.X25519PublicKey[:])
}

// Ed25519Hex returns the signing key in its wire form. It doubles as the
// snode's identity in onion routing metadata.
func (s Snode) Ed25519Hex() string {
	return hex.EncodeToString(s.Ed25519PublicKey[:])
}

// Wire converts back to the wire representation.
func (s Snode) Wire() WireSnode {
	return WireSnode{
		Address:          s.Address,
		Port:             s.Port,
		X25519PublicKey:  s.X25519Hex(),
		Ed25519PublicKey: s.Ed25519Hex(),
	}
}

// Key identifies a snode by address, port and both public keys.
func (s Snode) Key() string {
	return s.URL() + "|" + s.X25519Hex() + "|" + s.Ed25519Hex()
}

// Equal reports whether two snodes are the same relay.
func (s Snode) Equal(o Snode) bool {
	return s == o
}

// IsZero reports whether s is the zero value.
func (s Snode) IsZero() bool {
	return s == Snode{}
}

func (s Snode) String() string {
	return s.URL()
}
