package client

import (
	"errors"
	"fmt"

	"github.com/go-i2p/go-onionreq/lib/onion"
)

var (
	// ErrClockOutOfSync is returned when a snode rejects a request timestamp
	// (406 or 425).
	ErrClockOutOfSync = errors.New("clock out of sync with the service node network")
	// ErrSignatureVerificationFailed is returned on a 401 from a snode.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")
	// ErrInvalidTarget is returned for a target the client cannot address.
	ErrInvalidTarget = errors.New("invalid request target")
)

// DestinationError is a non-success status from the destination itself,
// delivered intact through the onion path.
type DestinationError struct {
	StatusCode  int
	Body        string
	Destination string
}

func (e *DestinationError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s answered %d", e.Destination, e.StatusCode)
	}
	return fmt.Sprintf("%s answered %d: %s", e.Destination, e.StatusCode, e.Body)
}

// Target is where SendRequest delivers a body: SwarmTarget or ServerTarget.
type Target interface {
	target()
}

// SwarmTarget addresses the swarm storing messages for PublicKey. The body
// is a snode RPC: {"method": ..., "params": ...}.
type SwarmTarget struct {
	PublicKey string
}

func (SwarmTarget) target() {}

// ServerTarget addresses an HTTP server behind an exit snode.
type ServerTarget struct {
	Host     string
	Endpoint string
	// Scheme is "https" when empty.
	Scheme string
	// Port defaults to the scheme's port.
	Port uint16
	// X25519PublicKey is the server's hex encoded onion key.
	X25519PublicKey string
	Headers         map[string]string
	// Version defaults to onion.V4.
	Version onion.Version
}

func (ServerTarget) target() {}

func (t ServerTarget) version() onion.Version {
	if t.Version == "" {
		return onion.V4
	}
	return t.Version
}
