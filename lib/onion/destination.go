package onion

import (
	"strconv"

	"github.com/go-i2p/go-onionreq/lib/snode"
)

// Version selects the request and response format understood by the
// destination. Its value is the lsrpc target path used for servers.
type Version string

const (
	V3 Version = "/loki/v3/lsrpc"
	V4 Version = "/oxen/v4/lsrpc"
)

// Destination is where the innermost layer is decrypted: a snode or a server.
// The set of implementations is closed.
type Destination interface {
	encryptionKey() [KeySize]byte
	metadata() Metadata
	wrap(payload []byte) ([]byte, error)
	String() string
}

// SnodeDestination targets a service node's storage RPC.
type SnodeDestination struct {
	Snode snode.Snode
}

func (d SnodeDestination) encryptionKey() [KeySize]byte { return d.Snode.X25519PublicKey }

func (d SnodeDestination) metadata() Metadata {
	return Metadata{Destination: d.Snode.Ed25519Hex()}
}

func (d SnodeDestination) wrap(payload []byte) ([]byte, error) {
	return EncodeFrame(payload, snodePayloadMetadata)
}

func (d SnodeDestination) String() string { return d.Snode.String() }

// ServerDestination targets an HTTP server reachable from the exit snode.
type ServerDestination struct {
	Host            string
	Target          string
	Scheme          string
	Port            uint16
	X25519PublicKey [KeySize]byte
}

// scheme defaults to https.
func (d ServerDestination) scheme() string {
	if d.Scheme == "" {
		return "https"
	}
	return d.Scheme
}

// port defaults by scheme.
func (d ServerDestination) port() uint16 {
	if d.Port != 0 {
		return d.Port
	}
	if d.scheme() == "https" {
		return 443
	}
	return 80
}

func (d ServerDestination) encryptionKey() [KeySize]byte { return d.X25519PublicKey }

func (d ServerDestination) metadata() Metadata {
	return Metadata{
		Host:     d.Host,
		Target:   d.Target,
		Method:   "POST",
		Protocol: d.scheme(),
		Port:     d.port(),
	}
}

func (d ServerDestination) wrap(payload []byte) ([]byte, error) {
	return payload, nil
}

func (d ServerDestination) String() string {
	return d.scheme() + "://" + d.Host + ":" + strconv.Itoa(int(d.port()))
}
