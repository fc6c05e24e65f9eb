package onion

import (
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// MaxRequestSize is the largest onion body the network accepts.
const MaxRequestSize = 10_000_000

// BuildOption tweaks envelope construction.
type BuildOption func(*Envelope)

// WithNestedResponses makes PeelResponse strip one layer per hop, guard
// first, before decoding the destination's reply.
func WithNestedResponses() BuildOption {
	return func(e *Envelope) { e.nested = true }
}

// BuildOnion encrypts payload for dest, then wraps one layer per hop from the
// exit back to the guard. path[0] is the guard.
func BuildOnion(payload []byte, path []snode.Snode, dest Destination, version Version, opts ...BuildOption) (*Envelope, error) {
	if err := checkPath(path, dest); err != nil {
		return nil, err
	}

	env := &Envelope{
		Path:        append([]snode.Snode(nil), path...),
		Destination: dest,
		Version:     version,
		hopKeys:     make([]SymmetricKey, len(path)),
	}
	for _, opt := range opts {
		opt(env)
	}

	inner, err := dest.wrap(payload)
	if err != nil {
		return nil, err
	}
	ciphertext, ephemeral, err := sealFor(inner, dest.encryptionKey(), &env.destinationKey)
	if err != nil {
		env.Destroy()
		return nil, oops.Wrapf(err, "encrypting payload for %s", dest)
	}

	next := dest.metadata()
	for i := len(path) - 1; i >= 0; i-- {
		next.EphemeralKey = ephemeral.PublicHex()
		frame, err := EncodeFrame(ciphertext, next)
		if err != nil {
			env.Destroy()
			return nil, err
		}
		ciphertext, ephemeral, err = sealFor(frame, path[i].X25519PublicKey, &env.hopKeys[i])
		if err != nil {
			env.Destroy()
			return nil, oops.Wrapf(err, "encrypting layer for hop %d", i)
		}
		next = SnodeDestination{Snode: path[i]}.metadata()
	}

	env.GuardEphemeralKey = ephemeral.PublicArray()
	env.Body, err = EncodeFrame(ciphertext, Metadata{EphemeralKey: ephemeral.PublicHex()})
	if err != nil {
		env.Destroy()
		return nil, err
	}

	if _, ok := dest.(ServerDestination); ok && len(env.Body) > MaxRequestSize*3/4 {
		log.WithFields(logger.Fields{
			"at":          "BuildOnion",
			"size":        len(env.Body),
			"destination": dest.String(),
		}).Warn("approaching request size limit")
	}
	return env, nil
}

// sealFor encrypts plaintext under a key derived with a fresh ephemeral pair
// against remote, storing the key in out. The returned pair has its private
// half wiped.
func sealFor(plaintext []byte, remote [KeySize]byte, out *SymmetricKey) ([]byte, KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, KeyPair{}, err
	}
	defer kp.Zero()

	key, err := DeriveSymmetricKey(kp, remote)
	if err != nil {
		return nil, KeyPair{}, err
	}
	*out = key
	key.Zero()

	ciphertext, err := Encrypt(plaintext, *out)
	if err != nil {
		return nil, KeyPair{}, err
	}
	return ciphertext, KeyPair{Public: kp.Public}, nil
}

func checkPath(path []snode.Snode, dest Destination) error {
	if len(path) == 0 {
		return oops.Errorf("onion path is empty")
	}
	seen := make(map[snode.Snode]struct{}, len(path))
	for i, hop := range path {
		if _, dup := seen[hop]; dup {
			return oops.Errorf("snode %s repeated at hop %d", hop, i)
		}
		seen[hop] = struct{}{}
	}
	if d, ok := dest.(SnodeDestination); ok {
		if _, in := seen[d.Snode]; in {
			return oops.Errorf("destination %s is part of its own path", d.Snode)
		}
	}
	return nil
}
