// Package onion builds and peels layered onion request envelopes.
//
// Each hop gets a fresh ephemeral X25519 key pair. The shared secret with the
// hop's static key is turned into an AES-256-GCM key with HMAC-SHA256 keyed
// by "LOKI". Layers are framed as
//
//	[uint32 LE ciphertext length][ciphertext][JSON routing metadata]
//
// where the metadata names only the next hop plus the ephemeral public key of
// the layer inside. The outermost frame, carrying only the guard's ephemeral
// key, is the HTTP body sent to the guard.
//
// Key derivation, encryption and decryption are CPU bound and are run through
// Workers rather than directly on request goroutines.
package onion
