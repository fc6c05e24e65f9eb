package snode

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testX25519  = "0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
	testEd25519 = "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
)

func validWire() WireSnode {
	return WireSnode{
		Address:          "144.76.164.202",
		Port:             22021,
		X25519PublicKey:  testX25519,
		Ed25519PublicKey: testEd25519,
	}
}

func TestDecodeNormalizesScheme(t *testing.T) {
	s, err := Decode(validWire())
	require.NoError(t, err)
	assert.Equal(t, "https://144.76.164.202", s.Address)
	assert.Equal(t, "144.76.164.202", s.Host())
	assert.Equal(t, "https://144.76.164.202:22021", s.URL())
	assert.Equal(t, testX25519, s.X25519Hex())
	assert.Equal(t, testEd25519, s.Ed25519Hex())
}

func TestDecodeKeepsExistingScheme(t *testing.T) {
	w := validWire()
	w.Address = "http://10.0.0.1"
	s, err := Decode(w)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1", s.Address)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WireSnode)
	}{
		{"unassigned address", func(w *WireSnode) { w.Address = "0.0.0.0" }},
		{"unassigned address with scheme", func(w *WireSnode) { w.Address = "https://0.0.0.0" }},
		{"empty address", func(w *WireSnode) { w.Address = "" }},
		{"zero port", func(w *WireSnode) { w.Port = 0 }},
		{"short x25519", func(w *WireSnode) { w.X25519PublicKey = testX25519[:62] }},
		{"non-hex ed25519", func(w *WireSnode) { w.Ed25519PublicKey = strings.Repeat("zz", 32) }},
		{"missing ed25519", func(w *WireSnode) { w.Ed25519PublicKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWire()
			tt.mutate(&w)
			_, err := Decode(w)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSnode), "got %v", err)
		})
	}
}

func TestSnodeEquality(t *testing.T) {
	a, err := Decode(validWire())
	require.NoError(t, err)
	b, err := Decode(validWire())
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	w := validWire()
	w.Port = 22022
	c, err := Decode(w)
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Key(), c.Key())

	set := map[Snode]int{a: 1}
	set[b]++
	assert.Equal(t, 2, set[a])
}

func TestWireRoundTrip(t *testing.T) {
	a, err := Decode(validWire())
	require.NoError(t, err)
	b, err := Decode(a.Wire())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRouteSetOrdering(t *testing.T) {
	a := MustDecode(validWire())
	w := validWire()
	w.Port = 1
	b := MustDecode(w)

	rs := RouteSet{Key: "k", Nodes: []IndexedSnode{{Index: 1, Snode: b}, {Index: 0, Snode: a}}}
	assert.Equal(t, []Snode{a, b}, rs.Snodes())
	assert.Equal(t, uint32(1), rs.Nodes[0].Index, "Sorted must not modify the receiver")
	require.NoError(t, rs.Validate())

	rs.Nodes = append(rs.Nodes, IndexedSnode{Index: 1, Snode: a})
	assert.Error(t, rs.Validate())
	assert.Error(t, RouteSet{}.Validate())
}

func TestPathKey(t *testing.T) {
	assert.Equal(t, "OnionRequestPath-3", PathKey(3))
	n, ok := PathIndex("OnionRequestPath-12")
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	_, ok = PathIndex("05abcdef")
	assert.False(t, ok)
}
