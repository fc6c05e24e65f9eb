package snode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSnodeListSwarmFields(t *testing.T) {
	body := []byte(`{"snodes":[
		{"ip":"1.2.3.4","port":"22021","pubkey_x25519":"` + testX25519 + `","pubkey_ed25519":"` + testEd25519 + `"},
		{"ip":"0.0.0.0","port":"22021","pubkey_x25519":"` + testX25519 + `","pubkey_ed25519":"` + testEd25519 + `"},
		{"ip":"5.6.7.8","port":22022,"pubkey_x25519":"nothex","pubkey_ed25519":"` + testEd25519 + `"}
	]}`)

	snodes, dropped := ParseSnodeList(body, SwarmListPath)
	require.Len(t, snodes, 1)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, "https://1.2.3.4", snodes[0].Address)
	assert.Equal(t, uint16(22021), snodes[0].Port)
}

func TestParseSnodeListOxendFields(t *testing.T) {
	body := []byte(`{"result":{"service_node_states":[
		{"public_ip":"9.9.9.9","storage_port":443,"pubkey_x25519":"` + testX25519 + `","pubkey_ed25519":"` + testEd25519 + `"}
	]}}`)

	snodes, dropped := ParseSnodeList(body, OxendListPath)
	require.Len(t, snodes, 1)
	assert.Zero(t, dropped)
	assert.Equal(t, "https://9.9.9.9:443", snodes[0].URL())
}

func TestParseSnodeListMissingArray(t *testing.T) {
	snodes, dropped := ParseSnodeList([]byte(`{"error":"nope"}`), SwarmListPath)
	assert.Empty(t, snodes)
	assert.Zero(t, dropped)
}

func TestListHelpers(t *testing.T) {
	a := MustDecode(validWire())
	w := validWire()
	w.Port = 2
	b := MustDecode(w)
	w.Port = 3
	c := MustDecode(w)

	list := []Snode{a, b, c, a}
	assert.True(t, Contains(list, b))
	assert.Equal(t, []Snode{a, c, a}, Without(list, b))
	assert.Equal(t, []Snode{a, b, c}, Unique(list))

	shuffled := Shuffle(list)
	assert.ElementsMatch(t, list, shuffled)
	assert.Contains(t, list, RandomElement(list))
}
