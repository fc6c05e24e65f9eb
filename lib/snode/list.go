package snode

import (
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/tidwall/gjson"
)

// Response paths holding snode arrays.
const (
	SwarmListPath = "snodes"
	OxendListPath = "result.service_node_states"
)

// ParseSnodeList extracts the snode array at path from a JSON document.
// Both oxend field names (public_ip, storage_port) and storage server field
// names (ip, port) are accepted. Entries that fail validation are skipped;
// the number skipped is returned alongside the valid snodes.
func ParseSnodeList(data []byte, path string) ([]Snode, int) {
	list := gjson.GetBytes(data, path)
	if !list.IsArray() {
		log.WithFields(logger.Fields{
			"at":     "ParseSnodeList",
			"path":   path,
			"reason": "no snode array at path",
		}).Warn("snode list missing")
		return nil, 0
	}

	var (
		snodes  []Snode
		dropped int
	)
	list.ForEach(func(_, entry gjson.Result) bool {
		s, err := Decode(wireFromJSON(entry))
		if err != nil {
			dropped++
			log.WithFields(logger.Fields{
				"at":     "ParseSnodeList",
				"path":   path,
				"reason": err.Error(),
			}).Debug("dropping snode entry")
			return true
		}
		snodes = append(snodes, s)
		return true
	})

	if dropped > 0 {
		log.WithFields(logger.Fields{
			"at":      "ParseSnodeList",
			"valid":   len(snodes),
			"dropped": dropped,
		}).Warn("snode list contained invalid entries")
	}
	return snodes, dropped
}

func wireFromJSON(entry gjson.Result) WireSnode {
	address := entry.Get("public_ip").String()
	if address == "" {
		address = entry.Get("ip").String()
	}
	port := entry.Get("storage_port")
	if !port.Exists() {
		port = entry.Get("port")
	}
	p := port.Uint()
	if p > 65535 {
		p = 0
	}
	return WireSnode{
		Address:          address,
		Port:             uint16(p),
		X25519PublicKey:  entry.Get("pubkey_x25519").String(),
		Ed25519PublicKey: entry.Get("pubkey_ed25519").String(),
	}
}

// Contains reports whether list holds s.
func Contains(list []Snode, s Snode) bool {
	for _, n := range list {
		if n == s {
			return true
		}
	}
	return false
}

// Without returns list minus every snode in exclude.
func Without(list []Snode, exclude ...Snode) []Snode {
	out := make([]Snode, 0, len(list))
	for _, n := range list {
		if !Contains(exclude, n) {
			out = append(out, n)
		}
	}
	return out
}

// Unique drops repeated snodes, keeping first occurrence order.
func Unique(list []Snode) []Snode {
	seen := make(map[Snode]struct{}, len(list))
	out := make([]Snode, 0, len(list))
	for _, n := range list {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Shuffle returns a randomly permuted copy of list.
func Shuffle(list []Snode) []Snode {
	out := make([]Snode, len(list))
	copy(out, list)
	for i := len(out) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// RandomElement picks one snode uniformly. The list must not be empty.
func RandomElement(list []Snode) Snode {
	return list[rand.Intn(len(list))]
}
