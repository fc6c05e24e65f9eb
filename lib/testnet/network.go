// Package testnet runs an in-process snode network on httptest servers so
// the path pool, executor and client can be exercised end to end.
//
// Every relay opens its onion layer with onion.OpenLayer, forwards the inner
// frame to the next relay named in the routing metadata and passes the reply
// back. The relay that finds a snode payload inside its layer answers it
// through its SnodeHandler. Server destinations registered with AddServer
// answer v3 and v4 requests.
package testnet

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-onionreq/lib/onion"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/tidwall/gjson"
)

// DefaultVersion is what relays report from get_stats/v1.
const DefaultVersion = "2.8.0"

// SnodeHandler answers a snode RPC. params is the raw JSON of "params".
type SnodeHandler func(method string, params []byte) (status int, body string)

// ServerHandler answers a request that reached a server destination.
type ServerHandler func(info onion.RequestInfo, body []byte) (onion.ResponseInfo, []byte)

// Network is a set of relays and servers.
type Network struct {
	// Nested makes every hop encrypt the reply with its own layer key.
	Nested bool

	mu      sync.RWMutex
	relays  []*Relay
	byEd    map[string]*Relay
	servers map[string]*Server
}

// Relay is one fake snode.
type Relay struct {
	Snode snode.Snode
	Keys  onion.KeyPair

	net    *Network
	server *httptest.Server

	mu       sync.Mutex
	handler  SnodeHandler
	version  string
	delay    time.Duration
	down     bool
	failures []injected

	onionHits atomic.Int32
	statsHits atomic.Int32
}

type injected struct {
	status int
	body   string
}

// Server is a fake onion request destination outside the snode network.
type Server struct {
	Host string
	Keys onion.KeyPair

	mu      sync.Mutex
	handler ServerHandler
	hits    atomic.Int32
}

// New starts n relays. They are closed with t.Cleanup.
func New(t testing.TB, n int) *Network {
	t.Helper()
	nw := &Network{
		byEd:    make(map[string]*Relay),
		servers: make(map[string]*Server),
	}
	for i := 0; i < n; i++ {
		nw.relays = append(nw.relays, nw.startRelay(t))
	}
	return nw
}

func (nw *Network) startRelay(t testing.TB) *Relay {
	t.Helper()
	keys, err := onion.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generating relay keys: %v", err)
	}
	r := &Relay{Keys: keys, net: nw, version: DefaultVersion}
	r.server = httptest.NewTLSServer(r)
	t.Cleanup(r.server.Close)

	u, err := url.Parse(r.server.URL)
	if err != nil {
		t.Fatalf("parsing relay url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing relay port: %v", err)
	}
	var ed [snode.KeySize]byte
	if _, err := rand.Read(ed[:]); err != nil {
		t.Fatalf("generating relay identity: %v", err)
	}
	r.Snode = snode.Snode{
		Address:          u.Scheme + "://" + u.Hostname(),
		Port:             uint16(port),
		X25519PublicKey:  keys.PublicArray(),
		Ed25519PublicKey: ed,
	}
	nw.mu.Lock()
	nw.byEd[r.Snode.Ed25519Hex()] = r
	nw.mu.Unlock()
	return r
}

// Client returns an HTTP client that trusts the relays' certificates.
func (nw *Network) Client() *http.Client {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	if len(nw.relays) == 0 {
		return http.DefaultClient
	}
	return nw.relays[0].server.Client()
}

// Snodes lists every relay.
func (nw *Network) Snodes() []snode.Snode {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	out := make([]snode.Snode, len(nw.relays))
	for i, r := range nw.relays {
		out[i] = r.Snode
	}
	return out
}

// Relays returns the relays in creation order.
func (nw *Network) Relays() []*Relay {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	return append([]*Relay(nil), nw.relays...)
}

// Relay finds the relay for s.
func (nw *Network) Relay(s snode.Snode) *Relay {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	return nw.byEd[s.Ed25519Hex()]
}

// SetHandler installs h on every relay.
func (nw *Network) SetHandler(h SnodeHandler) {
	for _, r := range nw.Relays() {
		r.SetHandler(h)
	}
}

// Forget removes s from the network's routing, so hops answer "Next node not
// found" for it.
func (nw *Network) Forget(s snode.Snode) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	delete(nw.byEd, s.Ed25519Hex())
}

// AddServer registers a server destination reachable as host.
func (nw *Network) AddServer(t testing.TB, host string, h ServerHandler) *Server {
	t.Helper()
	keys, err := onion.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generating server keys: %v", err)
	}
	s := &Server{Host: host, Keys: keys, handler: h}
	nw.mu.Lock()
	nw.servers[host] = s
	nw.mu.Unlock()
	return s
}

// OnionHits is how many onion requests across all relays were received.
func (nw *Network) OnionHits() int {
	total := 0
	for _, r := range nw.Relays() {
		total += r.OnionHits()
	}
	return total
}

// SetHandler sets how this relay answers snode RPCs addressed to it.
func (r *Relay) SetHandler(h SnodeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// SetVersion changes the version reported by get_stats/v1.
func (r *Relay) SetVersion(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = v
}

// SetDelay makes the relay wait before answering.
func (r *Relay) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// SetDown makes every request to the relay fail with 503.
func (r *Relay) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// FailNext makes the next n onion requests answer status with body.
func (r *Relay) FailNext(n, status int, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.failures = append(r.failures, injected{status: status, body: body})
	}
}

// OnionHits counts onion requests received by this relay.
func (r *Relay) OnionHits() int { return int(r.onionHits.Load()) }

// StatsHits counts guard tests received by this relay.
func (r *Relay) StatsHits() int { return int(r.statsHits.Load()) }

// Hits counts requests that reached s.
func (s *Server) Hits() int { return int(s.hits.Load()) }

// ServeHTTP implements http.Handler.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	delay, down, version := r.delay, r.down, r.version
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return
		}
	}
	if down {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	switch req.URL.Path {
	case "/get_stats/v1":
		r.statsHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"version": version})
	case "/onion_req/v2":
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, reply := r.handleOnion(body)
		w.WriteHeader(status)
		w.Write(reply)
	default:
		http.NotFound(w, req)
	}
}

func (r *Relay) handleOnion(frame []byte) (int, []byte) {
	r.onionHits.Add(1)

	r.mu.Lock()
	if len(r.failures) > 0 {
		f := r.failures[0]
		r.failures = r.failures[1:]
		r.mu.Unlock()
		return f.status, []byte(f.body)
	}
	r.mu.Unlock()

	layer, err := onion.OpenLayer(r.Keys, frame)
	if err != nil {
		return http.StatusBadRequest, []byte(err.Error())
	}
	defer layer.Key.Zero()

	ciphertext, rawMeta, err := onion.DecodeFrame(layer.Inner)
	if err != nil {
		return http.StatusBadRequest, []byte(err.Error())
	}
	meta, err := onion.ParseMetadata(rawMeta)
	if err != nil {
		return http.StatusBadRequest, []byte(err.Error())
	}

	var (
		status int
		reply  []byte
	)
	switch {
	case meta.Destination != "":
		status, reply = r.forward(meta.Destination, layer.Inner)
	case meta.Host != "":
		status, reply = r.net.serve(meta, layer.Inner)
	default:
		status, reply = r.answer(layer.Key, ciphertext)
	}

	if r.net.Nested && status == http.StatusOK && (meta.Destination != "" || meta.Host != "") {
		sealed, err := onion.Encrypt(reply, layer.Key)
		if err != nil {
			return http.StatusInternalServerError, []byte(err.Error())
		}
		reply = sealed
	}
	return status, reply
}

func (r *Relay) forward(ed25519 string, frame []byte) (int, []byte) {
	r.net.mu.RLock()
	next := r.net.byEd[ed25519]
	r.net.mu.RUnlock()
	if next == nil {
		return http.StatusBadGateway, []byte("Next node not found: " + ed25519)
	}

	next.mu.Lock()
	down, delay := next.down, next.delay
	next.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if down {
		return http.StatusBadGateway, []byte("Next node not found: " + ed25519)
	}
	return next.handleOnion(frame)
}

// answer handles a payload addressed to this relay: {"method", "params"}.
func (r *Relay) answer(key onion.SymmetricKey, payload []byte) (int, []byte) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()

	status, body := http.StatusNotFound, "no handler"
	if h != nil {
		status, body = h(gjson.GetBytes(payload, "method").String(), []byte(gjson.GetBytes(payload, "params").Raw))
	}
	sealed, err := onion.SealV3Response(key, status, body)
	if err != nil {
		return http.StatusInternalServerError, []byte(err.Error())
	}
	return http.StatusOK, sealed
}

func (nw *Network) serve(meta onion.Metadata, frame []byte) (int, []byte) {
	nw.mu.RLock()
	s := nw.servers[meta.Host]
	nw.mu.RUnlock()
	if s == nil {
		return http.StatusBadGateway, []byte(fmt.Sprintf("unknown host %s", meta.Host))
	}
	s.hits.Add(1)

	layer, err := onion.OpenLayer(s.Keys, frame)
	if err != nil {
		return http.StatusBadRequest, []byte(err.Error())
	}
	defer layer.Key.Zero()

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	if meta.Target == string(onion.V4) {
		info, body, err := onion.DecodeV4Request(layer.Inner)
		if err != nil {
			return http.StatusBadRequest, []byte(err.Error())
		}
		respInfo, respBody := h(info, body)
		sealed, err := onion.SealV4Response(layer.Key, respInfo, respBody)
		if err != nil {
			return http.StatusInternalServerError, []byte(err.Error())
		}
		return http.StatusOK, sealed
	}

	info := onion.RequestInfo{
		Method:   gjson.GetBytes(layer.Inner, "method").String(),
		Endpoint: gjson.GetBytes(layer.Inner, "endpoint").String(),
	}
	respInfo, respBody := h(info, []byte(gjson.GetBytes(layer.Inner, "body").String()))
	sealed, err := onion.SealV3Response(layer.Key, respInfo.Code, string(respBody))
	if err != nil {
		return http.StatusInternalServerError, []byte(err.Error())
	}
	return http.StatusOK, sealed
}
