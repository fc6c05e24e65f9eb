package netdb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

type fakeLister struct {
	mu       sync.Mutex
	views    map[snode.Snode][]snode.Snode
	failures map[snode.Snode]int
	calls    map[snode.Snode]int
}

func (f *fakeLister) ListServiceNodes(ctx context.Context, via snode.Snode) ([]snode.Snode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[snode.Snode]int)
	}
	f.calls[via]++
	if f.failures[via] > 0 {
		f.failures[via]--
		return nil, errors.New("timeout")
	}
	return f.views[via], nil
}

func sampledViews(current []snode.Snode, common []snode.Snode, extra int) map[snode.Snode][]snode.Snode {
	views := make(map[snode.Snode][]snode.Snode)
	for i, via := range current {
		view := append([]snode.Snode(nil), common...)
		view = append(view, testSnodes(1000+i*extra, extra)...)
		views[via] = snode.Shuffle(view)
	}
	return views
}

func TestIntersectionRefresherKeepsAgreedSnodes(t *testing.T) {
	current := testSnodes(0, 3)
	common := testSnodes(100, 30)
	lister := &fakeLister{views: sampledViews(current, common, 5)}

	r := NewIntersectionRefresher(lister)
	r.BackOff = zeroBackOff

	got, err := r.FetchSnodePool(context.Background(), current)
	require.NoError(t, err)
	assert.ElementsMatch(t, common, got)
}

func TestIntersectionRefresherRejectsDisagreement(t *testing.T) {
	current := testSnodes(0, 3)
	lister := &fakeLister{views: sampledViews(current, testSnodes(100, 24), 10)}

	r := NewIntersectionRefresher(lister)
	r.BackOff = zeroBackOff

	_, err := r.FetchSnodePool(context.Background(), current)
	assert.ErrorIs(t, err, ErrInconsistentSnodePools)
}

func TestIntersectionRefresherRetriesSample(t *testing.T) {
	current := testSnodes(0, 3)
	common := testSnodes(100, 25)
	lister := &fakeLister{
		views:    sampledViews(current, common, 0),
		failures: map[snode.Snode]int{current[1]: 2},
	}

	r := NewIntersectionRefresher(lister)
	r.BackOff = zeroBackOff

	got, err := r.FetchSnodePool(context.Background(), current)
	require.NoError(t, err)
	assert.Len(t, got, 25)
	assert.Equal(t, 3, lister.calls[current[1]])
}

func TestIntersectionRefresherGivesUpAfterMaxTries(t *testing.T) {
	current := testSnodes(0, 3)
	lister := &fakeLister{
		views:    sampledViews(current, testSnodes(100, 30), 0),
		failures: map[snode.Snode]int{current[0]: 10, current[1]: 10, current[2]: 10},
	}

	r := NewIntersectionRefresher(lister)
	r.BackOff = zeroBackOff

	_, err := r.FetchSnodePool(context.Background(), current)
	require.Error(t, err)
	lister.mu.Lock()
	defer lister.mu.Unlock()
	for _, n := range lister.calls {
		assert.LessOrEqual(t, n, 4)
	}
}

func TestIntersectionRefresherNeedsSamples(t *testing.T) {
	r := NewIntersectionRefresher(&fakeLister{})
	_, err := r.FetchSnodePool(context.Background(), testSnodes(0, 2))
	assert.ErrorIs(t, err, ErrInsufficientSnodes)
}

func TestFallbackRefresher(t *testing.T) {
	seedPool := testSnodes(500, 40)
	netPool := testSnodes(600, 30)

	var seedCalls, netCalls atomic.Int32
	seed := staticRefresher(seedPool, &seedCalls)

	t.Run("small pool goes to seed", func(t *testing.T) {
		r := &FallbackRefresher{Network: staticRefresher(netPool, &netCalls), Seed: seed, MinPoolSize: 12}
		got, err := r.FetchSnodePool(context.Background(), testSnodes(0, 5))
		require.NoError(t, err)
		assert.Equal(t, seedPool, got)
		assert.Equal(t, int32(0), netCalls.Load())
	})

	t.Run("large pool uses network", func(t *testing.T) {
		r := &FallbackRefresher{Network: staticRefresher(netPool, &netCalls), Seed: seed, MinPoolSize: 12}
		got, err := r.FetchSnodePool(context.Background(), testSnodes(0, 20))
		require.NoError(t, err)
		assert.Equal(t, netPool, got)
	})

	t.Run("network failure falls back", func(t *testing.T) {
		failing := RefresherFunc(func(ctx context.Context, _ []snode.Snode) ([]snode.Snode, error) {
			return nil, ErrInconsistentSnodePools
		})
		r := &FallbackRefresher{Network: failing, Seed: seed, MinPoolSize: 12}
		before := seedCalls.Load()
		got, err := r.FetchSnodePool(context.Background(), testSnodes(0, 20))
		require.NoError(t, err)
		assert.Equal(t, seedPool, got)
		assert.Equal(t, before+1, seedCalls.Load())
	})

	t.Run("no seed", func(t *testing.T) {
		r := &FallbackRefresher{MinPoolSize: 12}
		_, err := r.FetchSnodePool(context.Background(), nil)
		assert.ErrorIs(t, err, ErrInsufficientSnodes)
	})
}

func oxendReply(t *testing.T, pool []snode.Snode) []byte {
	t.Helper()
	states := make([]map[string]any, 0, len(pool)+1)
	for _, s := range pool {
		w := s.Wire()
		states = append(states, map[string]any{
			"public_ip":      s.Host(),
			"storage_port":   w.Port,
			"pubkey_x25519":  w.X25519PublicKey,
			"pubkey_ed25519": w.Ed25519PublicKey,
		})
	}
	// a node without a public IP is skipped
	states = append(states, map[string]any{"public_ip": "0.0.0.0", "storage_port": 1})
	data, err := json.Marshal(map[string]any{"result": map[string]any{"service_node_states": states}})
	require.NoError(t, err)
	return data
}

func TestSeedRefresher(t *testing.T) {
	pool := testSnodes(0, 20)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/json_rpc", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, "get_n_service_nodes", gjson.GetBytes(body, "method").String())
		assert.True(t, gjson.GetBytes(body, "params.active_only").Bool())
		assert.Equal(t, int64(256), gjson.GetBytes(body, "params.limit").Int())
		assert.True(t, gjson.GetBytes(body, "params.fields.pubkey_x25519").Bool())

		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(oxendReply(t, pool))
	}))
	defer srv.Close()

	r := NewSeedRefresher(srv.Client(), []string{srv.URL})
	r.newBackOff = zeroBackOff

	got, err := r.FetchSnodePool(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, pool, got)
	assert.Equal(t, int32(2), requests.Load())
}

func TestSeedRefresherGivesUp(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{"result":{"service_node_states":[]}}`))
	}))
	defer srv.Close()

	r := NewSeedRefresher(srv.Client(), []string{srv.URL})
	r.newBackOff = zeroBackOff

	_, err := r.FetchSnodePool(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSeedRequest)
	assert.Equal(t, int32(seedMaxTries), requests.Load())
}

func TestNewSeedRefresherDefaults(t *testing.T) {
	r := NewSeedRefresher(nil, nil)
	assert.Equal(t, DefaultSeedNodes, r.Seeds())
}
