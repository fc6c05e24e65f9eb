package netdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// DefaultSeedNodes are the public seed nodes bootstrapping the snode pool.
var DefaultSeedNodes = []string{
	"https://storage.seed1.loki.network:4433",
	"https://storage.seed3.loki.network:4433",
	"https://public.loki.foundation:4433",
}

// ErrSeedRequest is returned when no seed node produced a usable snode list.
var ErrSeedRequest = errors.New("seed node request failed")

const (
	seedRPCPath       = "/json_rpc"
	seedListLimit     = 256
	seedMaxTries      = 4
	maxSeedReplyBytes = 8 << 20
)

// snodeFields asks oxend for exactly the fields a Snode needs.
var snodeFields = map[string]bool{
	"public_ip":      true,
	"storage_port":   true,
	"pubkey_ed25519": true,
	"pubkey_x25519":  true,
}

// SeedRefresher fetches the snode pool from a randomly chosen seed node.
type SeedRefresher struct {
	client     *http.Client
	seeds      []string
	maxTries   uint
	newBackOff func() backoff.BackOff
}

// NewSeedRefresher creates a refresher over seeds, or DefaultSeedNodes when
// seeds is empty. A nil client uses http.DefaultClient.
func NewSeedRefresher(client *http.Client, seeds []string) *SeedRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	if len(seeds) == 0 {
		seeds = DefaultSeedNodes
	}
	return &SeedRefresher{
		client:     client,
		seeds:      append([]string(nil), seeds...),
		maxTries:   seedMaxTries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Seeds returns the configured seed URLs.
func (r *SeedRefresher) Seeds() []string {
	return append([]string(nil), r.seeds...)
}

// FetchSnodePool implements Refresher. The current pool is ignored.
func (r *SeedRefresher) FetchSnodePool(ctx context.Context, _ []snode.Snode) ([]snode.Snode, error) {
	seed := r.seeds[rand.Intn(len(r.seeds))]
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "0",
		"method":  "get_n_service_nodes",
		"params": map[string]any{
			"active_only": true,
			"limit":       seedListLimit,
			"fields":      snodeFields,
		},
	})
	if err != nil {
		return nil, oops.Wrapf(err, "encoding seed request")
	}

	log.WithFields(logger.Fields{
		"at":   "(SeedRefresher) FetchSnodePool",
		"seed": seed,
	}).Info("fetching snode pool from seed node")

	pool, err := backoff.Retry(ctx, func() ([]snode.Snode, error) {
		return r.fetch(ctx, seed, body)
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithFields(logger.Fields{
				"at":     "(SeedRefresher) FetchSnodePool",
				"seed":   seed,
				"retry":  next.String(),
				"reason": err.Error(),
			}).Debug("seed request failed, retrying")
		}),
	)
	if err != nil {
		return nil, oops.Wrapf(err, "seed %s", seed)
	}
	return pool, nil
}

func (r *SeedRefresher) fetch(ctx context.Context, seed string, body []byte) ([]snode.Snode, error) {
	url := strings.TrimSuffix(seed, "/") + seedRPCPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(oops.Wrapf(err, "building seed request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSeedRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSeedReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %w", ErrSeedRequest, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSeedRequest, resp.StatusCode)
	}

	pool, dropped := snode.ParseSnodeList(data, snode.OxendListPath)
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: no valid snodes in reply (%d invalid)", ErrSeedRequest, dropped)
	}
	return pool, nil
}
