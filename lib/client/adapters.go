package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-i2p/go-onionreq/lib/metrics"
	"github.com/go-i2p/go-onionreq/lib/onion"
	"github.com/go-i2p/go-onionreq/lib/path"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/go-onionreq/lib/swarm"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

const (
	getSwarmMethod    = "get_snodes_for_pubkey"
	oxendMethod       = "oxend_request"
	serviceNodesQuery = "get_service_nodes"
	swarmFetchTries   = 3
)

// swarmFetcher asks a random pool snode for the swarm of a public key.
type swarmFetcher struct {
	client *Client
}

// FetchSwarm implements swarm.Fetcher. Each try goes to a different random
// snode.
func (f *swarmFetcher) FetchSwarm(ctx context.Context, publicKey string) ([]snode.Snode, error) {
	c := f.client
	operation := func() ([]snode.Snode, error) {
		via, err := c.pool.Random(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		c.metrics.SwarmFetch()
		body, err := c.SendToSnode(ctx, via, getSwarmMethod, map[string]string{"pubKey": publicKey}, "")
		if err != nil {
			return nil, err
		}
		members, dropped := snode.ParseSnodeList(body, snode.SwarmListPath)
		if len(members) == 0 {
			return nil, oops.Wrapf(swarm.ErrEmptySwarm, "%s returned no usable snodes (%d invalid)", via, dropped)
		}
		return members, nil
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(swarmFetchTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithFields(logger.Fields{
				"at":         "(swarmFetcher) FetchSwarm",
				"public_key": publicKey,
				"retry_in":   next.String(),
				"reason":     err.Error(),
			}).Debug("swarm fetch failed, retrying")
		}),
	)
}

// serviceNodeLister asks a snode for the service node list through oxend.
type serviceNodeLister struct {
	client *Client
}

// ListServiceNodes implements netdb.ServiceNodeLister. It runs inside snode
// pool refreshes, which path builds may be waiting on, so it only uses paths
// that already exist.
func (l *serviceNodeLister) ListServiceNodes(ctx context.Context, via snode.Snode) ([]snode.Snode, error) {
	c := l.client
	p, ok := c.paths.Existing(&via)
	if !ok {
		return nil, oops.Wrapf(path.ErrPathBuild, "no onion path to reach %s", via)
	}
	params := map[string]any{
		"endpoint": serviceNodesQuery,
		"params": map[string]any{
			"active_only": true,
			"fields": map[string]bool{
				"public_ip":      true,
				"storage_port":   true,
				"pubkey_x25519":  true,
				"pubkey_ed25519": true,
			},
		},
	}
	payload, err := snodePayload(oxendMethod, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.executor.Send(ctx, p, payload, onion.SnodeDestination{Snode: via}, onion.V3)
	if err != nil {
		return nil, err
	}
	body, err := c.handleSnodeResponse(ctx, via, "", resp)
	if err != nil {
		return nil, err
	}
	nodes, _ := snode.ParseSnodeList(body, snode.OxendListPath)
	return nodes, nil
}

// pathReporter passes executor outcomes to the path pool and keeps the
// path gauge current.
type pathReporter struct {
	paths   *path.Pool
	metrics *metrics.Metrics
}

func (r *pathReporter) ReportFailure(ctx context.Context, p []snode.Snode, hop int) {
	before := len(r.paths.Paths())
	r.paths.ReportFailure(ctx, p, hop)
	after := len(r.paths.Paths())
	if hop == 0 {
		r.metrics.SnodeDropped("pool")
	}
	if after < before {
		r.metrics.SnodeDropped("path")
	}
	r.metrics.Paths(after)
}

func (r *pathReporter) ReportSuccess(p []snode.Snode, rtt time.Duration) {
	r.paths.ReportSuccess(p, rtt)
}

func (r *pathReporter) DropPath(ctx context.Context, p []snode.Snode) {
	r.paths.DropPath(ctx, p)
	r.metrics.Paths(len(r.paths.Paths()))
}
