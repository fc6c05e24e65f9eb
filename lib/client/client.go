// Package client is the entry point of the onion request subsystem. It wires
// the snode pool, swarm cache, path pool, crypto workers and request
// executor together and exposes SendRequest, the only call collaborators
// need: they name a swarm or a server and get the destination's reply back,
// never seeing paths or keys.
package client

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-i2p/go-onionreq/lib/config"
	"github.com/go-i2p/go-onionreq/lib/metrics"
	"github.com/go-i2p/go-onionreq/lib/netdb"
	"github.com/go-i2p/go-onionreq/lib/onion"
	"github.com/go-i2p/go-onionreq/lib/path"
	"github.com/go-i2p/go-onionreq/lib/request"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/go-onionreq/lib/store"
	"github.com/go-i2p/go-onionreq/lib/swarm"
	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Options configures New.
type Options struct {
	Config config.ConfigDefaults
	// Store persists routes; nil keeps everything in memory.
	Store store.RouteStore
	// HTTPClient carries onion requests and seed node queries. Nil uses a
	// client that accepts self-signed snode certificates.
	HTTPClient *http.Client
	// Registerer receives the prometheus collectors; nil disables metrics.
	Registerer prometheus.Registerer
	// NewBackOff overrides the retry delays of requests and refreshes.
	NewBackOff func() backoff.BackOff
}

// Client sends onion requests.
type Client struct {
	config    config.ConfigDefaults
	store     store.RouteStore
	transport *request.Transport
	workers   *onion.Workers
	tracker   *netdb.PeerTracker
	pool      *netdb.SnodePool
	paths     *path.Pool
	swarms    *swarm.Cache
	executor  *request.Executor
	metrics   *metrics.Metrics
	backOff   func() backoff.BackOff

	// clockOffset is network time minus local time, in milliseconds.
	clockOffset atomic.Int64
}

// New builds a client from opts. Call Start before sending.
func New(opts Options) *Client {
	cfg := opts.Config

	var transport *request.Transport
	if opts.HTTPClient != nil {
		transport = request.NewTransportWithClient(opts.HTTPClient, cfg.Request.Timeout)
	} else {
		transport = request.NewTransport(cfg.Request.Timeout)
	}

	c := &Client{
		config:    cfg,
		store:     opts.Store,
		transport: transport,
		workers:   onion.NewWorkers(cfg.Onion.Workers, cfg.Onion.NestedResponses),
		tracker:   netdb.NewPeerTracker(),
		backOff:   opts.NewBackOff,
	}
	if opts.Registerer != nil {
		c.metrics = metrics.New(opts.Registerer)
	}
	if c.backOff == nil {
		c.backOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.Request.InitialBackoff
			b.MaxInterval = cfg.Request.MaxBackoff
			return b
		}
	}

	c.pool = netdb.NewSnodePool(opts.Store, netdb.PoolConfig{
		MinPoolSize:     cfg.SnodePool.MinSize,
		MaxPoolSize:     cfg.SnodePool.MaxSize,
		RefreshInterval: cfg.SnodePool.RefreshInterval,
	})
	c.pool.SetRefresher(c.newRefresher(opts.HTTPClient))

	c.paths = path.NewPool(c.pool, transport, opts.Store, c.tracker, path.PoolConfig{
		PathLength:            cfg.Path.Length,
		TargetPathCount:       cfg.Path.TargetCount,
		DegradedThreshold:     cfg.Path.DegradedThreshold,
		SnodeFailureThreshold: cfg.Path.SnodeFailureThreshold,
		RebuildRate:           rate.Every(cfg.Path.RebuildInterval),
		RebuildBurst:          cfg.Path.RebuildBurst,
		MaintenanceInterval:   cfg.Path.MaintenanceInterval,
	})

	c.swarms = swarm.NewCache(opts.Store, &swarmFetcher{client: c}, swarm.Config{
		MinSwarmSnodeCount:    cfg.Swarm.MinSnodeCount,
		TargetSwarmSnodeCount: cfg.Swarm.TargetSnodeCount,
		TTL:                   cfg.Swarm.TTL,
	})

	c.executor = request.NewExecutor(transport, c.workers, &pathReporter{paths: c.paths, metrics: c.metrics}, c.metrics, request.Config{
		MaxRetryCount: cfg.Request.MaxRetryCount,
		NewBackOff:    c.backOff,
	})
	return c
}

func (c *Client) newRefresher(httpClient *http.Client) netdb.Refresher {
	network := netdb.NewIntersectionRefresher(&serviceNodeLister{client: c})
	network.Samples = c.config.SnodePool.Samples
	network.MinAgreement = c.config.SnodePool.MinAgreement
	network.BackOff = c.backOff

	seedClient := httpClient
	if seedClient == nil {
		seedClient = &http.Client{Timeout: c.config.Request.Timeout}
	}
	return &netdb.FallbackRefresher{
		Network:     network,
		Seed:        netdb.NewSeedRefresher(seedClient, c.config.SnodePool.SeedNodes),
		MinPoolSize: c.config.SnodePool.MinSize,
	}
}

// Start restores the snode pool and paths from the store and starts path
// maintenance. Store failures are logged; the network fills the gaps.
func (c *Client) Start(ctx context.Context) error {
	if err := c.pool.Load(ctx); err != nil {
		log.WithFields(logger.Fields{
			"at": "(Client) Start",
		}).WithError(err).Warn("could not load snode pool, will refresh from network")
	}
	if err := c.paths.Load(ctx); err != nil {
		log.WithFields(logger.Fields{
			"at": "(Client) Start",
		}).WithError(err).Warn("could not load onion paths, will rebuild")
	}
	c.metrics.PoolSize(c.pool.Size())
	c.metrics.Paths(len(c.paths.Paths()))
	c.paths.StartMaintenance()

	log.WithFields(logger.Fields{
		"at":        "(Client) Start",
		"pool_size": c.pool.Size(),
		"paths":     len(c.paths.Paths()),
	}).Info("onion request client started")
	return nil
}

// Stop ends background maintenance.
func (c *Client) Stop() {
	c.paths.Stop()
}

// SnodePool exposes the network-wide snode pool.
func (c *Client) SnodePool() *netdb.SnodePool { return c.pool }

// PathPool exposes the onion paths.
func (c *Client) PathPool() *path.Pool { return c.paths }

// Swarms exposes the swarm cache.
func (c *Client) Swarms() *swarm.Cache { return c.swarms }

// Swarm returns the swarm for publicKey, fetching it through the onion
// network when the cache cannot serve it.
func (c *Client) Swarm(ctx context.Context, publicKey string) ([]snode.Snode, error) {
	return c.swarms.Swarm(ctx, publicKey)
}

// RebuildPaths replaces every onion path.
func (c *Client) RebuildPaths(ctx context.Context) ([][]snode.Snode, error) {
	paths, err := c.paths.Rebuild(ctx, c.config.Path.TargetCount)
	c.metrics.PathRebuild(err == nil)
	c.metrics.Paths(len(c.paths.Paths()))
	c.metrics.PoolSize(c.pool.Size())
	return paths, err
}

// ClockOffset is how far the network's clock is ahead of the local one, as
// last reported by a snode.
func (c *Client) ClockOffset() time.Duration {
	return time.Duration(c.clockOffset.Load()) * time.Millisecond
}

// NetworkTime is the local time corrected by ClockOffset.
func (c *Client) NetworkTime() time.Time {
	return time.Now().Add(c.ClockOffset())
}
