// Package swarm caches the swarm (the snodes responsible for storing a public
// key's messages) of every public key the client talks to.
//
// Lookups go memory, then the route store, then the network. Concurrent
// lookups of the same key share a single network fetch.
package swarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/go-onionreq/lib/store"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"
)

// ErrEmptySwarm is returned when the network reports no snodes for a key.
var ErrEmptySwarm = errors.New("swarm is empty")

// Fetcher asks the network for the swarm of a public key.
type Fetcher interface {
	FetchSwarm(ctx context.Context, publicKey string) ([]snode.Snode, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, publicKey string) ([]snode.Snode, error)

// FetchSwarm calls f.
func (f FetcherFunc) FetchSwarm(ctx context.Context, publicKey string) ([]snode.Snode, error) {
	return f(ctx, publicKey)
}

// Config controls when a cached swarm is trusted.
type Config struct {
	// MinSwarmSnodeCount is the smallest cached swarm used without refetching.
	MinSwarmSnodeCount int
	// TargetSwarmSnodeCount is how many swarm members TargetSnodes returns.
	TargetSwarmSnodeCount int
	// TTL is how long a swarm is used before it is fetched again.
	TTL time.Duration
	// FetchTimeout bounds a shared network fetch. Zero means
	// DefaultFetchTimeout.
	FetchTimeout time.Duration
}

// DefaultFetchTimeout bounds a network fetch that outlives its callers.
const DefaultFetchTimeout = 2 * time.Minute

// DefaultConfig returns the network's client defaults.
func DefaultConfig() Config {
	return Config{
		MinSwarmSnodeCount:    3,
		TargetSwarmSnodeCount: 2,
		TTL:                   time.Hour,
		FetchTimeout:          DefaultFetchTimeout,
	}
}

type entry struct {
	snodes    []snode.Snode
	fetchedAt time.Time
}

// Cache is the swarm cache. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	store   store.RouteStore
	fetcher Fetcher
	config  Config
	group   singleflight.Group
	now     func() time.Time
}

// NewCache creates a cache. st may be nil; fetcher may be set later with
// SetFetcher but must be present before the first cold lookup.
func NewCache(st store.RouteStore, fetcher Fetcher, config Config) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		store:   st,
		fetcher: fetcher,
		config:  config,
		now:     time.Now,
	}
}

// SetFetcher installs the network fetcher.
func (c *Cache) SetFetcher(f Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetcher = f
}

func (c *Cache) usable(e entry) bool {
	if len(e.snodes) < c.config.MinSwarmSnodeCount {
		return false
	}
	return c.config.TTL <= 0 || c.now().Sub(e.fetchedAt) < c.config.TTL
}

// Cached returns the in-memory swarm for publicKey without any I/O.
func (c *Cache) Cached(publicKey string) ([]snode.Snode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[publicKey]
	if !ok {
		return nil, false
	}
	return append([]snode.Snode(nil), e.snodes...), true
}

// Swarm returns the swarm of publicKey.
func (c *Cache) Swarm(ctx context.Context, publicKey string) ([]snode.Snode, error) {
	c.mu.RLock()
	e, ok := c.entries[publicKey]
	c.mu.RUnlock()
	if ok && c.usable(e) {
		return append([]snode.Snode(nil), e.snodes...), nil
	}

	if !ok {
		if e, ok = c.loadFromStore(ctx, publicKey); ok && c.usable(e) {
			return append([]snode.Snode(nil), e.snodes...), nil
		}
	}

	// waiters leave through the select below; the fetch ignores their cancellation
	ch := c.group.DoChan(publicKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout())
		defer cancel()
		return c.fetch(fctx, publicKey)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]snode.Snode(nil), res.Val.([]snode.Snode)...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fetchTimeout() time.Duration {
	if c.config.FetchTimeout > 0 {
		return c.config.FetchTimeout
	}
	return DefaultFetchTimeout
}

func (c *Cache) loadFromStore(ctx context.Context, publicKey string) (entry, bool) {
	if c.store == nil {
		return entry{}, false
	}
	rs, found, err := c.store.Fetch(ctx, publicKey)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":         "(Cache) loadFromStore",
			"public_key": publicKey,
		}).WithError(err).Warn("swarm store read failed, falling back to network")
		return entry{}, false
	}
	if !found {
		return entry{}, false
	}
	savedAt, _, err := c.store.SavedAt(ctx, publicKey)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":         "(Cache) loadFromStore",
			"public_key": publicKey,
		}).WithError(err).Debug("swarm save time unknown, treating as expired")
	}
	// a zero savedAt makes the entry expired under any TTL
	e := entry{snodes: rs.Snodes(), fetchedAt: savedAt}
	c.mu.Lock()
	if _, raced := c.entries[publicKey]; !raced {
		c.entries[publicKey] = e
	}
	c.mu.Unlock()
	return e, true
}

func (c *Cache) fetch(ctx context.Context, publicKey string) ([]snode.Snode, error) {
	c.mu.RLock()
	fetcher := c.fetcher
	c.mu.RUnlock()
	if fetcher == nil {
		return nil, oops.Errorf("no swarm fetcher configured")
	}

	log.WithFields(logger.Fields{
		"at":         "(Cache) fetch",
		"public_key": publicKey,
	}).Debug("fetching swarm from network")

	swarm, err := fetcher.FetchSwarm(ctx, publicKey)
	if err != nil {
		return nil, oops.Wrapf(err, "fetching swarm for %s", publicKey)
	}
	swarm = snode.Unique(swarm)
	if len(swarm) == 0 {
		return nil, oops.Wrapf(ErrEmptySwarm, "public key %s", publicKey)
	}
	c.set(ctx, publicKey, swarm)
	return swarm, nil
}

func (c *Cache) set(ctx context.Context, publicKey string, swarm []snode.Snode) {
	c.mu.Lock()
	c.entries[publicKey] = entry{snodes: swarm, fetchedAt: c.now()}
	c.mu.Unlock()
	c.persist(ctx, publicKey, swarm)
}

func (c *Cache) persist(ctx context.Context, publicKey string, swarm []snode.Snode) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, snode.NewRouteSet(publicKey, swarm)); err != nil {
		log.WithFields(logger.Fields{
			"at":         "(Cache) persist",
			"public_key": publicKey,
		}).WithError(err).Warn("failed to persist swarm")
	}
}

// TargetSnodes returns up to TargetSwarmSnodeCount random members of the
// swarm of publicKey.
func (c *Cache) TargetSnodes(ctx context.Context, publicKey string) ([]snode.Snode, error) {
	swarm, err := c.Swarm(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	shuffled := snode.Shuffle(swarm)
	if n := c.config.TargetSwarmSnodeCount; n > 0 && len(shuffled) > n {
		shuffled = shuffled[:n]
	}
	return shuffled, nil
}

// Replace installs a swarm reported by the network, typically in a 421 reply.
func (c *Cache) Replace(ctx context.Context, publicKey string, swarm []snode.Snode) {
	swarm = snode.Unique(swarm)
	if len(swarm) == 0 {
		return
	}
	log.WithFields(logger.Fields{
		"at":         "(Cache) Replace",
		"public_key": publicKey,
		"size":       len(swarm),
	}).Info("replacing swarm")
	c.set(ctx, publicKey, swarm)
}

// DropSnode removes s from the swarm of publicKey.
func (c *Cache) DropSnode(ctx context.Context, publicKey string, s snode.Snode) {
	c.mu.Lock()
	e, ok := c.entries[publicKey]
	if !ok || !snode.Contains(e.snodes, s) {
		c.mu.Unlock()
		return
	}
	e.snodes = snode.Without(e.snodes, s)
	c.entries[publicKey] = e
	remaining := append([]snode.Snode(nil), e.snodes...)
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":         "(Cache) DropSnode",
		"public_key": publicKey,
		"snode":      s.String(),
		"remaining":  len(remaining),
	}).Info("dropped snode from swarm")

	if len(remaining) == 0 {
		c.deletePersisted(ctx, publicKey)
		return
	}
	c.persist(ctx, publicKey, remaining)
}

// DropSnodeEverywhere removes s from every cached swarm.
func (c *Cache) DropSnodeEverywhere(ctx context.Context, s snode.Snode) {
	c.mu.RLock()
	var keys []string
	for pk, e := range c.entries {
		if snode.Contains(e.snodes, s) {
			keys = append(keys, pk)
		}
	}
	c.mu.RUnlock()
	for _, pk := range keys {
		c.DropSnode(ctx, pk, s)
	}
}

// Invalidate forgets the swarm of publicKey in memory and in the store.
func (c *Cache) Invalidate(ctx context.Context, publicKey string) {
	c.mu.Lock()
	delete(c.entries, publicKey)
	c.mu.Unlock()
	c.deletePersisted(ctx, publicKey)
}

func (c *Cache) deletePersisted(ctx context.Context, publicKey string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, publicKey); err != nil {
		log.WithFields(logger.Fields{
			"at":         "(Cache) deletePersisted",
			"public_key": publicKey,
		}).WithError(err).Warn("failed to delete persisted swarm")
	}
}
