package netdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/go-onionreq/lib/store"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/singleflight"
)

// ErrInsufficientSnodes is returned when the pool cannot supply enough snodes.
var ErrInsufficientSnodes = errors.New("insufficient snodes")

// Refresher fetches a fresh snode pool. current is the pool as it stands,
// which network-based refreshers sample from.
type Refresher interface {
	FetchSnodePool(ctx context.Context, current []snode.Snode) ([]snode.Snode, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, current []snode.Snode) ([]snode.Snode, error)

// FetchSnodePool calls f.
func (f RefresherFunc) FetchSnodePool(ctx context.Context, current []snode.Snode) ([]snode.Snode, error) {
	return f(ctx, current)
}

// PoolConfig controls snode pool maintenance.
type PoolConfig struct {
	// MinPoolSize triggers a refresh when the pool is smaller.
	MinPoolSize int
	// MaxPoolSize caps how many snodes are kept from one refresh.
	MaxPoolSize int
	// RefreshInterval is the maximum age of the pool.
	RefreshInterval time.Duration
}

// DefaultPoolConfig mirrors the network's client defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinPoolSize:     12,
		MaxPoolSize:     256,
		RefreshInterval: 2 * time.Hour,
	}
}

// SnodePool is the set of snodes known to the client.
type SnodePool struct {
	mu          sync.RWMutex
	snodes      map[snode.Snode]struct{}
	refreshedAt time.Time
	refresher   Refresher
	store       store.RouteStore
	config      PoolConfig
	group       singleflight.Group
	now         func() time.Time

	// refreshing is set while a refresh runs. Network refreshers reach the
	// pool again through path building and must see the current members.
	refreshing atomic.Bool
}

// NewSnodePool creates an empty pool persisted through st, which may be nil.
func NewSnodePool(st store.RouteStore, config PoolConfig) *SnodePool {
	return &SnodePool{
		snodes: make(map[snode.Snode]struct{}),
		store:  st,
		config: config,
		now:    time.Now,
	}
}

// SetRefresher installs the refresh strategy. Must be called before Snodes.
func (p *SnodePool) SetRefresher(r Refresher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresher = r
}

// Load reads the persisted pool.
func (p *SnodePool) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	pool, refreshedAt, err := p.store.LoadSnodePool(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snodes = make(map[snode.Snode]struct{}, len(pool))
	for _, s := range pool {
		p.snodes[s] = struct{}{}
	}
	p.refreshedAt = refreshedAt

	log.WithFields(logger.Fields{
		"at":           "(SnodePool) Load",
		"size":         len(pool),
		"refreshed_at": refreshedAt,
	}).Debug("loaded snode pool from store")
	return nil
}

// Size is the current pool size.
func (p *SnodePool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.snodes)
}

// Cached returns the pool without refreshing it.
func (p *SnodePool) Cached() []snode.Snode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]snode.Snode, 0, len(p.snodes))
	for s := range p.snodes {
		out = append(out, s)
	}
	return out
}

// RefreshedAt is when the pool was last replaced.
func (p *SnodePool) RefreshedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refreshedAt
}

func (p *SnodePool) needsRefresh() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.snodes) < p.config.MinPoolSize {
		return true
	}
	return p.refreshedAt.IsZero() || p.now().Sub(p.refreshedAt) > p.config.RefreshInterval
}

// Snodes returns the pool, refreshing it first when it is too small or too
// old. A failed refresh of a usable pool is logged and the stale pool served.
// While a refresh is running the current members are returned as they are.
func (p *SnodePool) Snodes(ctx context.Context) ([]snode.Snode, error) {
	if !p.needsRefresh() {
		return p.Cached(), nil
	}
	if p.refreshing.Load() {
		if cached := p.Cached(); len(cached) > 0 {
			return cached, nil
		}
	}
	fresh, err := p.Refresh(ctx)
	if err == nil {
		return fresh, nil
	}
	cached := p.Cached()
	if len(cached) >= p.config.MinPoolSize {
		log.WithFields(logger.Fields{
			"at":     "(SnodePool) Snodes",
			"size":   len(cached),
			"reason": err.Error(),
		}).Warn("snode pool refresh failed, serving stale pool")
		return cached, nil
	}
	return nil, err
}

// Random picks one pool member.
func (p *SnodePool) Random(ctx context.Context) (snode.Snode, error) {
	pool, err := p.Snodes(ctx)
	if err != nil {
		return snode.Snode{}, err
	}
	if len(pool) == 0 {
		return snode.Snode{}, oops.Wrapf(ErrInsufficientSnodes, "snode pool is empty")
	}
	return snode.RandomElement(pool), nil
}

// Refresh fetches a new pool. Concurrent callers share one fetch.
func (p *SnodePool) Refresh(ctx context.Context) ([]snode.Snode, error) {
	v, err, shared := p.group.Do("refresh", func() (any, error) {
		p.refreshing.Store(true)
		defer p.refreshing.Store(false)
		return p.refresh(ctx)
	})
	if shared {
		log.WithFields(logger.Fields{
			"at": "(SnodePool) Refresh",
		}).Debug("joined in-flight snode pool refresh")
	}
	if err != nil {
		return nil, err
	}
	return v.([]snode.Snode), nil
}

func (p *SnodePool) refresh(ctx context.Context) ([]snode.Snode, error) {
	p.mu.RLock()
	refresher := p.refresher
	p.mu.RUnlock()
	if refresher == nil {
		return nil, oops.Wrapf(ErrInsufficientSnodes, "no snode pool refresher configured")
	}

	fresh, err := refresher.FetchSnodePool(ctx, p.Cached())
	if err != nil {
		return nil, oops.Wrapf(err, "refreshing snode pool")
	}
	fresh = snode.Unique(fresh)
	if len(fresh) == 0 {
		return nil, oops.Wrapf(ErrInsufficientSnodes, "refresh returned no snodes")
	}
	if p.config.MaxPoolSize > 0 && len(fresh) > p.config.MaxPoolSize {
		fresh = snode.Shuffle(fresh)[:p.config.MaxPoolSize]
	}

	p.Set(ctx, fresh, p.now())

	log.WithFields(logger.Fields{
		"at":   "(SnodePool) refresh",
		"size": len(fresh),
	}).Info("snode pool refreshed")
	return fresh, nil
}

// Set replaces the pool and persists it.
func (p *SnodePool) Set(ctx context.Context, pool []snode.Snode, refreshedAt time.Time) {
	p.mu.Lock()
	p.snodes = make(map[snode.Snode]struct{}, len(pool))
	for _, s := range pool {
		p.snodes[s] = struct{}{}
	}
	p.refreshedAt = refreshedAt
	p.mu.Unlock()

	p.persist(ctx, pool, refreshedAt)
}

// Drop removes s from the pool.
func (p *SnodePool) Drop(ctx context.Context, s snode.Snode) {
	p.mu.Lock()
	if _, ok := p.snodes[s]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.snodes, s)
	remaining := make([]snode.Snode, 0, len(p.snodes))
	for n := range p.snodes {
		remaining = append(remaining, n)
	}
	refreshedAt := p.refreshedAt
	p.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":        "(SnodePool) Drop",
		"snode":     s.String(),
		"ed25519":   shortKey(s.Ed25519Hex(), 16),
		"pool_size": len(remaining),
	}).Info("dropped snode from pool")

	p.persist(ctx, remaining, refreshedAt)
}

func (p *SnodePool) persist(ctx context.Context, pool []snode.Snode, refreshedAt time.Time) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveSnodePool(ctx, pool, refreshedAt); err != nil {
		log.WithFields(logger.Fields{
			"at":   "(SnodePool) persist",
			"size": len(pool),
		}).WithError(err).Warn("failed to persist snode pool")
	}
}
