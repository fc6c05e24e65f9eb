package netdb

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
)

// ErrInconsistentSnodePools is returned when sampled snodes disagree on too
// much of the network to trust their combined answer.
var ErrInconsistentSnodePools = errors.New("inconsistent snode pools")

// ServiceNodeLister asks one snode for the service node list it knows.
type ServiceNodeLister interface {
	ListServiceNodes(ctx context.Context, via snode.Snode) ([]snode.Snode, error)
}

// IntersectionRefresher refreshes the pool from the network itself: several
// random pool members are asked for their view and only snodes all of them
// report are kept.
type IntersectionRefresher struct {
	Lister ServiceNodeLister
	// Samples is how many snodes are asked.
	Samples int
	// MinAgreement is the count the intersection must exceed.
	MinAgreement int
	// MaxTries bounds attempts per sampled snode.
	MaxTries uint
	// BackOff spaces the attempts; nil means exponential.
	BackOff func() backoff.BackOff
}

// NewIntersectionRefresher uses the network's defaults: 3 samples, more than
// 24 agreed snodes, 4 tries each.
func NewIntersectionRefresher(lister ServiceNodeLister) *IntersectionRefresher {
	return &IntersectionRefresher{
		Lister:       lister,
		Samples:      3,
		MinAgreement: 24,
		MaxTries:     4,
	}
}

// FetchSnodePool implements Refresher.
func (r *IntersectionRefresher) FetchSnodePool(ctx context.Context, current []snode.Snode) ([]snode.Snode, error) {
	if len(current) < r.Samples {
		return nil, oops.Wrapf(ErrInsufficientSnodes, "need %d snodes to sample, have %d", r.Samples, len(current))
	}
	sampled := snode.Shuffle(current)[:r.Samples]

	var (
		mu    sync.Mutex
		views = make([][]snode.Snode, 0, len(sampled))
	)
	newBackOff := r.BackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, via := range sampled {
		g.Go(func() error {
			view, err := backoff.Retry(gctx, func() ([]snode.Snode, error) {
				return r.Lister.ListServiceNodes(gctx, via)
			}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(r.MaxTries))
			if err != nil {
				return oops.Wrapf(err, "listing service nodes via %s", via)
			}
			mu.Lock()
			views = append(views, view)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agreed := intersect(views)
	if len(agreed) <= r.MinAgreement {
		log.WithFields(logger.Fields{
			"at":      "(IntersectionRefresher) FetchSnodePool",
			"agreed":  len(agreed),
			"minimum": r.MinAgreement + 1,
		}).Warn("sampled snodes disagree on the snode pool")
		return nil, oops.Wrapf(ErrInconsistentSnodePools, "only %d snodes agreed on", len(agreed))
	}
	return agreed, nil
}

func intersect(views [][]snode.Snode) []snode.Snode {
	if len(views) == 0 {
		return nil
	}
	counts := make(map[snode.Snode]int)
	for _, view := range views {
		for _, s := range snode.Unique(view) {
			counts[s]++
		}
	}
	var out []snode.Snode
	for _, s := range snode.Unique(views[0]) {
		if counts[s] == len(views) {
			out = append(out, s)
		}
	}
	return out
}

// FallbackRefresher prefers the network refresher while the pool is large
// enough to sample from, and falls back to the seed nodes otherwise or on
// failure.
type FallbackRefresher struct {
	Network     Refresher
	Seed        Refresher
	MinPoolSize int
}

// FetchSnodePool implements Refresher.
func (r *FallbackRefresher) FetchSnodePool(ctx context.Context, current []snode.Snode) ([]snode.Snode, error) {
	if r.Network != nil && len(current) >= r.MinPoolSize {
		pool, err := r.Network.FetchSnodePool(ctx, current)
		if err == nil {
			return pool, nil
		}
		log.WithFields(logger.Fields{
			"at":     "(FallbackRefresher) FetchSnodePool",
			"reason": err.Error(),
		}).Warn("network snode pool refresh failed, using seed nodes")
	}
	if r.Seed == nil {
		return nil, oops.Wrapf(ErrInsufficientSnodes, "no seed refresher configured")
	}
	return r.Seed.FetchSnodePool(ctx, current)
}
