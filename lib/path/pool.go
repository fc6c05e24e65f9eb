package path

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-onionreq/lib/netdb"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/go-onionreq/lib/store"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrPathBuild is returned when no usable onion path can be produced.
var ErrPathBuild = errors.New("onion path build failed")

// UnknownHop is passed to ReportFailure when the failing hop is not known.
const UnknownHop = -1

// SnodeSource supplies the snodes paths are built from. *netdb.SnodePool
// implements it.
type SnodeSource interface {
	Snodes(ctx context.Context) ([]snode.Snode, error)
	Drop(ctx context.Context, s snode.Snode)
}

// GuardTester checks that a snode is fit to be the first hop of a path.
type GuardTester interface {
	TestGuard(ctx context.Context, s snode.Snode) error
}

// PoolConfig defines how many paths are kept and how they are built.
type PoolConfig struct {
	// PathLength is the number of hops, guard included.
	PathLength int
	// TargetPathCount is how many paths the pool keeps ready.
	TargetPathCount int
	// DegradedThreshold is how many downstream failures discard a path.
	DegradedThreshold int
	// SnodeFailureThreshold is how many failures drop a snode from its path.
	SnodeFailureThreshold int
	// RebuildRate and RebuildBurst limit how often paths are rebuilt.
	RebuildRate  rate.Limit
	RebuildBurst int
	// MaintenanceInterval is how often the background loop tops up paths.
	MaintenanceInterval time.Duration
}

// DefaultPoolConfig returns the network's client defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		PathLength:            3,
		TargetPathCount:       2,
		DegradedThreshold:     2,
		SnodeFailureThreshold: netdb.DefaultFailureThreshold,
		RebuildRate:           rate.Every(5 * time.Second),
		RebuildBurst:          2,
		MaintenanceInterval:   time.Minute,
	}
}

type pathState struct {
	snodes   []snode.Snode
	failures int
	builtAt  time.Time
}

func (ps *pathState) contains(s snode.Snode) bool {
	return snode.Contains(ps.snodes, s)
}

func (ps *pathState) equal(path []snode.Snode) bool {
	if len(ps.snodes) != len(path) {
		return false
	}
	for i := range path {
		if ps.snodes[i] != path[i] {
			return false
		}
	}
	return true
}

// Pool maintains the client's onion paths.
type Pool struct {
	paths    []*pathState
	mutex    sync.RWMutex
	source   SnodeSource
	tester   GuardTester
	store    store.RouteStore
	tracker  *netdb.PeerTracker
	config   PoolConfig
	group    singleflight.Group
	building *semaphore.Weighted
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	maintWg  sync.WaitGroup
}

// NewPool creates an empty path pool. tester, st and tracker may be nil.
func NewPool(source SnodeSource, tester GuardTester, st store.RouteStore, tracker *netdb.PeerTracker, config PoolConfig) *Pool {
	if tracker == nil {
		tracker = netdb.NewPeerTracker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		source:   source,
		tester:   tester,
		store:    st,
		tracker:  tracker,
		config:   config,
		building: semaphore.NewWeighted(1),
		limiter:  rate.NewLimiter(config.RebuildRate, config.RebuildBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Tracker returns the failure tracker shared with the pool.
func (p *Pool) Tracker() *netdb.PeerTracker {
	return p.tracker
}

// Load restores persisted paths. Malformed paths are skipped.
func (p *Pool) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	sets, err := p.store.FetchAllWithPrefix(ctx, snode.PathKeyPrefix)
	if err != nil {
		return err
	}

	var loaded []*pathState
	for _, rs := range sets {
		nodes := rs.Snodes()
		if !p.valid(nodes) {
			log.WithFields(logger.Fields{
				"at":     "(Pool) Load",
				"key":    rs.Key,
				"length": len(nodes),
				"reason": "wrong length or repeated snode",
			}).Warn("skipping persisted path")
			continue
		}
		loaded = append(loaded, &pathState{snodes: nodes, builtAt: time.Now()})
	}

	p.mutex.Lock()
	p.paths = loaded
	p.mutex.Unlock()

	log.WithFields(logger.Fields{
		"at":    "(Pool) Load",
		"paths": len(loaded),
	}).Debug("loaded onion paths from store")
	return nil
}

func (p *Pool) valid(nodes []snode.Snode) bool {
	return len(nodes) == p.config.PathLength && len(snode.Unique(nodes)) == len(nodes)
}

// Paths returns copies of the current paths.
func (p *Pool) Paths() [][]snode.Snode {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	out := make([][]snode.Snode, len(p.paths))
	for i, ps := range p.paths {
		out[i] = append([]snode.Snode(nil), ps.snodes...)
	}
	return out
}

func (p *Pool) candidates(exclude *snode.Snode) ([][]snode.Snode, int) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	var out [][]snode.Snode
	for _, ps := range p.paths {
		if exclude != nil && ps.contains(*exclude) {
			continue
		}
		out = append(out, append([]snode.Snode(nil), ps.snodes...))
	}
	return out, len(p.paths)
}

// Acquire returns a random path that does not contain exclude. With fewer
// than TargetPathCount paths a rebuild is started: in the background when a
// usable path exists, otherwise before returning.
func (p *Pool) Acquire(ctx context.Context, exclude *snode.Snode) ([]snode.Snode, error) {
	usable, total := p.candidates(exclude)
	if len(usable) > 0 {
		if total < p.config.TargetPathCount {
			p.rebuildInBackground()
		}
		return usable[rand.Intn(len(usable))], nil
	}

	log.WithFields(logger.Fields{
		"at":     "(Pool) Acquire",
		"paths":  total,
		"reason": "no usable path",
	}).Debug("building paths before request")

	var avoid []snode.Snode
	if exclude != nil {
		avoid = append(avoid, *exclude)
	}
	hasUsable := func() bool {
		usable, _ := p.candidates(exclude)
		return len(usable) > 0
	}
	if _, err := p.rebuild(ctx, p.config.TargetPathCount, avoid, hasUsable); err != nil {
		return nil, err
	}
	usable, _ = p.candidates(exclude)
	if len(usable) == 0 {
		return nil, oops.Wrapf(ErrPathBuild, "no path avoiding %v after rebuild", exclude)
	}
	return usable[rand.Intn(len(usable))], nil
}

// Existing returns a random current path without exclude. It never builds,
// so it is safe to call from code a rebuild depends on.
func (p *Pool) Existing(exclude *snode.Snode) ([]snode.Snode, bool) {
	usable, _ := p.candidates(exclude)
	if len(usable) == 0 {
		return nil, false
	}
	return usable[rand.Intn(len(usable))], true
}

func (p *Pool) rebuildInBackground() {
	p.maintWg.Add(1)
	go func() {
		defer p.maintWg.Done()
		if _, err := p.rebuild(p.ctx, p.config.TargetPathCount, nil, p.atTarget); err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Pool) rebuildInBackground",
				"reason": err.Error(),
			}).Warn("background path rebuild failed")
		}
	}()
}

// Rebuild replaces every path with count freshly built ones. Concurrent
// rebuilds of the same count share one build.
func (p *Pool) Rebuild(ctx context.Context, count int) ([][]snode.Snode, error) {
	return p.rebuild(ctx, count, nil, nil)
}

func (p *Pool) atTarget() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.paths) >= p.config.TargetPathCount
}

// rebuild runs a build shared with concurrent callers asking for the same
// thing. Builds run one at a time; a flight whose satisfied check holds once
// it gets its turn returns the current paths without building. The flight
// keeps running when the caller that started it gives up, and ends only with
// the pool.
func (p *Pool) rebuild(ctx context.Context, count int, avoid []snode.Snode, satisfied func() bool) ([][]snode.Snode, error) {
	ch := p.group.DoChan(flightKey(count, avoid, satisfied != nil), func() (any, error) {
		fctx, cancel := p.flightContext(ctx)
		defer cancel()

		if err := p.building.Acquire(fctx, 1); err != nil {
			return nil, oops.Wrapf(ErrPathBuild, "waiting for running build: %v", err)
		}
		defer p.building.Release(1)

		if satisfied != nil && satisfied() {
			return p.Paths(), nil
		}
		if err := p.limiter.Wait(fctx); err != nil {
			return nil, oops.Wrapf(ErrPathBuild, "rebuild rate limit: %v", err)
		}
		return p.build(fctx, count, avoid)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([][]snode.Snode), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flightContext carries ctx's values and is cancelled only by Stop.
func (p *Pool) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(p.ctx, cancel)
	return fctx, func() {
		stop()
		cancel()
	}
}

// flightKey separates top-ups from explicit rebuilds and requests for a
// different count or avoid list.
func flightKey(count int, avoid []snode.Snode, topUp bool) string {
	var b strings.Builder
	if topUp {
		b.WriteString("topup/")
	} else {
		b.WriteString("rebuild/")
	}
	b.WriteString(strconv.Itoa(count))
	for _, s := range avoid {
		b.WriteByte('/')
		b.WriteString(s.String())
	}
	return b.String()
}

func (p *Pool) build(ctx context.Context, count int, avoid []snode.Snode) ([][]snode.Snode, error) {
	if count <= 0 {
		return nil, oops.Wrapf(ErrPathBuild, "path count %d", count)
	}
	pool, err := p.source.Snodes(ctx)
	if err != nil {
		return nil, oops.Wrapf(ErrPathBuild, "snode pool unavailable: %v", err)
	}

	var healthy []snode.Snode
	for _, s := range snode.Unique(pool) {
		if snode.Contains(avoid, s) || p.tracker.IsLikelyStale(s) {
			continue
		}
		healthy = append(healthy, s)
	}
	relaysPerPath := p.config.PathLength - 1
	if len(healthy) < count+relaysPerPath {
		return nil, oops.Wrapf(ErrPathBuild, "need at least %d healthy snodes, have %d", count+relaysPerPath, len(healthy))
	}

	log.WithFields(logger.Fields{
		"at":        "(Pool) build",
		"count":     count,
		"pool_size": len(healthy),
	}).Info("building onion paths")

	guards, err := p.selectGuards(ctx, snode.Shuffle(healthy), count, relaysPerPath)
	if err != nil {
		return nil, err
	}

	relays := snode.Shuffle(snode.Without(healthy, guards...))
	if len(relays) < relaysPerPath {
		return nil, oops.Wrapf(ErrPathBuild, "only %d snodes left after choosing guards", len(relays))
	}

	built := make([]*pathState, count)
	next := 0
	for i, guard := range guards {
		nodes := []snode.Snode{guard}
		for len(nodes) < p.config.PathLength {
			// cycle through relays; paths stay disjoint until the pool runs out
			candidate := relays[next%len(relays)]
			next++
			if snode.Contains(nodes, candidate) {
				continue
			}
			nodes = append(nodes, candidate)
		}
		built[i] = &pathState{snodes: nodes, builtAt: time.Now()}
	}

	p.mutex.Lock()
	p.paths = built
	p.mutex.Unlock()
	p.persist(ctx)

	log.WithFields(logger.Fields{
		"at":    "(Pool) build",
		"paths": len(built),
	}).Info("built onion paths")
	return p.Paths(), nil
}

// selectGuards tests shuffled candidates in batches until count guards pass,
// leaving at least reserve snodes for the rest of the path.
func (p *Pool) selectGuards(ctx context.Context, candidates []snode.Snode, count, reserve int) ([]snode.Snode, error) {
	if p.tester == nil {
		return candidates[:count], nil
	}

	var (
		guards []snode.Snode
		mu     sync.Mutex
	)
	for len(guards) < count {
		need := count - len(guards)
		if len(candidates)-reserve < need {
			return nil, oops.Wrapf(ErrPathBuild, "ran out of guard candidates with %d of %d guards", len(guards), count)
		}
		batch := candidates[:need]
		candidates = candidates[need:]

		g, gctx := errgroup.WithContext(ctx)
		for _, s := range batch {
			g.Go(func() error {
				if err := p.tester.TestGuard(gctx, s); err != nil {
					p.tracker.RecordFailure(s, "guard test: "+err.Error())
					log.WithFields(logger.Fields{
						"at":     "(Pool) selectGuards",
						"snode":  s.String(),
						"reason": err.Error(),
					}).Debug("guard candidate rejected")
					return nil
				}
				mu.Lock()
				guards = append(guards, s)
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return guards, nil
}

// ReportFailure records that a request through path failed at hop. A guard
// failure discards the path and drops the guard from the snode pool. A
// downstream or unattributed failure degrades the path; the second one
// discards it. A downstream snode that keeps failing is swapped out.
func (p *Pool) ReportFailure(ctx context.Context, path []snode.Snode, hop int) {
	if hop >= 0 && hop < len(path) {
		p.tracker.RecordFailure(path[hop], "request failed at hop")
	}

	if hop == 0 && len(path) > 0 {
		log.WithFields(logger.Fields{
			"at":    "(Pool) ReportFailure",
			"guard": path[0].String(),
		}).Warn("guard failed, discarding path")
		p.DropPath(ctx, path)
		p.source.Drop(ctx, path[0])
		return
	}

	if hop > 0 && hop < len(path) && p.tracker.ConsecutiveFailures(path[hop]) >= p.config.SnodeFailureThreshold {
		p.DropSnode(ctx, path[hop])
		return
	}

	p.mutex.Lock()
	var degraded *pathState
	for _, ps := range p.paths {
		if ps.equal(path) {
			degraded = ps
			break
		}
	}
	if degraded == nil {
		p.mutex.Unlock()
		return
	}
	degraded.failures++
	failures := degraded.failures
	p.mutex.Unlock()

	log.WithFields(logger.Fields{
		"at":       "(Pool) ReportFailure",
		"guard":    path[0].String(),
		"hop":      hop,
		"failures": failures,
	}).Debug("path degraded")

	if failures >= p.config.DegradedThreshold {
		p.DropPath(ctx, path)
	}
}

// ReportSuccess clears the degradation of path.
func (p *Pool) ReportSuccess(path []snode.Snode, rtt time.Duration) {
	for _, s := range path {
		p.tracker.RecordSuccess(s, rtt)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, ps := range p.paths {
		if ps.equal(path) {
			ps.failures = 0
			return
		}
	}
}

// DropPath removes path from the pool.
func (p *Pool) DropPath(ctx context.Context, path []snode.Snode) {
	p.mutex.Lock()
	kept := p.paths[:0]
	removed := false
	for _, ps := range p.paths {
		if !removed && ps.equal(path) {
			removed = true
			continue
		}
		kept = append(kept, ps)
	}
	p.paths = kept
	p.mutex.Unlock()

	if !removed {
		return
	}
	log.WithFields(logger.Fields{
		"at":        "(Pool) DropPath",
		"remaining": len(kept),
	}).Info("dropped onion path")
	p.persist(ctx)
}

// DropSnode removes s from the snode pool and repairs every path holding it
// with an unused snode. A path that cannot be repaired is dropped.
func (p *Pool) DropSnode(ctx context.Context, s snode.Snode) {
	p.source.Drop(ctx, s)
	p.tracker.Reset(s)

	pool, err := p.source.Snodes(ctx)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Pool) DropSnode",
			"reason": err.Error(),
		}).Warn("snode pool unavailable for path repair")
	}

	p.mutex.Lock()
	var inUse []snode.Snode
	for _, ps := range p.paths {
		inUse = append(inUse, ps.snodes...)
	}
	spare := snode.Shuffle(snode.Without(pool, append(inUse, s)...))

	changed := false
	kept := p.paths[:0]
	for _, ps := range p.paths {
		i := indexOf(ps.snodes, s)
		if i < 0 {
			kept = append(kept, ps)
			continue
		}
		changed = true
		if len(spare) == 0 {
			log.WithFields(logger.Fields{
				"at":    "(Pool) DropSnode",
				"snode": s.String(),
			}).Warn("no spare snode, dropping path")
			continue
		}
		repaired := append([]snode.Snode(nil), ps.snodes...)
		repaired[i] = spare[0]
		spare = spare[1:]
		kept = append(kept, &pathState{snodes: repaired, builtAt: time.Now()})
	}
	p.paths = kept
	p.mutex.Unlock()

	if changed {
		log.WithFields(logger.Fields{
			"at":    "(Pool) DropSnode",
			"snode": s.String(),
			"paths": len(kept),
		}).Info("repaired onion paths")
		p.persist(ctx)
	}
}

func indexOf(list []snode.Snode, s snode.Snode) int {
	for i, n := range list {
		if n == s {
			return i
		}
	}
	return -1
}

// ClearAll forgets every path in memory and in the store.
func (p *Pool) ClearAll(ctx context.Context) error {
	p.mutex.Lock()
	p.paths = nil
	p.mutex.Unlock()
	if p.store == nil {
		return nil
	}
	return p.store.Clear(ctx, snode.PathKeyPrefix)
}

func (p *Pool) persist(ctx context.Context) {
	if p.store == nil {
		return
	}
	paths := p.Paths()
	sets := make([]snode.RouteSet, len(paths))
	for i, nodes := range paths {
		sets[i] = snode.NewRouteSet(snode.PathKey(i), nodes)
	}
	if err := p.store.SavePaths(ctx, sets); err != nil {
		log.WithFields(logger.Fields{
			"at":    "(Pool) persist",
			"paths": len(sets),
		}).WithError(err).Warn("failed to persist onion paths")
	}
}

// StartMaintenance keeps TargetPathCount paths built in the background.
func (p *Pool) StartMaintenance() {
	p.maintWg.Add(1)
	go p.maintenanceLoop()
	log.WithFields(logger.Fields{
		"at":       "(Pool) StartMaintenance",
		"target":   p.config.TargetPathCount,
		"interval": p.config.MaintenanceInterval.String(),
	}).Info("started path pool maintenance")
}

func (p *Pool) maintenanceLoop() {
	defer p.maintWg.Done()

	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			log.WithFields(logger.Fields{
				"at":     "(Pool) maintenanceLoop",
				"reason": "received shutdown signal",
			}).Debug("path maintenance loop stopped")
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

func (p *Pool) maintain() {
	if p.atTarget() {
		return
	}
	p.mutex.RLock()
	have := len(p.paths)
	p.mutex.RUnlock()
	if _, err := p.rebuild(p.ctx, p.config.TargetPathCount, nil, p.atTarget); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Pool) maintain",
			"have":   have,
			"reason": err.Error(),
		}).Warn("path pool below target, rebuild failed")
	}
}

// Stop ends maintenance and waits for background rebuilds.
func (p *Pool) Stop() {
	p.cancel()
	p.maintWg.Wait()
	log.WithFields(logger.Fields{
		"at": "(Pool) Stop",
	}).Debug("path pool stopped")
}
