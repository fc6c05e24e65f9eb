package onion

import (
	"context"
	"runtime"

	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"
)

// Workers bounds the number of goroutines doing onion crypto at once.
type Workers struct {
	sem    *semaphore.Weighted
	size   int
	nested bool
}

// NewWorkers creates a pool of size slots; size <= 0 means GOMAXPROCS.
func NewWorkers(size int, nestedResponses bool) *Workers {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Workers{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		nested: nestedResponses,
	}
}

// Size is the number of concurrent crypto slots.
func (w *Workers) Size() int {
	return w.size
}

type buildResult struct {
	env *Envelope
	err error
}

// Build runs BuildOnion on a worker. If ctx ends first the envelope built in
// the background is destroyed when it completes.
func (w *Workers) Build(ctx context.Context, payload []byte, path []snode.Snode, dest Destination, version Version) (*Envelope, error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, oops.Wrapf(err, "waiting for crypto worker")
	}

	var opts []BuildOption
	if w.nested {
		opts = append(opts, WithNestedResponses())
	}

	done := make(chan buildResult, 1)
	go func() {
		defer w.sem.Release(1)
		env, err := BuildOnion(payload, path, dest, version, opts...)
		done <- buildResult{env: env, err: err}
	}()

	select {
	case r := <-done:
		return r.env, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.env != nil {
				r.env.Destroy()
			}
		}()
		log.WithFields(logger.Fields{
			"at":          "(Workers) Build",
			"destination": dest.String(),
			"reason":      "context done during build",
		}).Debug("abandoning onion build")
		return nil, ctx.Err()
	}
}

type peelResult struct {
	resp Response
	err  error
}

// Peel runs env.PeelResponse on a worker.
func (w *Workers) Peel(ctx context.Context, env *Envelope, body []byte) (Response, error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return Response{}, oops.Wrapf(err, "waiting for crypto worker")
	}

	done := make(chan peelResult, 1)
	go func() {
		defer w.sem.Release(1)
		resp, err := env.PeelResponse(body)
		done <- peelResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
