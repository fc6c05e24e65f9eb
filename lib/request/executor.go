package request

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-i2p/go-onionreq/lib/metrics"
	"github.com/go-i2p/go-onionreq/lib/onion"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTransport marks failures to get a reply through the path.
	ErrTransport = errors.New("onion request transport failure")
	// ErrRejected marks a 4xx answer from the guard.
	ErrRejected = errors.New("onion request rejected by guard")
)

const (
	// DefaultMaxRetryCount is how many attempts a request gets.
	DefaultMaxRetryCount = 4

	// UnknownHop means a failure could not be attributed to a hop.
	UnknownHop = -1

	nextNodeNotFound = "Next node not found: "
	tracerName       = "github.com/go-i2p/go-onionreq/lib/request"
)

// TransportError is the terminal error after every attempt failed at the
// transport level.
type TransportError struct {
	StatusCode int
	Body       string
	// Hop is the index in the path of the snode blamed for the failure.
	Hop int
	// NextNode is the ed25519 key from a "Next node not found" reply.
	NextNode string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("onion request failed after %d attempt(s)", e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": guard status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// StatusError is a 4xx answer from the guard.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("guard answered %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

// FailureReporter receives path health updates. *path.Pool implements it.
type FailureReporter interface {
	ReportFailure(ctx context.Context, path []snode.Snode, hop int)
	ReportSuccess(path []snode.Snode, rtt time.Duration)
	DropPath(ctx context.Context, path []snode.Snode)
}

// Config tunes the executor.
type Config struct {
	MaxRetryCount int
	// NewBackOff creates the delay policy for one request.
	NewBackOff func() backoff.BackOff
}

// DefaultConfig retries 4 times with exponential backoff.
func DefaultConfig() Config {
	return Config{
		MaxRetryCount: DefaultMaxRetryCount,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// Executor sends onion envelopes through a path's guard.
type Executor struct {
	transport *Transport
	workers   *onion.Workers
	reporter  FailureReporter
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	config    Config
	observer  Observer
}

// NewExecutor wires an executor. reporter and m may be nil.
func NewExecutor(transport *Transport, workers *onion.Workers, reporter FailureReporter, m *metrics.Metrics, config Config) *Executor {
	if config.MaxRetryCount <= 0 {
		config.MaxRetryCount = DefaultMaxRetryCount
	}
	if config.NewBackOff == nil {
		config.NewBackOff = DefaultConfig().NewBackOff
	}
	return &Executor{
		transport: transport,
		workers:   workers,
		reporter:  reporter,
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
		config:    config,
	}
}

// SetObserver installs a state change callback. Must be called before use.
func (e *Executor) SetObserver(o Observer) {
	e.observer = o
}

// Send builds the onion for payload on the crypto workers and executes it.
func (e *Executor) Send(ctx context.Context, path []snode.Snode, payload []byte, dest onion.Destination, version onion.Version) (onion.Response, error) {
	tr := newTracker(e.observer)
	env, err := e.workers.Build(ctx, payload, path, dest, version)
	if err != nil {
		tr.transition(FailedTerminal)
		return onion.Response{}, oops.Wrapf(err, "building onion for %s", dest)
	}
	return e.run(ctx, tr, http.MethodPost, path, env)
}

// Execute sends env to the guard of path, retrying transport failures. It
// owns env and destroys it before returning.
func (e *Executor) Execute(ctx context.Context, verb string, path []snode.Snode, env *onion.Envelope) (onion.Response, error) {
	return e.run(ctx, newTracker(e.observer), verb, path, env)
}

func (e *Executor) run(ctx context.Context, tr *tracker, verb string, path []snode.Snode, env *onion.Envelope) (resp onion.Response, err error) {
	defer env.Destroy()

	if len(path) == 0 {
		tr.transition(FailedTerminal)
		return onion.Response{}, oops.Wrapf(ErrTransport, "empty path")
	}
	guard := path[0]
	url := guard.URL() + OnionRequestPath

	ctx, span := e.tracer.Start(ctx, "onionreq.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("onionreq.request_id", tr.id.String()),
			attribute.String("onionreq.guard", guard.String()),
			attribute.String("onionreq.destination", env.Destination.String()),
			attribute.String("onionreq.version", string(env.Version)),
		))
	started := time.Now()
	defer func() {
		_, attempts := tr.current()
		span.SetAttributes(attribute.Int("onionreq.attempts", attempts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.Request(outcomeOf(err), time.Since(started))
	}()

	b := e.config.NewBackOff()
	b.Reset()

	for {
		if terr := tr.transition(Sending); terr != nil {
			return onion.Response{}, terr
		}
		e.metrics.Attempt()
		attemptStarted := time.Now()

		resp, retryable, failure := e.attempt(ctx, verb, url, path, env)
		if failure == nil {
			tr.transition(Succeeded)
			if e.reporter != nil {
				e.reporter.ReportSuccess(path, time.Since(attemptStarted))
			}
			return resp, nil
		}

		_, attempts := tr.current()
		logFields := logger.Fields{
			"at":       "(Executor) run",
			"request":  tr.id.String(),
			"guard":    guard.String(),
			"attempt":  attempts,
			"max":      e.config.MaxRetryCount,
			"reason":   failure.Error(),
			"retrying": retryable && attempts < e.config.MaxRetryCount,
		}

		if !retryable || attempts >= e.config.MaxRetryCount {
			tr.transition(FailedTerminal)
			log.WithFields(logFields).Warn("onion request failed")
			return onion.Response{}, e.fail(ctx, path, failure, attempts)
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			tr.transition(FailedTerminal)
			return onion.Response{}, e.fail(ctx, path, failure, attempts)
		}
		logFields["delay"] = delay.String()
		log.WithFields(logFields).Debug("onion request attempt failed")
		tr.transition(RetryScheduled)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			tr.transition(FailedTerminal)
			return onion.Response{}, oops.Wrapf(ctx.Err(), "onion request cancelled")
		}
	}
}

// attempt performs one send. It returns the failure and whether it may be
// retried.
func (e *Executor) attempt(ctx context.Context, verb, url string, path []snode.Snode, env *onion.Envelope) (onion.Response, bool, error) {
	status, body, err := e.transport.Do(ctx, verb, url, env.Body)
	if err != nil {
		if ctx.Err() != nil {
			return onion.Response{}, false, ctx.Err()
		}
		hop := UnknownHop
		if errors.Is(err, syscall.ECONNREFUSED) {
			hop = 0
		}
		return onion.Response{}, true, &TransportError{Hop: hop, Err: err}
	}

	switch {
	case status >= 500:
		text := strings.TrimSpace(string(body))
		te := &TransportError{StatusCode: status, Body: text, Hop: UnknownHop}
		if ed, ok := strings.CutPrefix(text, nextNodeNotFound); ok {
			te.NextNode = strings.TrimSpace(ed)
			te.Hop = hopOf(path, te.NextNode)
		}
		return onion.Response{}, true, te
	case status != http.StatusOK:
		// not reported against the path
		return onion.Response{}, false, &StatusError{StatusCode: status, Body: strings.TrimSpace(string(body))}
	}

	resp, err := e.workers.Peel(ctx, env, body)
	if err != nil {
		return onion.Response{}, false, err
	}
	return resp, false, nil
}

func (e *Executor) fail(ctx context.Context, path []snode.Snode, failure error, attempts int) error {
	var te *TransportError
	switch {
	case errors.As(failure, &te):
		te.Attempts = attempts
		if e.reporter != nil {
			e.reporter.ReportFailure(ctx, path, te.Hop)
		}
		return te
	case errors.Is(failure, onion.ErrAuthenticationFailed):
		log.WithFields(logger.Fields{
			"at":    "(Executor) fail",
			"guard": path[0].String(),
		}).Warn("reply failed authentication, dropping path")
		if e.reporter != nil {
			e.reporter.DropPath(ctx, path)
		}
		return failure
	default:
		return failure
	}
}

func hopOf(path []snode.Snode, ed25519 string) int {
	for i, s := range path {
		if s.Ed25519Hex() == ed25519 {
			return i
		}
	}
	return UnknownHop
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrTransport):
		return metrics.OutcomeTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	case errors.Is(err, onion.ErrAuthenticationFailed):
		return metrics.OutcomeAuth
	case errors.Is(err, ErrRejected):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeTransport
	}
}
