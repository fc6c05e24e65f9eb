package request

import (
	"fmt"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// State is the lifecycle stage of one onion request.
type State int

const (
	Building State = iota
	Sending
	RetryScheduled
	Succeeded
	FailedTerminal
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Sending:
		return "sending"
	case RetryScheduled:
		return "retry_scheduled"
	case Succeeded:
		return "succeeded"
	case FailedTerminal:
		return "failed_terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == FailedTerminal
}

var transitions = map[State][]State{
	Building:       {Sending, FailedTerminal},
	Sending:        {Succeeded, RetryScheduled, FailedTerminal},
	RetryScheduled: {Sending, FailedTerminal},
}

// Observer is told about every state change.
type Observer func(id uuid.UUID, from, to State)

// tracker enforces the request state machine.
type tracker struct {
	mu       sync.Mutex
	id       uuid.UUID
	state    State
	attempts int
	observer Observer
}

func newTracker(observer Observer) *tracker {
	return &tracker{id: uuid.New(), state: Building, observer: observer}
}

func (t *tracker) transition(to State) error {
	t.mu.Lock()
	from := t.state
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		t.mu.Unlock()
		return oops.Errorf("request %s: invalid transition %s -> %s", t.id, from, to)
	}
	t.state = to
	if to == Sending {
		t.attempts++
	}
	attempts := t.attempts
	observer := t.observer
	t.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":       "(tracker) transition",
		"request":  t.id.String(),
		"from":     from.String(),
		"to":       to.String(),
		"attempts": attempts,
	}).Debug("request state changed")

	if observer != nil {
		observer(t.id, from, to)
	}
	return nil
}

func (t *tracker) current() (State, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.attempts
}
