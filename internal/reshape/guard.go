// Package reshape enforces the two-phase grounded-then-reshape
// execution discipline as a state machine instead of a policy flag.
//
// A run first grounds itself: tools may be called, and the raw
// upstream evidence is captured and hashed separately from the
// output. It then reshapes the grounded material into its final
// output. Tool use during the reshape phase is forbidden; the guard
// fails closed the moment one is recorded, and a failed guard never
// yields facts. Facts are only obtainable from a committed guard, so
// there is no code path that records a run while skipping the
// discipline.
package reshape

import (
	"errors"
	"fmt"
	"sync"

	"github.com/af-corp/sigil/internal/identity"
)

// State is the guard's position in the grounded-then-reshape flow.
type State int

const (
	StateIdle State = iota
	StateGrounding
	StateGrounded
	StateReshaping
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGrounding:
		return "grounding"
	case StateGrounded:
		return "grounded"
	case StateReshaping:
		return "reshaping"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrToolCallDuringReshape reports the forbidden transition. The
// guard is already failed by the time a caller sees this; the call
// that triggered it is never executed on the guard's behalf.
var ErrToolCallDuringReshape = errors.New("reshape: tool call during reshape phase")

// ErrNotCommitted is returned by Facts on any guard that has not
// committed.
var ErrNotCommitted = errors.New("reshape: facts unavailable before commit")

// Facts is what a committed guard contributes to the run record.
type Facts struct {
	EvidenceHash identity.ContentHash
	OutputKind   identity.OutputKind
	OutputHash   identity.ContentHash
	ToolCalls    int
}

// Guard tracks one run through the two-phase flow. Safe for
// concurrent use; tool-call callbacks often arrive from other
// goroutines.
type Guard struct {
	mu        sync.Mutex
	state     State
	toolCalls int
	evidence  identity.ContentHash
	kind      identity.OutputKind
	output    identity.ContentHash
	cause     error
}

// NewGuard returns a guard in the idle state.
func NewGuard() *Guard {
	return &Guard{state: StateIdle}
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// BeginGrounding starts the evidence-gathering phase.
func (g *Guard) BeginGrounding() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateIdle {
		return g.invalid("begin grounding")
	}
	g.state = StateGrounding
	return nil
}

// RecordToolCall notes a tool invocation. Legal while grounding;
// during reshape it fails the guard and returns
// ErrToolCallDuringReshape.
func (g *Guard) RecordToolCall(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateGrounding:
		g.toolCalls++
		return nil
	case StateReshaping:
		g.state = StateFailed
		g.cause = fmt.Errorf("%w: %q", ErrToolCallDuringReshape, name)
		return g.cause
	default:
		return g.invalid("record tool call")
	}
}

// CompleteGrounding captures the raw upstream evidence and moves to
// the grounded state. Evidence is hashed byte-exact; it is proof of
// what came back, not output.
func (g *Guard) CompleteGrounding(evidence []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateGrounding {
		return g.invalid("complete grounding")
	}
	g.evidence = identity.EvidenceHash(evidence)
	g.state = StateGrounded
	return nil
}

// BeginReshape enters the phase in which tool use is forbidden.
func (g *Guard) BeginReshape() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateGrounded {
		return g.invalid("begin reshape")
	}
	g.state = StateReshaping
	return nil
}

// Commit records the final output and seals the guard. A run that
// needs no reshape phase may commit directly from grounded.
func (g *Guard) Commit(kind identity.OutputKind, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateGrounded && g.state != StateReshaping {
		return g.invalid("commit")
	}
	hash, err := identity.HashOutput(kind, payload)
	if err != nil {
		g.state = StateFailed
		g.cause = err
		return err
	}
	g.kind = kind
	g.output = hash
	g.state = StateCommitted
	return nil
}

// Fail moves the guard to the terminal failed state with a cause.
// Failing an already terminal guard is a no-op.
func (g *Guard) Fail(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateCommitted || g.state == StateFailed {
		return
	}
	g.state = StateFailed
	g.cause = cause
}

// Facts returns the committed evidence and output hashes. It is the
// only way to obtain them, and it only answers from the committed
// state.
func (g *Guard) Facts() (Facts, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateCommitted {
		if g.cause != nil {
			return Facts{}, fmt.Errorf("%w (state %s): %w", ErrNotCommitted, g.state, g.cause)
		}
		return Facts{}, fmt.Errorf("%w (state %s)", ErrNotCommitted, g.state)
	}
	return Facts{
		EvidenceHash: g.evidence,
		OutputKind:   g.kind,
		OutputHash:   g.output,
		ToolCalls:    g.toolCalls,
	}, nil
}

func (g *Guard) invalid(op string) error {
	return fmt.Errorf("reshape: cannot %s in state %s", op, g.state)
}
