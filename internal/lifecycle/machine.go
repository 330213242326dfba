// Package lifecycle tracks the client-observed state of a single task
// completion. Local states only drive affordances until a persisted status is
// known; after that the persisted status always wins.
package lifecycle

import (
	"errors"
	"fmt"

	"missionproof/internal/domain"
)

type State string

const (
	Idle          State = "idle"
	IntentDone    State = "intentDone"
	PendingVerify State = "pendingVerify"
	Verified      State = "verified"
	Flagged       State = "flagged"
)

type Event string

const (
	EventIntent      Event = "intent"
	EventBeginVerify Event = "begin_verify"
	EventResolve     Event = "resolve"
	EventFail        Event = "fail"
	EventRedo        Event = "redo"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

func invalid(from State, ev Event) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
}

// FromStatus maps a persisted completion status to the state it implies. An
// empty status means no record exists yet.
func FromStatus(status domain.CompletionStatus) State {
	switch status {
	case domain.StatusPending:
		return PendingVerify
	case domain.StatusVerified:
		return Verified
	case domain.StatusFlagged, domain.StatusRejected:
		return Flagged
	default:
		return Idle
	}
}

// Machine is not safe for concurrent use.
type Machine struct {
	Method domain.VerificationMethod
	state  State
	// prev is the state to fall back to when an in-flight verify fails.
	prev State
}

func New(method domain.VerificationMethod) *Machine {
	return &Machine{Method: method, state: Idle}
}

// Restore builds a machine already reconciled with a persisted status.
func Restore(method domain.VerificationMethod, status domain.CompletionStatus) *Machine {
	return &Machine{Method: method, state: FromStatus(status)}
}

func (m *Machine) State() State { return m.state }

// Terminal reports whether only a redo can move the machine.
func (m *Machine) Terminal() bool {
	return m.state == Verified || m.state == Flagged
}

// CanVerify reports whether the verify affordance is enabled. Direct tasks
// need the intent signal first; link tasks can be submitted straight away.
func (m *Machine) CanVerify() bool {
	switch m.state {
	case IntentDone:
		return true
	case Idle:
		return m.Method == domain.MethodLink
	}
	return false
}

func (m *Machine) Intent() error {
	if m.state != Idle {
		return invalid(m.state, EventIntent)
	}
	m.state = IntentDone
	return nil
}

func (m *Machine) BeginVerify() error {
	if !m.CanVerify() {
		return invalid(m.state, EventBeginVerify)
	}
	m.prev = m.state
	m.state = PendingVerify
	return nil
}

// Resolve reconciles with server truth. It never fails: the persisted status
// replaces whatever the machine remembered locally.
func (m *Machine) Resolve(status domain.CompletionStatus) State {
	next := FromStatus(status)
	if next == Idle && m.state != PendingVerify {
		// no record yet; keep the local intent signal
		return m.state
	}
	m.state = next
	m.prev = ""
	return m.state
}

// Fail rolls back an in-flight verify that never reached the server.
func (m *Machine) Fail() error {
	if m.state != PendingVerify || m.prev == "" {
		return invalid(m.state, EventFail)
	}
	m.state = m.prev
	m.prev = ""
	return nil
}

func (m *Machine) Redo() error {
	if m.state != Flagged {
		return invalid(m.state, EventRedo)
	}
	m.state = Idle
	return nil
}
