package lifecycle_test

import (
	"errors"
	"testing"

	"missionproof/internal/domain"
	"missionproof/internal/lifecycle"
)

func TestDirectFlow(t *testing.T) {
	m := lifecycle.New(domain.MethodDirect)
	if m.CanVerify() {
		t.Fatalf("direct task should not be verifiable before intent")
	}
	if err := m.BeginVerify(); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := m.Intent(); err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := m.BeginVerify(); err != nil {
		t.Fatalf("begin verify: %v", err)
	}
	if got := m.Resolve(domain.StatusVerified); got != lifecycle.Verified {
		t.Fatalf("expected verified, got %s", got)
	}
	if !m.Terminal() {
		t.Fatalf("verified should be terminal")
	}
	if err := m.Redo(); err == nil {
		t.Fatalf("redo from verified should fail")
	}
}

func TestLinkFlowWithRedo(t *testing.T) {
	m := lifecycle.New(domain.MethodLink)
	if !m.CanVerify() {
		t.Fatalf("link task should be verifiable from idle")
	}
	if err := m.BeginVerify(); err != nil {
		t.Fatalf("begin verify: %v", err)
	}
	if got := m.Resolve(domain.StatusPending); got != lifecycle.PendingVerify {
		t.Fatalf("expected pendingVerify, got %s", got)
	}
	if got := m.Resolve(domain.StatusFlagged); got != lifecycle.Flagged {
		t.Fatalf("expected flagged, got %s", got)
	}
	if err := m.Redo(); err != nil {
		t.Fatalf("redo: %v", err)
	}
	if m.State() != lifecycle.Idle {
		t.Fatalf("expected idle after redo, got %s", m.State())
	}
}

func TestFailRestoresPreviousState(t *testing.T) {
	m := lifecycle.New(domain.MethodDirect)
	_ = m.Intent()
	_ = m.BeginVerify()
	if err := m.Fail(); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if m.State() != lifecycle.IntentDone {
		t.Fatalf("expected intentDone, got %s", m.State())
	}
	if err := m.Fail(); err == nil {
		t.Fatalf("fail outside pendingVerify should error")
	}
}

func TestPersistedStatusWins(t *testing.T) {
	m := lifecycle.New(domain.MethodDirect)
	_ = m.Intent()
	// a record verified elsewhere overrides the local intent state
	if got := m.Resolve(domain.StatusVerified); got != lifecycle.Verified {
		t.Fatalf("expected verified, got %s", got)
	}
	m = lifecycle.New(domain.MethodDirect)
	_ = m.Intent()
	if got := m.Resolve(""); got != lifecycle.IntentDone {
		t.Fatalf("missing record should keep intent, got %s", got)
	}
	r := lifecycle.Restore(domain.MethodLink, domain.StatusRejected)
	if r.State() != lifecycle.Flagged {
		t.Fatalf("rejected should map to flagged, got %s", r.State())
	}
}
