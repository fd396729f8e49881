package subject

import (
	"testing"

	"github.com/Root-Branch/cardamon/pkg/cardamon/config"
)

func TestLifecycleTransitions(t *testing.T) {
	s := NewBaremetal("web")
	if s.State() != Starting {
		t.Fatalf("new subject state = %v, want starting", s.State())
	}

	for _, to := range []State{Running, Stopping, Stopped} {
		if err := s.Transition(to); err != nil {
			t.Fatalf("transition to %v: %v", to, err)
		}
	}
	if s.State() != Stopped {
		t.Errorf("final state = %v, want stopped", s.State())
	}

	// Stopped is terminal.
	if err := s.Transition(Running); err == nil {
		t.Error("expected error transitioning out of stopped")
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"starting to stopping", Starting, Stopping},
		{"starting to stopped", Starting, Stopped},
		{"running to stopped", Running, Stopped},
		{"stopping to failed", Stopping, Failed},
		{"failed to running", Failed, Running},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if validTransition(tc.from, tc.to) {
				t.Errorf("%v -> %v should be invalid", tc.from, tc.to)
			}
		})
	}
}

func TestFailedReachableFromStartingAndRunning(t *testing.T) {
	s := NewDocker("db")
	if err := s.Transition(Failed); err != nil {
		t.Errorf("starting -> failed: %v", err)
	}

	s = NewDocker("db")
	s.Transition(Running)
	if err := s.Transition(Failed); err != nil {
		t.Errorf("running -> failed: %v", err)
	}
}

func TestSubjectID(t *testing.T) {
	bare := NewBaremetal("web")
	bare.SetPID(1234)
	if got := bare.ID(); got != "1234" {
		t.Errorf("baremetal ID = %q, want 1234", got)
	}

	dock := NewDocker("db")
	dock.SetContainerIDs([]string{"abc123", "def456"})
	if got := dock.ID(); got != "abc123" {
		t.Errorf("docker ID = %q, want first container id", got)
	}

	empty := NewDocker("db")
	if got := empty.ID(); got != "" {
		t.Errorf("unresolved docker ID = %q, want empty", got)
	}
}

func TestAttachedSubjects(t *testing.T) {
	p := AttachPID("pid-42", 42)
	if p.State() != Running {
		t.Errorf("attached pid state = %v, want running", p.State())
	}
	if !p.External() {
		t.Error("attached pid should be external")
	}
	if p.Kind() != config.KindBaremetal {
		t.Errorf("attached pid kind = %v, want baremetal", p.Kind())
	}
	if p.PID() != 42 {
		t.Errorf("PID = %d, want 42", p.PID())
	}

	c := AttachContainers("redis", []string{"aaa"})
	if c.State() != Running || !c.External() || c.Kind() != config.KindDocker {
		t.Errorf("attached container subject misconfigured: %v %v %v", c.State(), c.External(), c.Kind())
	}
}

func TestContainerIDsCopied(t *testing.T) {
	ids := []string{"one", "two"}
	s := AttachContainers("db", ids)
	ids[0] = "mutated"

	if got := s.ContainerIDs(); got[0] != "one" {
		t.Errorf("container ids share backing array with caller: %v", got)
	}
}
