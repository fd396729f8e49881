package subject

import (
	"fmt"
	"sync"

	"github.com/Root-Branch/cardamon/pkg/cardamon/config"
)

// State is the lifecycle state of a tracked subject. Transitions are
// monotonic: Starting -> Running -> Stopping -> Stopped. Failed is reachable
// from Starting or Running only.
type State int

const (
	Starting State = iota
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Subject is the runtime instance of a process definition: a baremetal
// process identified by PID or a docker process identified by its resolved
// container IDs. The supervisor is the single writer of subject state; the
// sampler only reads it to decide what to poll.
type Subject struct {
	name string
	kind config.ProcessKind
	// External subjects were attached to rather than started by cardamon
	// and must not be stopped on teardown.
	external bool

	mu           sync.RWMutex
	state        State
	pid          int
	containerIDs []string
}

// NewBaremetal creates a subject in Starting state for a spawned process.
func NewBaremetal(name string) *Subject {
	return &Subject{name: name, kind: config.KindBaremetal, state: Starting}
}

// NewDocker creates a subject in Starting state for a docker process.
func NewDocker(name string) *Subject {
	return &Subject{name: name, kind: config.KindDocker, state: Starting}
}

// AttachPID constructs a Running subject from an externally supplied PID.
// No start command is ever invoked for attached subjects.
func AttachPID(name string, pid int) *Subject {
	return &Subject{
		name:     name,
		kind:     config.KindBaremetal,
		external: true,
		state:    Running,
		pid:      pid,
	}
}

// AttachContainers constructs a Running subject from externally supplied
// container IDs.
func AttachContainers(name string, containerIDs []string) *Subject {
	return &Subject{
		name:         name,
		kind:         config.KindDocker,
		external:     true,
		state:        Running,
		containerIDs: append([]string(nil), containerIDs...),
	}
}

func (s *Subject) Name() string             { return s.name }
func (s *Subject) Kind() config.ProcessKind { return s.kind }
func (s *Subject) External() bool           { return s.external }

func (s *Subject) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Subject) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pid
}

func (s *Subject) ContainerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.containerIDs...)
}

// ID returns the subject identifier recorded against metric samples: the
// PID for baremetal subjects, the first container ID for docker subjects.
func (s *Subject) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kind == config.KindBaremetal {
		return fmt.Sprintf("%d", s.pid)
	}
	if len(s.containerIDs) > 0 {
		return s.containerIDs[0]
	}
	return ""
}

// SetPID records the assigned PID. Called by the supervisor once the start
// command has spawned.
func (s *Subject) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

// SetContainerIDs records the resolved container identifiers.
func (s *Subject) SetContainerIDs(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containerIDs = append([]string(nil), ids...)
}

// Transition moves the subject to the given state, rejecting any move that
// violates the monotonic lifecycle.
func (s *Subject) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validTransition(s.state, to) {
		return fmt.Errorf("subject %s: invalid transition %s -> %s", s.name, s.state, to)
	}
	s.state = to
	return nil
}

func validTransition(from, to State) bool {
	switch from {
	case Starting:
		return to == Running || to == Failed
	case Running:
		return to == Stopping || to == Failed
	case Stopping:
		return to == Stopped
	default:
		return false
	}
}
