package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/Root-Branch/cardamon/pkg/cardamon/config"
	"github.com/Root-Branch/cardamon/pkg/cardamon/subject"
)

// StartError is fatal to the run: without a running subject no metrics can
// be meaningfully attributed.
type StartError struct {
	Process string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start process %q: %v", e.Process, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StopError is recoverable: it is logged and the subject is forced to
// Stopped so cleanup never hangs the tool on operator-error configurations.
type StopError struct {
	Process string
	Err     error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("failed to stop process %q: %v", e.Process, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// Supervisor starts and stops subjects per their process definitions. It is
// the single writer of subject state.
type Supervisor struct {
	docker       ContainerAPI
	startTimeout time.Duration
	stopTimeout  time.Duration
	resolvePoll  time.Duration
}

// New creates a supervisor. The docker client may be nil when no docker
// processes are configured.
func New(docker ContainerAPI, startTimeout, stopTimeout time.Duration) *Supervisor {
	if startTimeout <= 0 {
		startTimeout = config.DefaultStartTimeout
	}
	if stopTimeout <= 0 {
		stopTimeout = config.DefaultStopTimeout
	}
	return &Supervisor{
		docker:       docker,
		startTimeout: startTimeout,
		stopTimeout:  stopTimeout,
		resolvePoll:  500 * time.Millisecond,
	}
}

// Start spawns the process described by def and returns its subject in
// Running state. For docker processes the configured container names are
// resolved to live container IDs within a bounded retry window; the start
// command may be asynchronous (detached container startup) so absence of a
// container is retried until the window expires.
func (s *Supervisor) Start(ctx context.Context, def *config.Process) (*subject.Subject, error) {
	switch def.Kind {
	case config.KindBaremetal:
		return s.startBaremetal(def)
	case config.KindDocker:
		return s.startDocker(ctx, def)
	}
	return nil, &StartError{Process: def.Name, Err: fmt.Errorf("unknown process kind %q", def.Kind)}
}

func (s *Supervisor) startBaremetal(def *config.Process) (*subject.Subject, error) {
	subj := subject.NewBaremetal(def.Name)

	pid, err := s.spawnDetached(def.Up, def.Name, def.Redirect)
	if err != nil {
		subj.Transition(subject.Failed)
		return nil, &StartError{Process: def.Name, Err: err}
	}
	subj.SetPID(pid)
	if err := subj.Transition(subject.Running); err != nil {
		return nil, &StartError{Process: def.Name, Err: err}
	}

	klog.V(2).InfoS("Started baremetal process", "process", def.Name, "pid", pid)
	return subj, nil
}

func (s *Supervisor) startDocker(ctx context.Context, def *config.Process) (*subject.Subject, error) {
	if s.docker == nil {
		return nil, &StartError{Process: def.Name, Err: fmt.Errorf("no docker client configured")}
	}

	subj := subject.NewDocker(def.Name)

	if _, err := s.spawnDetached(def.Up, def.Name, def.Redirect); err != nil {
		subj.Transition(subject.Failed)
		return nil, &StartError{Process: def.Name, Err: err}
	}

	resolveCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	ids, err := s.resolveContainers(resolveCtx, def.Containers)
	if err != nil {
		subj.Transition(subject.Failed)
		return nil, &StartError{Process: def.Name, Err: err}
	}
	subj.SetContainerIDs(ids)
	if err := subj.Transition(subject.Running); err != nil {
		return nil, &StartError{Process: def.Name, Err: err}
	}

	klog.V(2).InfoS("Started docker process",
		"process", def.Name,
		"containers", def.Containers,
		"ids", ids)
	return subj, nil
}

// resolveContainers polls the container runtime until every named container
// is live or the context expires.
func (s *Supervisor) resolveContainers(ctx context.Context, names []string) ([]string, error) {
	for {
		ids, missing, err := s.lookupContainers(ctx, names)
		if err == nil && len(missing) == 0 {
			return ids, nil
		}
		if err != nil {
			klog.V(3).InfoS("Container listing failed, retrying", "error", err)
		}

		select {
		case <-ctx.Done():
			if len(missing) > 0 {
				return nil, fmt.Errorf("containers not found within start timeout: %s", strings.Join(missing, ", "))
			}
			return nil, fmt.Errorf("container resolution timed out: %w", ctx.Err())
		case <-time.After(s.resolvePoll):
		}
	}
}

func (s *Supervisor) lookupContainers(ctx context.Context, names []string) (ids []string, missing []string, err error) {
	running, err := s.docker.RunningContainers(ctx)
	if err != nil {
		return nil, names, err
	}

	byName := make(map[string]string, len(running))
	for _, c := range running {
		byName[c.Name] = c.ID
	}

	for _, name := range names {
		if id, ok := byName[name]; ok {
			ids = append(ids, id)
		} else {
			missing = append(missing, name)
		}
	}
	return ids, missing, nil
}

// AttachPIDs constructs subjects directly from caller-supplied PIDs.
// Used in external-only mode: no start command is invoked.
func (s *Supervisor) AttachPIDs(pids []int) []*subject.Subject {
	subjects := make([]*subject.Subject, 0, len(pids))
	for _, pid := range pids {
		subjects = append(subjects, subject.AttachPID(fmt.Sprintf("pid-%d", pid), pid))
	}
	return subjects
}

// AttachContainers resolves caller-supplied container names to IDs and
// constructs subjects for them. The containers must already be running.
func (s *Supervisor) AttachContainers(ctx context.Context, names []string) ([]*subject.Subject, error) {
	if s.docker == nil {
		return nil, fmt.Errorf("no docker client configured")
	}

	subjects := make([]*subject.Subject, 0, len(names))
	for _, name := range names {
		ids, missing, err := s.lookupContainers(ctx, []string{name})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve container %q: %w", name, err)
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("container %q is not running", name)
		}
		subjects = append(subjects, subject.AttachContainers(name, ids))
	}
	return subjects, nil
}

// Stop tears the subject down. Failure is logged and returned but the
// subject is marked Stopped regardless; callers treat the error as
// recoverable. Stopping an already-stopped subject is a no-op.
func (s *Supervisor) Stop(ctx context.Context, def *config.Process, subj *subject.Subject) error {
	switch subj.State() {
	case subject.Stopped, subject.Failed:
		return nil
	case subject.Running:
		subj.Transition(subject.Stopping)
	case subject.Stopping:
		// Another teardown path got here first.
	default:
		return nil
	}
	defer subj.Transition(subject.Stopped)

	stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()

	var err error
	switch subj.Kind() {
	case config.KindBaremetal:
		err = s.stopBaremetal(stopCtx, def, subj)
	case config.KindDocker:
		err = s.stopDocker(stopCtx, def, subj)
	}

	if err != nil {
		stopErr := &StopError{Process: subj.Name(), Err: err}
		klog.ErrorS(stopErr, "Failed to stop subject, marking stopped anyway", "process", subj.Name())
		return stopErr
	}

	klog.V(2).InfoS("Stopped subject", "process", subj.Name())
	return nil
}

func (s *Supervisor) stopBaremetal(ctx context.Context, def *config.Process, subj *subject.Subject) error {
	pid := subj.PID()

	if def != nil && def.Down != "" {
		down := strings.ReplaceAll(def.Down, "{pid}", fmt.Sprintf("%d", pid))
		return s.runToCompletion(ctx, down)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}

func (s *Supervisor) stopDocker(ctx context.Context, def *config.Process, subj *subject.Subject) error {
	if def != nil && def.Down != "" {
		return s.runToCompletion(ctx, def.Down)
	}

	if s.docker == nil {
		return fmt.Errorf("no docker client configured")
	}
	for _, id := range subj.ContainerIDs() {
		if err := s.docker.StopContainer(ctx, id); err != nil {
			return fmt.Errorf("failed to stop container %s: %w", id, err)
		}
	}
	return nil
}

// spawnDetached runs the command in its own process group so it outlives
// any signal delivered to cardamon itself, and returns its PID.
func (s *Supervisor) spawnDetached(command, name string, redirect config.Redirect) (int, error) {
	words, err := SplitWords(command)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(words[0], words[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr, closeStreams, err := redirectStreams(name, redirect)
	if err != nil {
		return 0, err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Start()
	// The child holds its own copies of any redirect files; the parent's
	// handles are done either way.
	closeStreams()
	if err != nil {
		return 0, fmt.Errorf("failed to spawn %q: %w", command, err)
	}

	// Reap the child when it exits so long-lived runs don't accumulate
	// zombies.
	go cmd.Wait()

	return cmd.Process.Pid, nil
}

func (s *Supervisor) runToCompletion(ctx context.Context, command string) error {
	words, err := SplitWords(command)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q failed: %w (output: %s)", command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// redirectStreams maps the configured redirect mode to child output writers.
// File mode appends to per-process files named after the process; the
// returned close function releases the parent's handles once the child has
// its own copies.
func redirectStreams(name string, redirect config.Redirect) (stdout, stderr io.Writer, closeStreams func(), err error) {
	noop := func() {}
	switch redirect {
	case config.RedirectInherit:
		return os.Stdout, os.Stderr, noop, nil
	case config.RedirectFile:
		outFile, err := os.OpenFile(name+".stdout", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, nil, err
		}
		errFile, err := os.OpenFile(name+".stderr", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			outFile.Close()
			return nil, nil, nil, err
		}
		return outFile, errFile, func() {
			outFile.Close()
			errFile.Close()
		}, nil
	default:
		return nil, nil, noop, nil // exec treats nil as /dev/null
	}
}
