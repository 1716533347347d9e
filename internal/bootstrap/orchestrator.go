package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/preview/internal/logging"
	"github.com/cochaviz/preview/internal/sandbox"
)

var (
	// InstallCommand installs the project dependencies.
	InstallCommand = sandbox.Command{Name: "npm", Args: []string{"install"}}
	// StartCommand launches the development server.
	StartCommand = sandbox.Command{Name: "npm", Args: []string{"run", "dev"}, DetectReadiness: true}
)

const (
	installTailLines    = 20
	outputDrainTimeout  = 2 * time.Second
	subscriberQueueSize = 8
)

// Config configures an Orchestrator. Zero values keep the source behaviour:
// no timeouts and any installer exit status lets the cycle continue.
type Config struct {
	Logger   *slog.Logger
	Sink     DiagnosticSink
	Recorder Recorder

	// ReadyTimeout bounds the wait for the readiness signal; zero waits forever.
	ReadyTimeout time.Duration
	// InstallTimeout bounds the wait for the installer to exit; zero waits forever.
	InstallTimeout time.Duration
	// FailOnInstallError turns a non-zero installer exit into a failed cycle.
	FailOnInstallError bool
}

// Orchestrator drives a sandboxed runtime through dependency installation
// and dev server startup and tracks the resulting state. Only one cycle is
// active at a time; starting a new one supersedes the previous cycle.
type Orchestrator struct {
	logger   *slog.Logger
	sink     DiagnosticSink
	recorder Recorder

	readyTimeout       time.Duration
	installTimeout     time.Duration
	failOnInstallError bool

	mu          sync.Mutex
	generation  uint64
	active      *cycle
	state       State
	subscribers map[uint64]chan State
	nextSubID   uint64
}

type cycle struct {
	generation uint64
	id         string
	runtime    sandbox.Runtime
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	done  chan struct{}
	final State

	teardownOnce sync.Once
}

func New(cfg Config) *Orchestrator {
	sink := cfg.Sink
	if sink == nil {
		sink = discardSink{}
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout < 0 {
		readyTimeout = 0
	}
	installTimeout := cfg.InstallTimeout
	if installTimeout < 0 {
		installTimeout = 0
	}
	return &Orchestrator{
		logger:             logging.Ensure(cfg.Logger).With("component", "bootstrap"),
		sink:               sink,
		recorder:           recorder,
		readyTimeout:       readyTimeout,
		installTimeout:     installTimeout,
		failOnInstallError: cfg.FailOnInstallError,
		state:              State{Phase: PhaseLoading, Since: time.Now().UTC()},
		subscribers:        make(map[uint64]chan State),
	}
}

// Start begins a new bootstrap cycle against rt and returns its id. The
// cycle progresses in the background; observe it through State, Subscribe
// or Wait. A previous cycle is abandoned and, if it used a different
// runtime, that runtime is torn down.
func (o *Orchestrator) Start(ctx context.Context, rt sandbox.Runtime) string {
	c := &cycle{
		id:        uuid.NewString(),
		runtime:   rt,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	o.mu.Lock()
	previous := o.active
	o.generation++
	c.generation = o.generation
	o.active = c
	o.publishLocked(State{Phase: PhaseLoading, CycleID: c.id, Since: c.startedAt})
	o.mu.Unlock()

	logger := o.logger.With("cycle", c.id)

	if previous != nil {
		previous.cancel()
		if previous.runtime != rt {
			if err := previous.teardown(); err != nil {
				logger.Warn("teardown of superseded runtime failed", "previous_cycle", previous.id, "error", err)
			}
		}
		logger.Info("superseded previous cycle", "previous_cycle", previous.id)
	}

	o.recorder.CycleStarted()

	if rt == nil {
		o.fail(c, logger, "check runtime", ErrRuntimeNotInitialized, "")
		return c.id
	}

	logger.Info("bootstrap cycle started")
	go o.run(c, logger)
	return c.id
}

func (o *Orchestrator) run(c *cycle, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(c, logger, "bootstrap", fmt.Errorf("unexpected failure: %v", r), "")
		}
	}()

	installer, err := c.runtime.Spawn(c.ctx, InstallCommand)
	if err != nil {
		o.fail(c, logger, "spawn installer", err, "")
		return
	}
	logger.Info("installer spawned", "command", InstallCommand.String(), "pid", installer.PID())

	tail := newOutputTail(installTailLines)
	installOutput := o.observe(installer, SourceInstall, tail)

	status, err := o.awaitInstall(c, installer)
	if err != nil {
		o.fail(c, logger, "await installer", err, tail.String())
		return
	}
	if !status.Success() {
		if o.failOnInstallError {
			waitWithTimeout(c.ctx, installOutput, outputDrainTimeout)
			o.fail(c, logger, "install dependencies",
				fmt.Errorf("dependency install exited with code %d", status.Code), tail.String())
			return
		}
		logger.Warn("installer exited with non-zero status, continuing", "exit_code", status.Code)
	} else {
		logger.Info("installer finished", "exit_code", status.Code)
	}

	// Listen before spawning so an early signal cannot be missed.
	ready := awaitReadiness(c.runtime)
	defer ready.Close()

	server, err := c.runtime.Spawn(c.ctx, StartCommand)
	if err != nil {
		o.fail(c, logger, "spawn dev server", err, "")
		return
	}
	logger.Info("dev server spawned", "command", StartCommand.String(), "pid", server.PID())
	o.observe(server, SourceServer, nil)

	var timeout <-chan time.Time
	if o.readyTimeout > 0 {
		timer := time.NewTimer(o.readyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case event := <-ready.C():
		o.finish(c, logger, State{Phase: PhaseReady, Address: event.URL, Port: event.Port})
	case <-timeout:
		o.fail(c, logger, "await readiness",
			fmt.Errorf("server did not become ready within %s", o.readyTimeout), "")
	case <-c.ctx.Done():
		logger.Debug("cycle abandoned before readiness")
	}
}

func (o *Orchestrator) awaitInstall(c *cycle, installer sandbox.Process) (sandbox.ExitStatus, error) {
	ctx := c.ctx
	if o.installTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.installTimeout)
		defer cancel()
	}

	status, err := installer.Wait(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && c.ctx.Err() == nil {
		return status, fmt.Errorf("dependency install did not finish within %s", o.installTimeout)
	}
	return status, err
}

// observe forwards every output chunk of proc to the diagnostic sink. It
// never blocks the caller; the returned channel closes once the stream ends.
func (o *Orchestrator) observe(proc sandbox.Process, source string, tail *outputTail) <-chan struct{} {
	done := make(chan struct{})
	output := proc.Output()
	if output == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		for chunk := range output {
			if tail != nil {
				tail.Write(chunk)
			}
			o.recorder.OutputChunk(source)
			o.forward(source, chunk)
		}
	}()
	return done
}

func (o *Orchestrator) forward(source, chunk string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("diagnostic sink panicked", "source", source, "panic", r)
		}
	}()
	o.sink.Chunk(source, chunk)
}

func (o *Orchestrator) fail(c *cycle, logger *slog.Logger, step string, cause error, detail string) {
	reason := cause.Error()
	if o.finish(c, logger, State{Phase: PhaseFailed, Reason: reason, Detail: detail}) {
		logger.Error("bootstrap failed", "step", step, "error", cause)
		o.forward(SourceBootstrap, fmt.Sprintf("%s: %s\n", step, reason))
	}
}

// finish applies a terminal state if c is still the active, live cycle and
// has not reached a terminal state yet.
func (o *Orchestrator) finish(c *cycle, logger *slog.Logger, next State) bool {
	o.mu.Lock()
	if c.generation != o.generation || c.ctx.Err() != nil || o.state.Phase != PhaseLoading {
		o.mu.Unlock()
		logger.Debug("dropping stale transition", "phase", next.Phase)
		return false
	}
	next.CycleID = c.id
	next.Since = time.Now().UTC()
	c.final = next
	o.publishLocked(next)
	close(c.done)
	o.mu.Unlock()

	if next.Phase == PhaseReady {
		logger.Info("application ready", "address", next.Address, "port", next.Port)
	}
	o.recorder.CycleFinished(next.Phase, next.Since.Sub(c.startedAt))
	return true
}

func (o *Orchestrator) publishLocked(state State) {
	o.state = state
	for _, ch := range o.subscribers {
		offer(ch, state)
	}
}

// offer delivers state without blocking, evicting the oldest queued state
// when a subscriber has fallen behind so the latest one always lands.
func offer(ch chan State, state State) {
	select {
	case ch <- state:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- state:
	default:
	}
}

// Teardown abandons the active cycle and releases its runtime. It is safe to
// call without a cycle or with a nil runtime, and any number of times.
func (o *Orchestrator) Teardown() error {
	o.mu.Lock()
	c := o.active
	o.mu.Unlock()

	if c == nil {
		return nil
	}
	c.cancel()
	if err := c.teardown(); err != nil {
		return fmt.Errorf("teardown runtime: %w", err)
	}
	return nil
}

// teardown releases the runtime once. Only the call that performed the
// release reports its error; later calls return nil.
func (c *cycle) teardown() error {
	var err error
	c.teardownOnce.Do(func() {
		if c.runtime != nil {
			err = c.runtime.Teardown()
		}
	})
	return err
}

// State returns the current state snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a stream of state transitions starting with the current
// state. Slow readers only lose intermediate states, never the latest one.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberQueueSize)

	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = ch
	ch <- o.state
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, id)
			close(ch)
			o.mu.Unlock()
		})
	}
}

// Wait blocks until the active cycle reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) (State, error) {
	o.mu.Lock()
	c := o.active
	current := o.state
	o.mu.Unlock()

	if c == nil {
		return current, ErrNoCycle
	}

	select {
	case <-c.done:
		return c.final, nil
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

func waitWithTimeout(ctx context.Context, done <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
}
