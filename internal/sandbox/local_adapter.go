package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
)

var _ Runtime = &LocalRuntime{}

const (
	DefaultKillGrace = 5 * time.Second

	outputBufferSize = 64
	readBufferSize   = 4096
)

// LocalRuntime runs commands as host processes inside WorkDir. It satisfies
// the Runtime contract so the orchestrator can be driven without a browser
// sandbox; it provides no isolation of its own.
type LocalRuntime struct {
	WorkDir   string
	Env       map[string]string
	UsePTY    bool
	KillGrace time.Duration
	Prober    *ReadinessProber
	Logger    *slog.Logger

	initOnce sync.Once

	mu        sync.Mutex
	procs     map[int]*localProcess
	listeners map[uint64]func(ReadinessEvent)
	nextID    uint64
	tornDown  bool

	probeCtx    context.Context
	probeCancel context.CancelFunc
	closed      chan struct{}

	teardownOnce sync.Once
}

func NewLocalRuntime(workDir string, logger *slog.Logger) *LocalRuntime {
	return &LocalRuntime{
		WorkDir: workDir,
		Logger:  logger,
	}
}

func (r *LocalRuntime) init() {
	r.initOnce.Do(func() {
		r.procs = make(map[int]*localProcess)
		r.listeners = make(map[uint64]func(ReadinessEvent))
		r.probeCtx, r.probeCancel = context.WithCancel(context.Background())
		r.closed = make(chan struct{})
		if r.Prober == nil {
			r.Prober = NewReadinessProber(r.logger(), 0, 0, 0)
		}
	})
}

func (r *LocalRuntime) Spawn(ctx context.Context, command Command) (Process, error) {
	r.init()
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	if command.Name == "" {
		return nil, &SpawnError{Command: command, Err: errors.New("command name is empty")}
	}

	r.mu.Lock()
	tornDown := r.tornDown
	r.mu.Unlock()
	if tornDown {
		return nil, &SpawnError{Command: command, Err: ErrRuntimeTornDown}
	}

	workDir, err := resolveWorkDir(r.WorkDir)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd := exec.Command(command.Name, command.Args...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(os.Environ(), r.Env, command.Env)
	cmd.Stdin = nil

	var reader io.ReadCloser
	if r.UsePTY {
		cmd.SysProcAttr = sysProcAttr(true)
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, &SpawnError{Command: command, Err: fmt.Errorf("start with pty: %w", err)}
		}
		reader = ptmx
	} else {
		cmd.SysProcAttr = sysProcAttr(false)
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, &SpawnError{Command: command, Err: fmt.Errorf("create output pipe: %w", err)}
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		if err := cmd.Start(); err != nil {
			pr.Close()
			pw.Close()
			return nil, &SpawnError{Command: command, Err: err}
		}
		// The child holds its own copy of the write end.
		pw.Close()
		reader = pr
	}

	proc := &localProcess{
		pid:     cmd.Process.Pid,
		command: command,
		output:  make(chan string, outputBufferSize),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.procs[proc.pid] = proc
	r.mu.Unlock()

	r.logger().Info("process spawned", "command", command.String(), "pid", proc.pid, "dir", workDir, "pty", r.UsePTY)

	var onLine func(string)
	if command.DetectReadiness {
		proc.seenPorts = make(map[int]bool)
		onLine = func(line string) { r.scanOutput(proc, line) }
	}
	go proc.pump(reader, r.closed, onLine)
	go func() {
		proc.wait(cmd)
		r.mu.Lock()
		delete(r.procs, proc.pid)
		r.mu.Unlock()
		r.logger().Info("process exited", "command", command.String(), "pid", proc.pid, "exit_code", proc.status.Code)
	}()

	return proc, nil
}

func (r *LocalRuntime) OnServerReady(fn func(ReadinessEvent)) func() {
	r.init()
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if !r.tornDown {
		r.listeners[id] = fn
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Teardown terminates every live process group and drops all listeners. Only
// the first call does any work or reports an error.
func (r *LocalRuntime) Teardown() error {
	r.init()
	var teardownErr error
	r.teardownOnce.Do(func() {
		r.mu.Lock()
		r.tornDown = true
		procs := make([]*localProcess, 0, len(r.procs))
		for _, proc := range r.procs {
			procs = append(procs, proc)
		}
		r.listeners = make(map[uint64]func(ReadinessEvent))
		r.mu.Unlock()

		r.probeCancel()
		close(r.closed)

		sort.Slice(procs, func(i, j int) bool { return procs[i].pid < procs[j].pid })

		grace := r.KillGrace
		if grace <= 0 {
			grace = DefaultKillGrace
		}

		var errs []error
		for _, proc := range procs {
			if err := proc.stop(grace); err != nil {
				errs = append(errs, fmt.Errorf("stop %s (pid %d): %w", proc.command, proc.pid, err))
			}
		}
		teardownErr = errors.Join(errs...)
		r.logger().Info("runtime torn down", "processes", len(procs))
	})
	return teardownErr
}

// scanOutput probes every address proc announces, once per port and process.
func (r *LocalRuntime) scanOutput(proc *localProcess, line string) {
	for _, event := range DetectServerURLs(line) {
		r.mu.Lock()
		if r.tornDown || proc.seenPorts[event.Port] {
			r.mu.Unlock()
			continue
		}
		proc.seenPorts[event.Port] = true
		r.mu.Unlock()

		go r.probe(proc, event)
	}
}

func (r *LocalRuntime) probe(proc *localProcess, event ReadinessEvent) {
	logger := r.logger().With("port", event.Port, "url", event.URL)
	logger.Debug("probing server address")

	if err := r.Prober.Probe(r.probeCtx, event.URL); err != nil {
		r.mu.Lock()
		delete(proc.seenPorts, event.Port)
		r.mu.Unlock()
		if r.probeCtx.Err() == nil {
			logger.Warn("server address did not answer", "error", err)
		}
		return
	}
	r.emit(event)
}

func (r *LocalRuntime) emit(event ReadinessEvent) {
	r.mu.Lock()
	if r.tornDown {
		r.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(ReadinessEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.mu.Unlock()

	r.logger().Info("server ready", "port", event.Port, "url", event.URL)
	for _, fn := range fns {
		fn(event)
	}
}

func (r *LocalRuntime) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

type localProcess struct {
	pid     int
	command Command
	output  chan string
	done    chan struct{}

	status ExitStatus
	err    error

	// seenPorts is guarded by the runtime's mutex and nil unless the
	// command detects readiness.
	seenPorts map[int]bool
}

func (p *localProcess) Output() <-chan string {
	return p.output
}

func (p *localProcess) PID() int {
	return p.pid
}

func (p *localProcess) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.status, p.err
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (p *localProcess) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	status := ExitStatus{Code: cmd.ProcessState.ExitCode(), ExitedAt: time.Now().UTC()}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.err = fmt.Errorf("wait %s: %w", p.command, err)
	}
	p.status = status
	close(p.done)
}

// pump copies process output into the chunk channel until the reader ends.
// Once closed fires nobody is reading any more, so chunks are still read
// (to keep the child from blocking) but dropped. A nil onLine skips line
// reassembly.
func (p *localProcess) pump(reader io.ReadCloser, closed <-chan struct{}, onLine func(string)) {
	defer close(p.output)
	defer reader.Close()

	var lines lineBuffer
	buf := make([]byte, readBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if onLine != nil {
				for _, line := range lines.Feed(chunk) {
					onLine(line)
				}
			}
			select {
			case p.output <- chunk:
			case <-closed:
			}
		}
		if err != nil {
			if rest := lines.Flush(); rest != "" && onLine != nil {
				onLine(rest)
			}
			return
		}
	}
}

func (p *localProcess) stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminateGroup(p.pid); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := killGroup(p.pid); err != nil {
		return err
	}
	<-p.done
	return nil
}

func resolveWorkDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("stat work directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("work directory %q is not a directory", dir)
	}
	return dir, nil
}

func buildEnv(base []string, overlays ...map[string]string) []string {
	env := append([]string(nil), base...)
	for _, overlay := range overlays {
		keys := make([]string, 0, len(overlay))
		for key := range overlay {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			env = append(env, key+"="+overlay[key])
		}
	}
	return env
}
