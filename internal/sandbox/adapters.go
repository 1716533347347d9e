package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// ErrRuntimeTornDown is returned by Spawn once the runtime has been released.
var ErrRuntimeTornDown = errors.New("runtime torn down")

// Runtime describes the contract a sandboxed runtime must satisfy. The
// orchestration code only sequences calls against it; process execution,
// filesystem and networking all live behind this boundary.
type Runtime interface {
	// Spawn starts cmd inside the runtime. Spawning itself may fail, e.g.
	// when the runtime is unavailable.
	Spawn(ctx context.Context, cmd Command) (Process, error)
	// OnServerReady registers fn for readiness events. fn may be invoked
	// zero, one or many times. The returned func removes the listener.
	OnServerReady(fn func(ReadinessEvent)) (unsubscribe func())
	// Teardown releases every resource held by the runtime. It is idempotent.
	Teardown() error
}

// Process is a single spawned command.
type Process interface {
	// Output streams text chunks as the process produces them. The channel is
	// closed once the output ends and must be drained by a single reader.
	Output() <-chan string
	// Wait blocks until the process exits. Every call returns the same result.
	Wait(ctx context.Context) (ExitStatus, error)
	PID() int
}

type SpawnError struct {
	Command Command
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
