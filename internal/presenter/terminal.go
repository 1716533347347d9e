package presenter

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cochaviz/preview/internal/bootstrap"
)

// StateSource is the part of the orchestrator presenters depend on.
type StateSource interface {
	State() bootstrap.State
	Subscribe() (<-chan bootstrap.State, func())
}

// Terminal renders state transitions as plain lines.
type Terminal struct {
	out io.Writer

	mu   sync.Mutex
	last bootstrap.State
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// Run renders every transition of source until ctx ends or the stream closes.
func (t *Terminal) Run(ctx context.Context, source StateSource) {
	states, unsubscribe := source.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			t.Render(state)
		}
	}
}

// Render prints state unless it repeats the previously rendered one.
func (t *Terminal) Render(state bootstrap.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state.Phase == t.last.Phase && state.CycleID == t.last.CycleID {
		return
	}
	t.last = state

	switch state.Phase {
	case bootstrap.PhaseLoading:
		fmt.Fprintln(t.out, "Loading...")
	case bootstrap.PhaseReady:
		fmt.Fprintf(t.out, "Ready at %s\n", state.Address)
	case bootstrap.PhaseFailed:
		fmt.Fprintf(t.out, "Failed: %s\n", state.Reason)
		if state.Detail != "" {
			fmt.Fprintln(t.out, state.Detail)
		}
	}
}
