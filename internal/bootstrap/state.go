package bootstrap

import (
	"errors"
	"time"
)

// Phase is the externally observable stage of a bootstrap cycle.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	PhaseFailed  Phase = "failed"
)

// ErrRuntimeNotInitialized is the failure reported when a cycle is started
// without a runtime handle.
var ErrRuntimeNotInitialized = errors.New("runtime not initialized")

// ErrNoCycle is returned by Wait before any cycle has been started.
var ErrNoCycle = errors.New("no bootstrap cycle started")

// State is a snapshot of the orchestration. Loading is initial; Ready and
// Failed are terminal for the cycle identified by CycleID.
type State struct {
	Phase   Phase     `json:"phase"`
	Address string    `json:"address,omitempty"`
	Port    int       `json:"port,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	CycleID string    `json:"cycle_id,omitempty"`
	Since   time.Time `json:"since"`
}

// Terminal reports whether no further transition can happen in this cycle.
func (s State) Terminal() bool {
	return s.Phase == PhaseReady || s.Phase == PhaseFailed
}
