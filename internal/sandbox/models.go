package sandbox

import (
	"strings"
	"time"
)

// Command is a program and its arguments as issued to the runtime.
type Command struct {
	Name string
	Args []string
	Env  map[string]string
	// DetectReadiness marks the command as the server whose announced
	// addresses become readiness events. Output of other commands is never
	// treated as a readiness signal.
	DetectReadiness bool
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ExitStatus is the outcome of a terminated process.
type ExitStatus struct {
	Code     int
	ExitedAt time.Time
}

// Success reports whether the process exited with code zero.
func (s ExitStatus) Success() bool {
	return s.Code == 0
}

// ReadinessEvent signals that a server inside the runtime is reachable.
type ReadinessEvent struct {
	Port int
	URL  string
}
