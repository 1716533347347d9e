package bootstrap

import (
	"strings"
	"sync"
	"time"
)

// Output sources reported to the diagnostic sink.
const (
	SourceInstall   = "install"
	SourceServer    = "server"
	SourceBootstrap = "bootstrap"
)

// DiagnosticSink receives process output for observability only. Whatever a
// sink does, including panicking, never changes the orchestration state.
type DiagnosticSink interface {
	Chunk(source, text string)
}

// SinkFunc adapts a plain function into a DiagnosticSink.
type SinkFunc func(source, text string)

func (f SinkFunc) Chunk(source, text string) {
	f(source, text)
}

type discardSink struct{}

func (discardSink) Chunk(string, string) {}

// Recorder observes cycle outcomes, e.g. for metrics.
type Recorder interface {
	CycleStarted()
	CycleFinished(phase Phase, elapsed time.Duration)
	OutputChunk(source string)
}

type noopRecorder struct{}

func (noopRecorder) CycleStarted()                      {}
func (noopRecorder) CycleFinished(Phase, time.Duration) {}
func (noopRecorder) OutputChunk(string)                 {}

// outputTail keeps the last lines written to it.
type outputTail struct {
	mu    sync.Mutex
	limit int
	lines []string
	open  strings.Builder
}

func newOutputTail(limit int) *outputTail {
	return &outputTail{limit: limit}
}

func (t *outputTail) Write(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		idx := strings.IndexByte(chunk, '\n')
		if idx < 0 {
			break
		}
		t.open.WriteString(chunk[:idx])
		t.push(strings.TrimRight(t.open.String(), "\r"))
		t.open.Reset()
		chunk = chunk[idx+1:]
	}
	t.open.WriteString(chunk)
}

func (t *outputTail) push(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *outputTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := append([]string(nil), t.lines...)
	if rest := strings.TrimSpace(t.open.String()); rest != "" {
		lines = append(lines, rest)
		if len(lines) > t.limit {
			lines = lines[len(lines)-t.limit:]
		}
	}
	return strings.Join(lines, "\n")
}
