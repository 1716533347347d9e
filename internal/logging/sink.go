package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// maxPartialLine bounds how much of an unterminated line is held per source.
const maxPartialLine = 16 * 1024

// Sink forwards process output to a logger, one record per line. Both \n and
// \r end a line, so progress redraws do not pile up. Partial lines are held
// per source until their terminator arrives, they exceed maxPartialLine, or
// Flush is called.
type Sink struct {
	logger *slog.Logger
	level  slog.Level

	mu      sync.Mutex
	partial map[string]string
}

// NewSink returns a sink logging output lines at debug level.
func NewSink(logger *slog.Logger) *Sink {
	return NewSinkAtLevel(logger, slog.LevelDebug)
}

func NewSinkAtLevel(logger *slog.Logger, level slog.Level) *Sink {
	return &Sink{
		logger:  Ensure(logger).With("component", "output"),
		level:   level,
		partial: make(map[string]string),
	}
}

func (s *Sink) Chunk(source, text string) {
	s.mu.Lock()
	text = s.partial[source] + text
	var complete []string
	if idx := strings.LastIndexAny(text, "\r\n"); idx >= 0 {
		complete = strings.FieldsFunc(text[:idx], func(r rune) bool { return r == '\n' || r == '\r' })
		text = text[idx+1:]
	}
	if len(text) > maxPartialLine {
		complete = append(complete, text)
		text = ""
	}
	s.partial[source] = text
	s.mu.Unlock()

	for _, line := range complete {
		s.emit(source, line)
	}
}

// Flush logs any buffered partial lines.
func (s *Sink) Flush() {
	s.mu.Lock()
	pending := s.partial
	s.partial = make(map[string]string)
	s.mu.Unlock()

	for source, line := range pending {
		s.emit(source, line)
	}
}

func (s *Sink) emit(source, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.logger.Log(context.Background(), s.level, line, "source", source)
}
