package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/c360/padrelay/message"
)

// Source yields the current controller state each time the driver is due to
// send.
type Source interface {
	Poll(ctx context.Context) (message.Input, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (message.Input, error)

// Poll calls f.
func (f SourceFunc) Poll(ctx context.Context) (message.Input, error) { return f(ctx) }

// JSONLinesSource reads one Input JSON object per line from a reader and
// serves the most recent one. Lines that fail to parse are logged and
// skipped. Before the first valid line it serves the neutral state; after the
// reader ends it keeps serving the last state.
type JSONLinesSource struct {
	logger *slog.Logger

	mu     sync.Mutex
	latest message.Input
	lines  int
	err    error
	done   chan struct{}
}

// NewJSONLinesSource starts reading r in the background.
func NewJSONLinesSource(r io.Reader, logger *slog.Logger) *JSONLinesSource {
	if logger == nil {
		logger = slog.Default().With("component", "jsonl-source")
	}
	s := &JSONLinesSource{
		logger: logger,
		latest: message.Neutral(),
		done:   make(chan struct{}),
	}
	go s.read(r)
	return s
}

func (s *JSONLinesSource) read(r io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), message.MaxFrameSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in message.Input
		if err := json.Unmarshal(line, &in); err != nil {
			s.logger.Warn("Skipping unparseable input line", "line", lineNo, "error", err)
			continue
		}
		in.Normalize()
		in.Token = ""

		s.mu.Lock()
		s.latest = in
		s.lines++
		s.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.logger.Error("Input source failed", "error", err)
	}
}

// Poll returns a copy of the latest state. It fails only if reading the
// underlying stream failed.
func (s *JSONLinesSource) Poll(context.Context) (message.Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return message.Input{}, s.err
	}
	return s.latest.Clone(), nil
}

// Lines returns the number of states read so far.
func (s *JSONLinesSource) Lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Done is closed when the reader is exhausted.
func (s *JSONLinesSource) Done() <-chan struct{} { return s.done }
