package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/pkg/timestamp"
)

// Config holds recorder settings.
type Config struct {
	Path          string        `json:"path"                     yaml:"path"`
	Append        bool          `json:"append"                   yaml:"append"`
	BufferSize    int           `json:"buffer_size,omitempty"    yaml:"buffer_size,omitempty"`
	FlushInterval time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
}

// DefaultConfig returns default configuration for the recorder
func DefaultConfig() Config {
	return Config{
		Path:          "padrelay-session.jsonl",
		Append:        true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "file", "Validate", "path is required")
	}
	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "file", "Validate", "buffer_size cannot be negative")
	}
	if c.FlushInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "file", "Validate", "flush_interval cannot be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = d.FlushInterval
	}
	return c
}

// Record is one recorded line.
type Record struct {
	Buttons    []uint           `json:"buttons"`
	Axes       []float64        `json:"axes"`
	Hats       []message.Hat    `json:"hats"`
	Triggers   message.Triggers `json:"triggers"`
	RecordedAt int64            `json:"recorded_at_ms"`
}

// Recorder implements the arbiter's Output interface.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	file   *os.File
	fileMu sync.Mutex

	buffer   [][]byte
	bufferMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	written int64
	bytes   int64
	errors  int64
}

// Open creates the parent directory and opens the recording file.
func Open(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default().With("component", "file-recorder")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WrapFatal(err, "file", "Open", "create output directory")
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Path, flags, 0o600)
	if err != nil {
		return nil, errors.WrapFatal(err, "file", "Open", "open output file")
	}

	logger.Info("Recording input", "path", cfg.Path, "append", cfg.Append, "buffer_size", cfg.BufferSize)
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		clock:  clock.New(),
		file:   f,
		buffer: make([][]byte, 0, cfg.BufferSize),
	}, nil
}

// WithClock replaces the clock used for record stamps and the flush ticker.
func (r *Recorder) WithClock(clk clock.Clock) *Recorder {
	r.clock = clk
	return r
}

// Name labels the output in logs and metrics.
func (r *Recorder) Name() string { return "file:" + r.cfg.Path }

// ApplyInput buffers in and flushes when the buffer is full.
func (r *Recorder) ApplyInput(ctx context.Context, in message.Input) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Record{
		Buttons:    in.Buttons,
		Axes:       in.Axes,
		Hats:       in.Hats,
		Triggers:   in.Triggers,
		RecordedAt: timestamp.ToUnixMs(r.clock.Now()),
	})
	if err != nil {
		atomic.AddInt64(&r.errors, 1)
		return errors.WrapInvalid(err, "file", "ApplyInput", "encode record")
	}

	r.bufferMu.Lock()
	r.buffer = append(r.buffer, append(data, '\n'))
	full := len(r.buffer) >= r.cfg.BufferSize
	r.bufferMu.Unlock()

	if full {
		return r.Flush()
	}
	return nil
}

// Run flushes on every FlushInterval tick until ctx is done, then flushes
// once more.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				r.logger.Warn("Final flush failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				r.logger.Warn("Flush failed", "error", err)
			}
		}
	}
}

// Flush writes buffered records to the file.
func (r *Recorder) Flush() error {
	r.bufferMu.Lock()
	if len(r.buffer) == 0 {
		r.bufferMu.Unlock()
		return nil
	}
	lines := r.buffer
	r.buffer = make([][]byte, 0, r.cfg.BufferSize)
	r.bufferMu.Unlock()

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	if r.file == nil {
		atomic.AddInt64(&r.errors, int64(len(lines)))
		return errors.WrapInvalid(errors.ErrShuttingDown, "file", "Flush", "file closed")
	}

	for i, line := range lines {
		n, err := r.file.Write(line)
		if err != nil {
			atomic.AddInt64(&r.errors, int64(len(lines)-i))
			return errors.WrapTransient(fmt.Errorf("write %s: %w", r.cfg.Path, err), "file", "Flush", "write record")
		}
		atomic.AddInt64(&r.written, 1)
		atomic.AddInt64(&r.bytes, int64(n))
	}
	r.logger.Debug("Flushed records", "count", len(lines), "total", atomic.LoadInt64(&r.written))
	return nil
}

// Stats returns the records written, the bytes written and the records lost
// to errors.
func (r *Recorder) Stats() (written, bytes, failed int64) {
	return atomic.LoadInt64(&r.written), atomic.LoadInt64(&r.bytes), atomic.LoadInt64(&r.errors)
}

// Close flushes and closes the file. Later calls return the first result.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		flushErr := r.Flush()

		r.fileMu.Lock()
		defer r.fileMu.Unlock()
		if err := r.file.Close(); err != nil {
			r.closeErr = errors.Wrap(err, "file", "Close", "close output file")
		} else {
			r.closeErr = flushErr
		}
		r.file = nil
	})
	return r.closeErr
}
