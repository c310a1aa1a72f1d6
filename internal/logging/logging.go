// Package logging wires slog to a rotating log file and an in-memory ring
// buffer. The ring backs the operator-facing log endpoint: fixed capacity,
// oldest entries dropped.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const DefaultRingCapacity = 100

type Entry struct {
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type Ring struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{capacity: capacity}
}

func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

// Since returns entries newer than the given unix-millis timestamp, oldest
// first. Zero returns everything retained.
func (r *Ring) Since(ts int64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Timestamp > ts {
			out = append(out, e)
		}
	}
	return out
}

// ringHandler mirrors records into the ring alongside the wrapped handler.
type ringHandler struct {
	inner slog.Handler
	ring  *Ring
}

func (h ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h ringHandler) Handle(ctx context.Context, rec slog.Record) error {
	h.ring.Append(Entry{
		Timestamp: rec.Time.UnixMilli(),
		Level:     rec.Level.String(),
		Message:   rec.Message,
	})
	return h.inner.Handle(ctx, rec)
}

func (h ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ringHandler{inner: h.inner.WithAttrs(attrs), ring: h.ring}
}

func (h ringHandler) WithGroup(name string) slog.Handler {
	return ringHandler{inner: h.inner.WithGroup(name), ring: h.ring}
}

type Config struct {
	Dir        string
	Level      string
	RingSize   int
	MaxSizeMB  int
	MaxBackups int
}

// Init builds the process logger. With an empty Dir, records go to stderr
// only; otherwise they also go to a rotated file under Dir.
func Init(cfg Config) (*slog.Logger, *Ring) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = os.Stderr
	if cfg.Dir != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "msgpilot.log"),
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		})
	}

	ring := NewRing(cfg.RingSize)
	handler := ringHandler{
		inner: slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}),
		ring:  ring,
	}
	return slog.New(handler), ring
}

// Discard returns a logger for tests that keeps the ring observable.
func Discard() (*slog.Logger, *Ring) {
	ring := NewRing(0)
	handler := ringHandler{
		inner: slog.NewTextHandler(io.Discard, nil),
		ring:  ring,
	}
	return slog.New(handler), ring
}
