package service

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Trace receives one human-readable line per engine action (enrol, unenrol,
// suspend, role assign/unassign, skip, error). It is an observability
// collaborator only, never a control dependency.
type Trace interface {
	Output(format string, args ...any)
}

// NopTrace discards all output.
type NopTrace struct{}

// Output implements Trace.
func (NopTrace) Output(string, ...any) {}

// WriterTrace prints each line to a writer, used by the CLI entry point.
type WriterTrace struct {
	W io.Writer
}

// Output implements Trace.
func (t WriterTrace) Output(format string, args ...any) {
	fmt.Fprintf(t.W, format+"\n", args...)
}

// ZapTrace forwards each line to a zap logger at info level.
type ZapTrace struct {
	Logger *zap.Logger
}

// Output implements Trace.
func (t ZapTrace) Output(format string, args ...any) {
	if t.Logger == nil {
		return
	}
	t.Logger.Info(fmt.Sprintf(format, args...))
}

// BufferTrace collects lines in memory for assertions in tests.
type BufferTrace struct {
	mu    sync.Mutex
	Lines []string
}

// Output implements Trace.
func (t *BufferTrace) Output(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Lines = append(t.Lines, fmt.Sprintf(format, args...))
}
