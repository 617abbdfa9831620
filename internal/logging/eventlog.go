package logging

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// EventLog is a tailable, timestamped log such as a session's root.log.
//
// Writes made before a destination is attached are kept in memory and
// flushed, in order, by Attach.
type EventLog struct {
	// Now returns the time used for timestamps. Defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	dst     io.WriteCloser
	pending bytes.Buffer
	closed  bool
}

// Attach sets the destination of the log and flushes any pending writes into it.
func (l *EventLog) Attach(dst io.WriteCloser) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dst != nil {
		return errors.New("event log already attached")
	}
	l.dst = dst
	if l.pending.Len() == 0 {
		return nil
	}
	_, err := dst.Write(l.pending.Bytes())
	l.pending.Reset()
	return err
}

// Attached reports whether the log has a destination.
func (l *EventLog) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dst != nil
}

// Event records a single message prefixed with a timestamp.
func (l *EventLog) Event(msg string) error {
	return l.writeString(Stamp(l.now()) + " " + msg + "\n")
}

// Lines records a timestamp line followed by each line verbatim.
func (l *EventLog) Lines(lines []string) error {
	var b strings.Builder
	b.WriteString(Stamp(l.now()))
	b.WriteByte('\n')
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return l.writeString(b.String())
}

// Output records multi-line command output without timestamps.
// Empty output is skipped.
func (l *EventLog) Output(output string) error {
	if output == "" {
		return nil
	}
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return l.writeString(output)
}

// Write appends raw bytes, as produced by a streamed command.
func (l *EventLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, io.ErrClosedPipe
	}
	if l.dst == nil {
		return l.pending.Write(p)
	}
	return l.dst.Write(p)
}

// Close closes the destination. Later writes fail.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.dst == nil {
		return nil
	}
	return l.dst.Close()
}

func (l *EventLog) writeString(s string) error {
	_, err := l.Write([]byte(s))
	return err
}

func (l *EventLog) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
