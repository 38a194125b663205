// Package logger provides the minimal func-based logging sink used
// throughout the driver runtime, in the shape the corpus's own test
// harnesses use (a plain "Logf" callback) rather than a structured
// logging framework.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logf is the logging sink threaded through every worker and the Driver
// facade. Implementations must be safe for concurrent use.
type Logf func(format string, args ...interface{})

// Discard drops everything logged through it.
func Discard(string, ...interface{}) {}

// FuncWriter adapts a Logf into an io.Writer, splitting on newlines so that
// multi-line writes (e.g. from an io.Copy) produce one log line apiece.
func FuncWriter(logf Logf) io.Writer {
	return &funcWriter{logf: logf}
}

type funcWriter struct {
	mu   sync.Mutex
	buf  []byte
	logf Logf
}

func (w *funcWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logf("%s", string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// WithPrefix returns a Logf that prepends prefix (e.g. a worker name) to
// every message it forwards to next.
func WithPrefix(next Logf, prefix string) Logf {
	return func(format string, args ...interface{}) {
		next("%s: "+format, append([]interface{}{prefix}, args...)...)
	}
}

// Timestamped returns a Logf writing "2006-01-02T15:04:05.000 message" lines
// to w. The CLI passes it to driver.New; a nil Logf given to driver.New or
// session.NewWorker falls back to Discard, not to this sink.
func Timestamped(w io.Writer) Logf {
	var mu sync.Mutex
	return func(format string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s %s\n", time.Now().Format("2006-01-02T15:04:05.000"), fmt.Sprintf(format, args...))
	}
}
