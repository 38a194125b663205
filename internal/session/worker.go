// Package session implements the generic session worker shared by the
// serial and SSH transports: a read loop that drains the transport into a
// history, and a single-producer mailbox that serializes every
// Write/RunShellCommand issued against that worker, so those operations on
// one worker execute in mailbox order without extra locking at the call
// site. WaitPattern reads the history directly and does not go through the
// mailbox.
package session

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/autotest-dev/autotest/internal/autoerr"
	"github.com/autotest-dev/autotest/internal/history"
	"github.com/autotest-dev/autotest/internal/logger"
)

// Transport is the byte-oriented I/O a Worker drives. SerialTransport and
// SshTransport's global shell both satisfy it.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// job is one closure queued on a Worker's mailbox.
type job struct {
	run  func() (interface{}, error)
	resp chan jobResult
}

type jobResult struct {
	val interface{}
	err error
}

// Worker owns one Transport exclusively: its read loop appends every byte
// read to hist, and its mailbox loop runs queued jobs one at a time.
type Worker struct {
	Name      string
	transport Transport
	hist      *history.History
	logf      logger.Logf

	mailbox  chan job
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu   sync.Mutex
	lost error // set once the transport has hit a fatal, unrecoverable error
}

// NewWorker wraps t and starts its read loop and mailbox loop.
func NewWorker(name string, t Transport, logf logger.Logf) *Worker {
	if logf == nil {
		logf = logger.Discard
	}
	w := &Worker{
		Name:      name,
		transport: t,
		hist:      history.New(),
		logf:      logger.WithPrefix(logf, name),
		mailbox:   make(chan job),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.readLoop()
	go w.mailboxLoop()
	return w
}

// History exposes the worker's append-only history to read-only callers
// (the VNC worker has an analogous frame accessor instead, since it has no
// byte history).
func (w *Worker) History() *history.History { return w.hist }

func (w *Worker) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := w.transport.Read(buf)
		if n > 0 {
			w.hist.Append(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				w.fail(fmt.Errorf("transport closed: %w", err))
				return
			}
			// A zero-byte read with a nil error simply loops again. An
			// error is retried only if isRetryable accepts it, and it
			// accepts none, so every non-EOF error is fatal too.
			if isRetryable(err) {
				continue
			}
			w.fail(err)
			return
		}
	}
}

func isRetryable(err error) bool {
	// A plain zero-byte, nil-error read already loops above; anything that
	// reaches here came back with a non-EOF error, which on every
	// transport this worker drives (a device file, a pty, an SSH session
	// pipe) signals the peer is gone. Nothing to retry.
	return false
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	if w.lost == nil {
		w.lost = err
	}
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.stop) })
}

// Err returns the fatal error that ended the read loop, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lost
}

func (w *Worker) mailboxLoop() {
	defer close(w.done)
	for {
		select {
		case j := <-w.mailbox:
			val, err := j.run()
			j.resp <- jobResult{val, err}
		case <-w.stop:
			// Drain anything already queued with SessionLost rather than
			// leaving callers hanging.
			for {
				select {
				case j := <-w.mailbox:
					j.resp <- jobResult{nil, &autoerr.SessionLost{Transport: w.Name, Reason: w.Err()}}
				default:
					return
				}
			}
		}
	}
}

// submit queues fn and blocks until it has run or the worker has stopped.
func (w *Worker) submit(fn func() (interface{}, error)) (interface{}, error) {
	resp := make(chan jobResult, 1)
	select {
	case w.mailbox <- job{run: fn, resp: resp}:
	case <-w.stop:
		return nil, &autoerr.SessionLost{Transport: w.Name, Reason: w.Err()}
	}
	select {
	case r := <-resp:
		return r.val, r.err
	case <-w.stop:
		return nil, &autoerr.SessionLost{Transport: w.Name, Reason: w.Err()}
	}
}

// Write sends b to the transport verbatim.
func (w *Worker) Write(b []byte) error {
	_, err := w.submit(func() (interface{}, error) {
		_, err := w.transport.Write(b)
		return nil, err
	})
	return err
}

// WaitPattern blocks until pattern has occurred n times in history after
// this call's registration offset, or timeout elapses. Unlike
// Write/RunCommand it does not need to run inside the mailbox: it only
// reads the shared history, and serializing it behind another in-flight
// RunCommand would let a slow command on the same worker starve a
// concurrent wait. It still respects per-worker shutdown because it
// selects on w.stop alongside the wait's own result.
func (w *Worker) WaitPattern(pattern []byte, n int, timeout time.Duration) (offset int, found bool) {
	deadline := time.Now().Add(timeout)
	resultCh := make(chan struct {
		offset int
		found  bool
	}, 1)
	go func() {
		off, ok := w.hist.Wait(pattern, n, deadline)
		resultCh <- struct {
			offset int
			found  bool
		}{off, ok}
	}()
	select {
	case r := <-resultCh:
		return r.offset, r.found
	case <-w.stop:
		return 0, false
	}
}

// Close stops the mailbox loop and the read loop, and closes the transport.
// Safe to call multiple times.
func (w *Worker) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.transport.Close()
}
