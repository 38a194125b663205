package session

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/autotest-dev/autotest/internal/autoerr"
)

// pipeTransport is an in-memory Transport: writes to it are visible to a
// test via written(), and injected bytes become readable through Read,
// simulating a remote peer echoing/producing output.
type pipeTransport struct {
	mu      sync.Mutex
	toRead  []byte
	notify  chan struct{}
	writes  [][]byte
	closed  bool
	closeCh chan struct{}
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

func (p *pipeTransport) inject(b []byte) {
	p.mu.Lock()
	p.toRead = append(p.toRead, b...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pipeTransport) Read(buf []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.toRead) > 0 {
			n := copy(buf, p.toRead)
			p.toRead = p.toRead[n:]
			p.mu.Unlock()
			return n, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		select {
		case <-p.notify:
		case <-p.closeCh:
			return 0, io.EOF
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *pipeTransport) Write(b []byte) (int, error) {
	p.mu.Lock()
	cp := append([]byte(nil), b...)
	p.writes = append(p.writes, cp)
	p.mu.Unlock()
	return len(b), nil
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
	p.mu.Unlock()
	return nil
}

func (p *pipeTransport) lastWrite() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return ""
	}
	return string(p.writes[len(p.writes)-1])
}

func TestWorkerWriteAndWaitPattern(t *testing.T) {
	pt := newPipeTransport()
	w := NewWorker("test", pt, nil)
	defer w.Close()

	if err := w.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := pt.lastWrite(); got != "ping\n" {
		t.Fatalf("transport saw %q, want %q", got, "ping\n")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		pt.inject([]byte("pong\n"))
	}()
	_, ok := w.WaitPattern([]byte("pong"), 1, time.Second)
	if !ok {
		t.Fatal("expected WaitPattern to find pong")
	}
}

func TestWorkerRunShellCommandSuccess(t *testing.T) {
	pt := newPipeTransport()
	w := NewWorker("test", pt, nil)
	defer w.Close()

	// Echo back whatever sentinel-bracketed payload the worker wrote, as a
	// well-behaved shell would.
	go func() {
		for i := 0; i < 20; i++ {
			time.Sleep(5 * time.Millisecond)
			last := pt.lastWrite()
			if last == "" {
				continue
			}
			pt.inject([]byte("hello world\n"))
			// Extract the echo line the worker appended and reflect it back
			// verbatim so the sentinel parse can complete.
			pt.inject(extractEchoLine(last))
			return
		}
	}()

	stdout, code, err := w.RunShellCommand("echo hello world", time.Second, ShellOptions{DisableEcho: true})
	if err != nil {
		t.Fatalf("RunShellCommand: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if stdout != "hello world\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello world\n")
	}
}

// extractEchoLine pulls the `echo __AUTOTEST_..._BEG__$?_end__AUTOTEST_..._END__`
// line out of a payload written by runSentinel and renders it as the shell
// itself would upon evaluating it with a zero exit status.
func extractEchoLine(payload string) []byte {
	const marker = "echo __AUTOTEST_"
	idx := indexOf(payload, marker)
	if idx < 0 {
		return nil
	}
	line := payload[idx+len("echo "):]
	if nl := indexOf(line, "\n"); nl >= 0 {
		line = line[:nl]
	}
	return []byte(substituteExit(line, 0) + "\n")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func substituteExit(tmpl string, code int) string {
	// tmpl looks like "<beg>$?_end<end>"; replace "$?" with the exit code.
	out := ""
	for i := 0; i < len(tmpl); i++ {
		if i+1 < len(tmpl) && tmpl[i] == '$' && tmpl[i+1] == '?' {
			out += itoa(code)
			i++
			continue
		}
		out += string(tmpl[i])
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	return string(rune('0' + n))
}

func TestWorkerRunShellCommandTimeout(t *testing.T) {
	pt := newPipeTransport()
	w := NewWorker("test", pt, nil)
	defer w.Close()

	_, _, err := w.RunShellCommand("sleep forever", 30*time.Millisecond, ShellOptions{})
	var timeoutErr *autoerr.Timeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *autoerr.Timeout", err)
	}
}

func TestWorkerCloseYieldsSessionLost(t *testing.T) {
	pt := newPipeTransport()
	w := NewWorker("test", pt, nil)
	w.Close()

	err := w.Write([]byte("too late"))
	var lost *autoerr.SessionLost
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want *autoerr.SessionLost", err)
	}
}

func TestWorkerTransportEOFMarksSessionLost(t *testing.T) {
	pt := newPipeTransport()
	w := NewWorker("test", pt, nil)
	pt.Close() // simulate the peer hanging up

	deadline := time.Now().Add(time.Second)
	for w.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.Err() == nil {
		t.Fatal("expected Err() to report the closed transport")
	}
	w.Close()
}
