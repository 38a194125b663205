package driver

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/autotest-dev/autotest/internal/autoerr"
	"github.com/autotest-dev/autotest/internal/config"
	"github.com/autotest-dev/autotest/internal/session"
)

// fakeTransport is a minimal in-memory session.Transport for driver tests
// that never need a real serial/SSH peer.
type fakeTransport struct {
	mu     sync.Mutex
	toRead []byte
	writes [][]byte
}

func (f *fakeTransport) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toRead) == 0 {
		return 0, nil
	}
	n := copy(buf, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakeTransport) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeTransport) Close() error { return nil }

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Building:  "Building",
		Running:   "Running",
		Stopping:  "Stopping",
		Stopped:   "Stopped",
		State(99): "Unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestRequireStateRejectsWrongState(t *testing.T) {
	d := New(&config.Config{}, nil)
	err := d.requireState("write", Running)
	var invalid *autoerr.InvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *autoerr.InvalidState", err)
	}
	if invalid.State != "Building" {
		t.Errorf("InvalidState.State = %q, want Building", invalid.State)
	}
}

func newFakeWorker(name string) *session.Worker {
	return session.NewWorker(name, &fakeTransport{}, nil)
}

func TestPickGenericPrefersSerialOverSSH(t *testing.T) {
	serialW := newFakeWorker("serial")
	sshW := newFakeWorker("ssh")
	defer serialW.Close()
	defer sshW.Close()

	d := &Driver{
		cfg:       &config.Config{Serial: &config.SerialConfig{}, SSH: &config.SSHConfig{}},
		state:     Running,
		serial:    serialW,
		sshWorker: sshW,
	}
	w, which, err := d.pickGeneric()
	if err != nil {
		t.Fatalf("pickGeneric: %v", err)
	}
	if which != "serial" || w != serialW {
		t.Errorf("pickGeneric chose %q, want serial", which)
	}
}

func TestPickGenericFallsBackToSSH(t *testing.T) {
	sshW := newFakeWorker("ssh")
	defer sshW.Close()

	d := &Driver{
		cfg:       &config.Config{SSH: &config.SSHConfig{}},
		state:     Running,
		sshWorker: sshW,
	}
	_, which, err := d.pickGeneric()
	if err != nil {
		t.Fatalf("pickGeneric: %v", err)
	}
	if which != "ssh" {
		t.Errorf("pickGeneric chose %q, want ssh", which)
	}
}

func TestPickGenericNotConfigured(t *testing.T) {
	d := &Driver{cfg: &config.Config{}, state: Running}
	_, _, err := d.pickGeneric()
	var nc *autoerr.NotConfigured
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want *autoerr.NotConfigured", err)
	}
}

func TestWriteRejectedOutsideRunning(t *testing.T) {
	d := New(&config.Config{Serial: &config.SerialConfig{}}, nil)
	err := d.Write("hello")
	var invalid *autoerr.InvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *autoerr.InvalidState", err)
	}
}

func TestSSHWriteNotConfiguredWhenRunning(t *testing.T) {
	d := &Driver{cfg: &config.Config{}, state: Running}
	err := d.SSHWrite("hi")
	var nc *autoerr.NotConfigured
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want *autoerr.NotConfigured", err)
	}
}

func TestVNCCallNotConfiguredWhenRunning(t *testing.T) {
	d := &Driver{cfg: &config.Config{}, state: Running}
	err := d.MouseClick(1, 2)
	var nc *autoerr.NotConfigured
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want *autoerr.NotConfigured", err)
	}
}

func TestAssertWaitStringNTimesTimesOut(t *testing.T) {
	serialW := newFakeWorker("serial")
	defer serialW.Close()
	d := &Driver{
		cfg:    &config.Config{Serial: &config.SerialConfig{}},
		state:  Running,
		serial: serialW,
	}
	err := d.AssertWaitStringNTimes("never-appears", 1, 30*time.Millisecond)
	var timeoutErr *autoerr.Timeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *autoerr.Timeout", err)
	}
}

func TestWriteFailsWhenTransportClosed(t *testing.T) {
	serialW := newFakeWorker("serial")
	serialW.Close()
	d := &Driver{
		cfg:    &config.Config{Serial: &config.SerialConfig{}},
		state:  Running,
		serial: serialW,
	}
	err := d.Write("x")
	var lost *autoerr.SessionLost
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want *autoerr.SessionLost", err)
	}
}

func TestFatalIfLostTransitionsRunningToStopping(t *testing.T) {
	d := &Driver{cfg: &config.Config{}, state: Running}
	d.fatalIfLost()
	if d.State() != Stopping {
		t.Errorf("state = %v, want Stopping", d.State())
	}
}

func TestFatalIfLostNoopOutsideRunning(t *testing.T) {
	d := &Driver{cfg: &config.Config{}, state: Stopped}
	d.fatalIfLost()
	if d.State() != Stopped {
		t.Errorf("state = %v, want Stopped (noop)", d.State())
	}
}

func TestStopRejectsFromBuilding(t *testing.T) {
	d := New(&config.Config{}, nil)
	err := d.Stop()
	var invalid *autoerr.InvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *autoerr.InvalidState", err)
	}
}

func TestStartRejectsWhenNotBuilding(t *testing.T) {
	d := &Driver{cfg: &config.Config{}, state: Running}
	err := d.Start(nil)
	var invalid *autoerr.InvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *autoerr.InvalidState", err)
	}
}

var _ io.ReadWriteCloser = (*fakeTransport)(nil)
