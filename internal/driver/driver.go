// Package driver implements the facade test scripts are built against: it
// owns the serial, SSH, and VNC workers, tracks DriverState, and routes the
// flat operation surface to the right worker under a fixed precedence
// policy. Start uses golang.org/x/sync/errgroup to fan out worker startup
// and roll the others back if any one fails, the way a VM test harness
// tears down partially-started VMs on error.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autotest-dev/autotest/internal/autoerr"
	"github.com/autotest-dev/autotest/internal/config"
	"github.com/autotest-dev/autotest/internal/logger"
	"github.com/autotest-dev/autotest/internal/screen"
	"github.com/autotest-dev/autotest/internal/session"
	"github.com/autotest-dev/autotest/internal/transport/serialtransport"
	"github.com/autotest-dev/autotest/internal/transport/sshtransport"
	"github.com/autotest-dev/autotest/internal/transport/vnctransport"

	xssh "golang.org/x/crypto/ssh"
)

// State is the Driver lifecycle enum.
type State int

const (
	Building State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Building:
		return "Building"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Driver is the facade test scripts are built against.
type Driver struct {
	cfg  *config.Config
	logf logger.Logf

	mu    sync.Mutex
	state State

	serial    *session.Worker
	sshWorker *session.Worker
	sshClient *xssh.Client
	vnc       *vnctransport.Worker
	matcher   *screen.Matcher
}

// New constructs a Driver in state Building from cfg.
func New(cfg *config.Config, logf logger.Logf) *Driver {
	if logf == nil {
		logf = logger.Discard
	}
	return &Driver{cfg: cfg, logf: logf, state: Building}
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) requireState(op string, want State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != want {
		return &autoerr.InvalidState{Op: op, State: d.state.String()}
	}
	return nil
}

// Start opens every configured transport concurrently; if any fails, the
// others that already opened are rolled back and Start returns
// TransportOpen.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Building {
		d.mu.Unlock()
		return &autoerr.InvalidState{Op: "start", State: d.state.String()}
	}
	d.mu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var serialW, sshW *session.Worker
	var sshClient *xssh.Client
	var vncW *vnctransport.Worker

	if sc := d.cfg.Serial; sc != nil {
		g.Go(func() error {
			t, err := serialtransport.Open(serialtransport.Config{
				File:         sc.File,
				BaudRate:     sc.BaudRate,
				Linebreak:    sc.Linebreak,
				DisableEcho:  sc.DisableEcho,
				Username:     sc.Username,
				Password:     sc.Password,
				LoginTimeout: sc.LoginTimeoutDuration(),
			})
			if err != nil {
				return &autoerr.TransportOpen{Transport: "serial", Reason: err}
			}
			w := session.NewWorker("serial", t, logger.WithPrefix(d.logf, "serial"))
			if sc.Username != "" {
				writeFn := func(b []byte) error { return w.Write(b) }
				if err := serialtransport.AutoLogin(w.History(), writeFn, sc.Username, sc.Password, sc.LoginTimeoutDuration()); err != nil {
					w.Close()
					return &autoerr.TransportOpen{Transport: "serial", Reason: err}
				}
			}
			mu.Lock()
			serialW = w
			mu.Unlock()
			return nil
		})
	}

	if sc := d.cfg.SSH; sc != nil {
		g.Go(func() error {
			keyBytes, err := sc.PrivateKeyBytes()
			if err != nil {
				return &autoerr.TransportOpen{Transport: "ssh", Reason: err}
			}
			client, err := sshtransport.Dial(sshtransport.Config{
				Host:       sc.Host,
				Port:       sc.Port,
				User:       sc.User,
				PrivateKey: keyBytes,
				Password:   sc.Password,
			})
			if err != nil {
				return &autoerr.TransportOpen{Transport: "ssh", Reason: err}
			}
			gt, err := sshtransport.OpenGlobal(client, sc.ShellCmd, 30*time.Second)
			if err != nil {
				client.Close()
				return &autoerr.TransportOpen{Transport: "ssh", Reason: err}
			}
			w := session.NewWorker("ssh", gt, logger.WithPrefix(d.logf, "ssh"))
			mu.Lock()
			sshW = w
			sshClient = client
			mu.Unlock()
			return nil
		})
	}

	if vc := d.cfg.VNC; vc != nil {
		g.Go(func() error {
			w, err := vnctransport.Connect(vnctransport.Config{
				Host:     vc.Host,
				Port:     vc.Port,
				Password: vc.Password,
			})
			if err != nil {
				return &autoerr.TransportOpen{Transport: "vnc", Reason: err}
			}
			mu.Lock()
			vncW = w
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Roll back whatever did open.
		if serialW != nil {
			serialW.Close()
		}
		if sshW != nil {
			sshW.Close()
		}
		if sshClient != nil {
			sshClient.Close()
		}
		if vncW != nil {
			vncW.Close()
		}
		return err
	}

	d.mu.Lock()
	d.serial = serialW
	d.sshWorker = sshW
	d.sshClient = sshClient
	d.vnc = vncW
	if vncW != nil {
		d.matcher = screen.NewMatcher(vncW)
	}
	d.state = Running
	d.mu.Unlock()
	return nil
}

// Stop closes every worker (stopping its mailbox loop and closing its
// transport) and waits for those Close calls before flipping to Stopped. It
// does not wait for the workers' read loops themselves to return.
func (d *Driver) Stop() error {
	d.mu.Lock()
	if d.state != Running && d.state != Stopping {
		state := d.state
		d.mu.Unlock()
		return &autoerr.InvalidState{Op: "stop", State: state.String()}
	}
	d.state = Stopping
	serialW, sshW, vncW, sshClient, matcher := d.serial, d.sshWorker, d.vnc, d.sshClient, d.matcher
	d.mu.Unlock()

	var wg sync.WaitGroup
	if serialW != nil {
		wg.Add(1)
		go func() { defer wg.Done(); serialW.Close() }()
	}
	if sshW != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sshW.Close()
			if sshClient != nil {
				sshClient.Close()
			}
		}()
	}
	if vncW != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if matcher != nil {
				matcher.Close()
			}
			vncW.Close()
		}()
	}
	wg.Wait()

	d.mu.Lock()
	d.state = Stopped
	d.mu.Unlock()
	return nil
}

// fatalIfLost transitions Running to Stopping. Workers do not call it
// themselves: ScriptRun and AssertScriptRun invoke it when their operation
// returns SessionLost, so the Driver doesn't stay marked Running against a
// half-dead session set. Other operations that return SessionLost leave the
// state unchanged.
func (d *Driver) fatalIfLost() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Running {
		d.state = Stopping
	}
}

// --- generic operations ---

// Sleep yields for secs seconds without touching any session.
func (d *Driver) Sleep(secs float64) {
	time.Sleep(time.Duration(secs * float64(time.Second)))
}

// GetEnv returns the configured env mapping's value, or ("", false).
func (d *Driver) GetEnv(key string) (string, bool) {
	v, ok := d.cfg.Env[key]
	return v, ok
}

func (d *Driver) pickGeneric() (*session.Worker, string, error) {
	if d.cfg.Serial != nil {
		return d.serial, "serial", nil
	}
	if d.cfg.SSH != nil {
		return d.sshWorker, "ssh", nil
	}
	return nil, "", &autoerr.NotConfigured{Transport: "serial-or-ssh"}
}

func shellOptsFor(which string, cfg *config.Config) session.ShellOptions {
	switch which {
	case "serial":
		return session.ShellOptions{Linebreak: cfg.Serial.Linebreak, DisableEcho: cfg.Serial.DisableEcho}
	case "ssh":
		return session.ShellOptions{Linebreak: cfg.SSH.Linebreak, DisableEcho: cfg.SSH.DisableEcho}
	default:
		return session.ShellOptions{}
	}
}

// ScriptRun runs cmd on the precedence-chosen worker (serial if configured,
// else SSH) and returns its stdout regardless of exit code.
func (d *Driver) ScriptRun(cmd string, timeout time.Duration) (string, error) {
	if err := d.requireState("script_run", Running); err != nil {
		return "", err
	}
	w, which, err := d.pickGeneric()
	if err != nil {
		return "", err
	}
	stdout, _, err := w.RunShellCommand(cmd, timeout, shellOptsFor(which, d.cfg))
	if _, lost := err.(*autoerr.SessionLost); lost {
		d.fatalIfLost()
	}
	return stdout, err
}

// AssertScriptRun is ScriptRun plus a non-zero exit code check.
func (d *Driver) AssertScriptRun(cmd string, timeout time.Duration) (string, error) {
	if err := d.requireState("assert_script_run", Running); err != nil {
		return "", err
	}
	w, which, err := d.pickGeneric()
	if err != nil {
		return "", err
	}
	stdout, code, err := w.RunShellCommand(cmd, timeout, shellOptsFor(which, d.cfg))
	if err != nil {
		if _, lost := err.(*autoerr.SessionLost); lost {
			d.fatalIfLost()
		}
		return "", err
	}
	if code != 0 {
		return "", &autoerr.ScriptFailed{Code: code, Stdout: stdout}
	}
	return stdout, nil
}

// Write sends s verbatim to the precedence-chosen worker.
func (d *Driver) Write(s string) error {
	if err := d.requireState("write", Running); err != nil {
		return err
	}
	w, which, err := d.pickGeneric()
	if err != nil {
		return err
	}
	return writeTranslated(w, which, d.cfg, s)
}

// Writeln is Write with a trailing newline.
func (d *Driver) Writeln(s string) error { return d.Write(s + "\n") }

func writeTranslated(w *session.Worker, which string, cfg *config.Config, s string) error {
	b := []byte(s)
	if which == "serial" && cfg.Serial != nil {
		b = serialtransport.TranslateLinebreak(b, cfg.Serial.Linebreak)
	}
	return w.Write(b)
}

// WaitStringNTimes blocks until pattern occurs n times after registration,
// or timeout elapses.
func (d *Driver) WaitStringNTimes(pattern string, n int, timeout time.Duration) bool {
	if d.State() != Running {
		return false
	}
	w, _, err := d.pickGeneric()
	if err != nil || w == nil {
		return false
	}
	_, found := w.WaitPattern([]byte(pattern), n, timeout)
	return found
}

// AssertWaitStringNTimes is WaitStringNTimes but raises Timeout.
func (d *Driver) AssertWaitStringNTimes(pattern string, n int, timeout time.Duration) error {
	if !d.WaitStringNTimes(pattern, n, timeout) {
		return &autoerr.Timeout{Op: "wait_string_ntimes"}
	}
	return nil
}

// --- ssh-qualified operations ---

func (d *Driver) SSHScriptRun(cmd string, timeout time.Duration) (string, error) {
	if err := d.requireState("ssh_script_run", Running); err != nil {
		return "", err
	}
	if d.sshWorker == nil {
		return "", &autoerr.NotConfigured{Transport: "ssh"}
	}
	stdout, _, err := d.sshWorker.RunShellCommand(cmd, timeout, shellOptsFor("ssh", d.cfg))
	return stdout, err
}

func (d *Driver) SSHAssertScriptRun(cmd string, timeout time.Duration) (string, error) {
	if err := d.requireState("ssh_assert_script_run", Running); err != nil {
		return "", err
	}
	if d.sshWorker == nil {
		return "", &autoerr.NotConfigured{Transport: "ssh"}
	}
	stdout, code, err := d.sshWorker.RunShellCommand(cmd, timeout, shellOptsFor("ssh", d.cfg))
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &autoerr.ScriptFailed{Code: code, Stdout: stdout}
	}
	return stdout, nil
}

func (d *Driver) SSHWrite(s string) error {
	if err := d.requireState("ssh_write", Running); err != nil {
		return err
	}
	if d.sshWorker == nil {
		return &autoerr.NotConfigured{Transport: "ssh"}
	}
	return d.sshWorker.Write([]byte(s))
}

// SSHAssertScriptRunSeperate opens a fresh SSH channel for cmd.
func (d *Driver) SSHAssertScriptRunSeperate(cmd string, timeout time.Duration) (string, error) {
	if err := d.requireState("ssh_assert_script_run_seperate", Running); err != nil {
		return "", err
	}
	if d.sshClient == nil {
		return "", &autoerr.NotConfigured{Transport: "ssh"}
	}
	res, err := sshtransport.SeparateRun(context.Background(), d.sshClient, cmd, timeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &autoerr.ScriptFailed{Code: res.ExitCode, Stdout: res.Stdout}
	}
	return res.Stdout, nil
}

// --- serial-qualified operations ---

func (d *Driver) SerialScriptRun(cmd string, timeout time.Duration) (string, error) {
	if err := d.requireState("serial_script_run", Running); err != nil {
		return "", err
	}
	if d.serial == nil {
		return "", &autoerr.NotConfigured{Transport: "serial"}
	}
	stdout, _, err := d.serial.RunShellCommand(cmd, timeout, shellOptsFor("serial", d.cfg))
	return stdout, err
}

func (d *Driver) SerialAssertScriptRun(cmd string, timeout time.Duration) (string, error) {
	if err := d.requireState("serial_assert_script_run", Running); err != nil {
		return "", err
	}
	if d.serial == nil {
		return "", &autoerr.NotConfigured{Transport: "serial"}
	}
	stdout, code, err := d.serial.RunShellCommand(cmd, timeout, shellOptsFor("serial", d.cfg))
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &autoerr.ScriptFailed{Code: code, Stdout: stdout}
	}
	return stdout, nil
}

func (d *Driver) SerialWrite(s string) error {
	if err := d.requireState("serial_write", Running); err != nil {
		return err
	}
	if d.serial == nil {
		return &autoerr.NotConfigured{Transport: "serial"}
	}
	return writeTranslated(d.serial, "serial", d.cfg, s)
}

// --- vnc operations ---

func (d *Driver) AssertScreen(tag string, timeout time.Duration) error {
	if err := d.requireState("assert_screen", Running); err != nil {
		return err
	}
	if d.vnc == nil {
		return &autoerr.NotConfigured{Transport: "vnc"}
	}
	ref, err := screen.Load(filepath.Join(d.cfg.LogDir, "needles"), tag)
	if err != nil {
		return err
	}
	return d.matcher.AssertScreen(ref, timeout)
}

func (d *Driver) CheckScreen(tag string, timeout time.Duration) (bool, error) {
	if err := d.requireState("check_screen", Running); err != nil {
		return false, err
	}
	if d.vnc == nil {
		return false, &autoerr.NotConfigured{Transport: "vnc"}
	}
	ref, err := screen.Load(filepath.Join(d.cfg.LogDir, "needles"), tag)
	if err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)
	for {
		_, ok, err := d.matcher.CheckScreen(ref)
		if err != nil {
			return false, err
		}
		if ok || time.Now().After(deadline) {
			return ok, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (d *Driver) VNCTypeString(s string) error {
	if err := d.requireState("vnc_type_string", Running); err != nil {
		return err
	}
	if d.vnc == nil {
		return &autoerr.NotConfigured{Transport: "vnc"}
	}
	return d.vnc.TypeString(s)
}

func (d *Driver) VNCSendKey(keysym uint32) error {
	if err := d.requireState("vnc_send_key", Running); err != nil {
		return err
	}
	if d.vnc == nil {
		return &autoerr.NotConfigured{Transport: "vnc"}
	}
	return d.vnc.SendKey(keysym)
}

func (d *Driver) VNCRefresh() error {
	if err := d.requireState("vnc_refresh", Running); err != nil {
		return err
	}
	if d.vnc == nil {
		return &autoerr.NotConfigured{Transport: "vnc"}
	}
	return d.vnc.Refresh()
}

func (d *Driver) MouseClick(x, y int) error {
	return d.vncCall("mouse_click", func() error { return d.vnc.MouseClick(x, y) })
}

func (d *Driver) MouseRClick(x, y int) error {
	return d.vncCall("mouse_rclick", func() error { return d.vnc.MouseRClick(x, y) })
}

func (d *Driver) MouseKeyDown(x, y int) error {
	return d.vncCall("mouse_keydown", func() error { return d.vnc.MouseDown(x, y) })
}

func (d *Driver) MouseKeyUp(x, y int) error {
	return d.vncCall("mouse_keyup", func() error { return d.vnc.MouseUp(x, y) })
}

func (d *Driver) MouseMove(x, y int) error {
	return d.vncCall("mouse_move", func() error { return d.vnc.MouseMove(x, y) })
}

func (d *Driver) MouseHide() error {
	return d.vncCall("mouse_hide", func() error { return d.vnc.MouseHide() })
}

func (d *Driver) vncCall(op string, fn func() error) error {
	if err := d.requireState(op, Running); err != nil {
		return err
	}
	if d.vnc == nil {
		return &autoerr.NotConfigured{Transport: "vnc"}
	}
	return fn()
}

// DumpLog writes <log_dir>/serial.log, <log_dir>/ssh.log, and
// <log_dir>/screen/*.png from retained histories and frame snapshots. Only
// valid in Stopped.
func (d *Driver) DumpLog() error {
	d.mu.Lock()
	state := d.state
	serialW, sshW, vncW := d.serial, d.sshWorker, d.vnc
	d.mu.Unlock()
	if state != Stopped {
		return &autoerr.InvalidState{Op: "dump_log", State: state.String()}
	}

	if serialW != nil {
		if err := dumpHistory(filepath.Join(d.cfg.LogDir, "serial.log"), serialW); err != nil {
			return err
		}
	}
	if sshW != nil {
		if err := dumpHistory(filepath.Join(d.cfg.LogDir, "ssh.log"), sshW); err != nil {
			return err
		}
	}
	if vncW != nil {
		screenDir := filepath.Join(d.cfg.LogDir, "screen")
		if err := os.MkdirAll(screenDir, 0o755); err != nil {
			return &autoerr.IO{Reason: err}
		}
		frame, gen := vncW.SnapshotFrame()
		name := filepath.Join(screenDir, fmt.Sprintf("gen-%d.png", gen))
		f, err := os.Create(name)
		if err != nil {
			return &autoerr.IO{Reason: err}
		}
		defer f.Close()
		if err := png.Encode(f, frame); err != nil {
			return &autoerr.IO{Reason: err}
		}
	}
	return nil
}

func dumpHistory(path string, w *session.Worker) error {
	b := w.History().Since(0)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return &autoerr.IO{Reason: err}
	}
	return nil
}

// SaveNeedle writes tag's PNG and JSON sidecar into <log_dir>/needles, used
// by the `record` CLI subcommand to capture a new reference image.
func (d *Driver) SaveNeedle(tag string, side screen.Sidecar) error {
	if d.vnc == nil {
		return &autoerr.NotConfigured{Transport: "vnc"}
	}
	dir := filepath.Join(d.cfg.LogDir, "needles")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &autoerr.IO{Reason: err}
	}
	frame, _ := d.vnc.SnapshotFrame()
	f, err := os.Create(filepath.Join(dir, tag+".png"))
	if err != nil {
		return &autoerr.IO{Reason: err}
	}
	defer f.Close()
	if err := png.Encode(f, frame); err != nil {
		return &autoerr.IO{Reason: err}
	}
	data, err := json.MarshalIndent(side, "", "  ")
	if err != nil {
		return &autoerr.IO{Reason: err}
	}
	return os.WriteFile(filepath.Join(dir, tag+".json"), data, 0o644)
}
