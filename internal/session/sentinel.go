package session

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/autotest-dev/autotest/internal/autoerr"
)

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newNonce returns a random alphanumeric string of length n, used to derive
// the two sentinel markers bracketing a command's output. n is expected to
// be 8-16; crypto/rand makes collision with user output astronomically
// unlikely without needing a dedicated nonce library.
func newNonce(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(out), nil
}

// ShellOptions configures how RunShellCommand talks to the tty underneath
// a given worker.
type ShellOptions struct {
	Linebreak   string // default "\n", translated from a caller's "\n"
	DisableEcho bool   // if false, the first echoed line of output is stripped
}

// RunShellCommand implements the sentinel protocol against w's
// global session. It runs the protocol as a job through w.submit so that at
// most one RunShellCommand is ever in flight on this worker at a time.
func (w *Worker) RunShellCommand(cmd string, timeout time.Duration, opts ShellOptions) (stdout string, exitCode int, err error) {
	val, err := w.submit(func() (interface{}, error) {
		out, code, rerr := w.runSentinel(cmd, timeout, opts)
		return shellResult{out, code}, rerr
	})
	if err != nil {
		return "", 0, err
	}
	res := val.(shellResult)
	return res.stdout, res.exitCode, nil
}

type shellResult struct {
	stdout   string
	exitCode int
}

func (w *Worker) runSentinel(cmd string, timeout time.Duration, opts ShellOptions) (string, int, error) {
	linebreak := opts.Linebreak
	if linebreak == "" {
		linebreak = "\n"
	}

	nonce, err := newNonce(12)
	if err != nil {
		return "", 0, fmt.Errorf("generating sentinel nonce: %w", err)
	}
	beg := fmt.Sprintf("__AUTOTEST_%s_BEG__", nonce)
	end := fmt.Sprintf("__AUTOTEST_%s_END__", nonce)

	startOff := w.hist.Len()

	payload := cmd + linebreak + fmt.Sprintf("echo %s$?_end%s", beg, end) + linebreak
	if _, werr := w.transport.Write([]byte(payload)); werr != nil {
		return "", 0, werr
	}

	deadline := time.Now().Add(timeout)
	endOff, found := w.hist.WaitFrom([]byte(end), 1, startOff, deadline)
	if !found {
		return "", 0, &autoerr.Timeout{Op: "script_run"}
	}

	begIdx := w.hist.LastIndexFrom([]byte(beg), startOff, endOff+len(end))
	if begIdx < 0 {
		return "", 0, &autoerr.Protocol{Detail: "sentinel begin marker not found"}
	}

	stdoutRaw := w.hist.Range(startOff, begIdx)
	statusRaw := w.hist.Range(begIdx+len(beg), endOff)

	statusLit := strings.TrimSuffix(string(statusRaw), "_end")
	code, perr := strconv.Atoi(strings.TrimSpace(statusLit))
	if perr != nil {
		return "", 0, &autoerr.Protocol{Detail: fmt.Sprintf("exit status %q does not parse as int: %v", statusLit, perr)}
	}

	stdout := cleanStdout(string(stdoutRaw), cmd, opts.DisableEcho)
	return stdout, code, nil
}

// cleanStdout strips the echoed command line (unless the tty doesn't echo),
// drops a leading blank line left by the echoed newline, and normalizes
// line endings.
func cleanStdout(raw, cmd string, disableEcho bool) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	lines := strings.Split(raw, "\n")

	if !disableEcho && len(lines) > 0 && strings.Contains(lines[0], strings.TrimSpace(cmd)) {
		lines = lines[1:]
	}

	// Drop a single leading blank line left by the echoed newline.
	if len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}

	out := strings.Join(lines, "\n")
	return out
}
