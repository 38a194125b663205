// Package sshtransport wires golang.org/x/crypto/ssh into the driver
// runtime the way a VM integration harness would (connect with ssh.Dial,
// drive the global interactive shell through goexpect), and adds the
// one-shot "separate channel" path, SeparateRun.
package sshtransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	expect "github.com/google/goexpect"
	"golang.org/x/crypto/ssh"
)

// Config mirrors the driver's `ssh` config section.
type Config struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte // PEM-encoded; takes precedence over Password if set
	Password   string
	ShellCmd   string // optional; empty means the remote's default shell
}

// Dial connects and authenticates, accepting whatever host key the server
// offers on first connect.
func Dial(cfg Config) (*ssh.Client, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	ccfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, ccfg)
	if err != nil {
		return nil, fmt.Errorf("dialing ssh %s: %w", addr, err)
	}
	return client, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
}

// GlobalTransport is the single long-lived interactive shell channel known
// as the "global session". It is spawned through goexpect
// (expect.SpawnSSH), the same way a VM integration harness would spawn a
// command batch over SSH, but here goexpect's own Expect/ExpectBatch
// machinery is unused — its Tee option is the only thing wired up, so that
// every byte goexpect reads off the channel is duplicated into an io.Pipe
// this transport exposes as a plain Read, letting it plug into
// session.Worker's generic read loop and history exactly like the serial
// transport does.
type GlobalTransport struct {
	exp    *expect.GExpect
	pr     *io.PipeReader
	pw     *io.PipeWriter
	closed chan struct{}
}

// OpenGlobal spawns the global shell session over client.
func OpenGlobal(client *ssh.Client, cmd string, startupTimeout time.Duration) (*GlobalTransport, error) {
	pr, pw := io.Pipe()
	opts := []expect.Option{expect.Tee(pw)}
	exp, _, err := expect.SpawnSSH(client, startupTimeout, opts...)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("spawning global ssh shell: %w", err)
	}
	if cmd != "" {
		if serr := exp.Send(cmd + "\n"); serr != nil {
			exp.Close()
			pw.Close()
			return nil, fmt.Errorf("starting configured shell command: %w", serr)
		}
	}
	return &GlobalTransport{exp: exp, pr: pr, pw: pw, closed: make(chan struct{})}, nil
}

func (t *GlobalTransport) Read(p []byte) (int, error) { return t.pr.Read(p) }

func (t *GlobalTransport) Write(p []byte) (int, error) {
	if err := t.exp.Send(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *GlobalTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	err := t.exp.Close()
	t.pw.Close()
	t.pr.Close()
	return err
}

// SeparateResult is the outcome of a one-shot SeparateRun.
type SeparateResult struct {
	Stdout   string
	ExitCode int
}

// SeparateRun opens a brand-new SSH channel, runs cmd non-interactively,
// and reports the exit status the channel itself reports at end-of-stream.
// Unlike the global session, a fresh channel's own exit status can be
// trusted directly, so this skips the sentinel protocol entirely.
func SeparateRun(ctx context.Context, client *ssh.Client, cmd string, timeout time.Duration) (SeparateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return SeparateResult{}, fmt.Errorf("opening separate ssh channel: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case runErr := <-done:
		return interpretExit(stdout.String(), runErr)
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return SeparateResult{}, fmt.Errorf("separate run timed out: %w", ctx.Err())
	}
}

func interpretExit(stdout string, err error) (SeparateResult, error) {
	if err == nil {
		return SeparateResult{Stdout: stdout, ExitCode: 0}, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return SeparateResult{Stdout: stdout, ExitCode: exitErr.ExitStatus()}, nil
	}
	return SeparateResult{}, err
}
