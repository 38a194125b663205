// Package serialtransport adapts github.com/daedaluz/goserial's *serial.Port
// to the session.Transport interface, and implements serial-specific
// behavior: linebreak translation and an optional auto-login sequence
// bounded by a startup timeout.
package serialtransport

import (
	"fmt"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/autotest-dev/autotest/internal/history"
)

// Config mirrors the driver's `serial` config section.
type Config struct {
	File         string // device path or pts
	BaudRate     int    // "bund_rate" in the config file, default 115200
	Linebreak    string // default "\n"
	DisableEcho  bool
	Username     string // optional auto-login
	Password     string
	LoginTimeout time.Duration
}

// Transport wraps an open serial port.
type Transport struct {
	port *serial.Port
}

// Open opens cfg.File in raw mode at cfg.BaudRate.
func Open(cfg Config) (*Transport, error) {
	opts := serial.NewOptions().SetReadTimeout(200 * time.Millisecond)
	port, err := serial.Open(cfg.File, opts)
	if err != nil {
		return nil, fmt.Errorf("opening serial device %s: %w", cfg.File, err)
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, fmt.Errorf("setting raw mode on %s: %w", cfg.File, err)
	}
	attrs, err := port.GetAttr()
	if err == nil {
		speed, ok := baudFlag(cfg.BaudRate)
		if ok {
			attrs.SetSpeed(speed)
			port.SetAttr(serial.TCSANOW, attrs)
		}
		if !cfg.DisableEcho {
			attrs.Lflag |= serial.ECHO
		} else {
			attrs.Lflag &^= serial.ECHO
		}
		port.SetAttr(serial.TCSANOW, attrs)
	}
	return &Transport{port: port}, nil
}

func baudFlag(rate int) (serial.CFlag, bool) {
	switch rate {
	case 0, 115200:
		return serial.B115200, true
	case 9600:
		return serial.B9600, true
	case 19200:
		return serial.B19200, true
	case 38400:
		return serial.B38400, true
	case 57600:
		return serial.B57600, true
	case 230400:
		return serial.B230400, true
	default:
		return 0, false
	}
}

func (t *Transport) Read(p []byte) (int, error)  { return t.port.Read(p) }
func (t *Transport) Write(p []byte) (int, error) { return t.port.Write(p) }
func (t *Transport) Close() error                { return t.port.Close() }

// AutoLogin writes username/password in response to "login:" and
// "Password:" prompts, bounded by timeout. It runs against the
// worker's own history so it observes the same bytes the read loop is
// appending.
func AutoLogin(hist *history.History, write func([]byte) error, username, password string, timeout time.Duration) error {
	if username == "" {
		return nil
	}
	deadline := time.Now().Add(timeout)

	if _, ok := hist.Wait([]byte("login:"), 1, deadline); !ok {
		return fmt.Errorf("auto-login: timed out waiting for login prompt")
	}
	// Capture the offset before writing so a prompt that lands while the
	// username is still being written is not missed.
	pwFrom := hist.Len()
	if err := write([]byte(username + "\n")); err != nil {
		return err
	}
	if _, ok := hist.WaitFrom([]byte("Password:"), 1, pwFrom, deadline); !ok {
		return fmt.Errorf("auto-login: timed out waiting for password prompt")
	}
	if err := write([]byte(password + "\n")); err != nil {
		return err
	}
	return nil
}

// TranslateLinebreak rewrites a trailing "\n" in b to the configured
// linebreak sequence.
func TranslateLinebreak(b []byte, linebreak string) []byte {
	if linebreak == "" || linebreak == "\n" {
		return b
	}
	if len(b) == 0 || b[len(b)-1] != '\n' {
		return b
	}
	out := make([]byte, 0, len(b)-1+len(linebreak))
	out = append(out, b[:len(b)-1]...)
	out = append(out, linebreak...)
	return out
}
