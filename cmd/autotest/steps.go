package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/autotest-dev/autotest/internal/driver"
)

// Step is one entry of a `[[steps]]` TOML array — a deliberately thin
// stand-in for the embedded script-language bindings a full test author
// surface would use, not a script engine in its own right.
type Step struct {
	Op      string  `toml:"op"`
	Arg     string  `toml:"arg"`
	N       int     `toml:"n"`
	Timeout float64 `toml:"timeout"`
}

type stepsFile struct {
	Steps []Step `toml:"steps"`
}

func loadSteps(path string) ([]Step, error) {
	if path == "" {
		return nil, nil
	}
	var sf stepsFile
	if _, err := toml.DecodeFile(path, &sf); err != nil {
		return nil, fmt.Errorf("parsing steps file %s: %w", path, err)
	}
	return sf.Steps, nil
}

func execStep(d *driver.Driver, s Step) error {
	timeout := time.Duration(s.Timeout * float64(time.Second))
	switch s.Op {
	case "sleep":
		d.Sleep(s.Timeout)
		return nil
	case "write":
		return d.Write(s.Arg)
	case "writeln":
		return d.Writeln(s.Arg)
	case "script_run":
		_, err := d.ScriptRun(s.Arg, timeout)
		return err
	case "assert_script_run":
		_, err := d.AssertScriptRun(s.Arg, timeout)
		return err
	case "ssh_assert_script_run":
		_, err := d.SSHAssertScriptRun(s.Arg, timeout)
		return err
	case "serial_assert_script_run":
		_, err := d.SerialAssertScriptRun(s.Arg, timeout)
		return err
	case "wait_string_ntimes":
		d.WaitStringNTimes(s.Arg, s.N, timeout)
		return nil
	case "assert_wait_string_ntimes":
		return d.AssertWaitStringNTimes(s.Arg, s.N, timeout)
	case "assert_screen":
		return d.AssertScreen(s.Arg, timeout)
	case "check_screen":
		_, err := d.CheckScreen(s.Arg, timeout)
		return err
	case "vnc_type_string":
		return d.VNCTypeString(s.Arg)
	case "vnc_refresh":
		return d.VNCRefresh()
	default:
		return fmt.Errorf("unknown step op %q", s.Op)
	}
}
