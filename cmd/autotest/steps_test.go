package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autotest-dev/autotest/internal/autoerr"
	"github.com/autotest-dev/autotest/internal/config"
	"github.com/autotest-dev/autotest/internal/driver"
)

func TestLoadStepsEmptyPath(t *testing.T) {
	steps, err := loadSteps("")
	if err != nil || steps != nil {
		t.Fatalf("loadSteps(\"\") = %v, %v, want nil, nil", steps, err)
	}
}

func TestLoadStepsParsesArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.toml")
	body := `
[[steps]]
op = "write"
arg = "ls\n"

[[steps]]
op = "assert_wait_string_ntimes"
arg = "READY"
n = 1
timeout = 5.0
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp steps file: %v", err)
	}

	steps, err := loadSteps(path)
	if err != nil {
		t.Fatalf("loadSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Op != "write" || steps[0].Arg != "ls\n" {
		t.Errorf("steps[0] = %+v", steps[0])
	}
	if steps[1].Op != "assert_wait_string_ntimes" || steps[1].N != 1 || steps[1].Timeout != 5.0 {
		t.Errorf("steps[1] = %+v", steps[1])
	}
}

func TestLoadStepsInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(path, []byte("this is not [ valid toml"), 0o644); err != nil {
		t.Fatalf("writing temp steps file: %v", err)
	}
	if _, err := loadSteps(path); err == nil {
		t.Fatal("expected an error parsing invalid TOML")
	}
}

// newBuildingDriver returns a Driver that has never had Start called on it,
// so every operation requiring Running fails fast with InvalidState instead
// of needing a live transport.
func newBuildingDriver() *driver.Driver {
	return driver.New(&config.Config{}, nil)
}

func TestExecStepSleepDoesNotRequireRunning(t *testing.T) {
	d := newBuildingDriver()
	start := time.Now()
	if err := execStep(d, Step{Op: "sleep", Timeout: 0.01}); err != nil {
		t.Fatalf("sleep step returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("sleep step returned after %v, want >= 10ms", elapsed)
	}
}

func TestExecStepUnknownOp(t *testing.T) {
	d := newBuildingDriver()
	err := execStep(d, Step{Op: "not_a_real_op"})
	if err == nil {
		t.Fatal("expected an error for an unknown op")
	}
}

func TestExecStepDispatchesToDriverAndPropagatesInvalidState(t *testing.T) {
	d := newBuildingDriver()
	ops := []string{
		"write",
		"writeln",
		"script_run",
		"assert_script_run",
		"ssh_assert_script_run",
		"serial_assert_script_run",
		"assert_screen",
		"check_screen",
		"vnc_type_string",
		"vnc_refresh",
	}
	for _, op := range ops {
		err := execStep(d, Step{Op: op, Arg: "x", Timeout: 0.01})
		var invalid *autoerr.InvalidState
		if !errors.As(err, &invalid) {
			t.Errorf("op %q: err = %v, want *autoerr.InvalidState (driver never started)", op, err)
		}
	}
}

func TestExecStepWaitStringNTimesIgnoresNotRunning(t *testing.T) {
	d := newBuildingDriver()
	// WaitStringNTimes reports false rather than erroring when the driver
	// isn't Running; execStep's wait_string_ntimes case discards that bool.
	if err := execStep(d, Step{Op: "wait_string_ntimes", Arg: "x", N: 1, Timeout: 0.01}); err != nil {
		t.Fatalf("wait_string_ntimes step returned error: %v", err)
	}
}

func TestExecStepAssertWaitStringNTimesTimesOutWhenNotRunning(t *testing.T) {
	d := newBuildingDriver()
	err := execStep(d, Step{Op: "assert_wait_string_ntimes", Arg: "x", N: 1, Timeout: 0.01})
	var timeoutErr *autoerr.Timeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *autoerr.Timeout", err)
	}
}
