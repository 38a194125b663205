// Command autotest is the CLI front end for the driver runtime: it loads a
// TOML config, builds a Driver, and runs a flat list of steps against it.
// Subcommand wiring follows the usual github.com/peterbourgon/ff/v2/ffcli
// shape: one *ffcli.Command per verb, each owning its own flag.FlagSet and
// Exec func.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/peterbourgon/ff/v2/ffcli"

	"github.com/autotest-dev/autotest/internal/config"
	"github.com/autotest-dev/autotest/internal/driver"
	"github.com/autotest-dev/autotest/internal/logger"
	"github.com/autotest-dev/autotest/internal/screen"
)

func main() {
	if err := newRootCmd().ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "autotest:", err)
		os.Exit(1)
	}
}

func newRootCmd() *ffcli.Command {
	return &ffcli.Command{
		Name:       "autotest",
		ShortUsage: "autotest <subcommand> --config <path.toml> [flags]",
		ShortHelp:  "Drive a system under test over serial, SSH, and VNC",
		Subcommands: []*ffcli.Command{
			newRunCmd(),
			newRecordCmd(),
			newVNCDoCmd(),
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}
}

// --- run ---

type runArgs struct {
	configPath string
	scriptPath string
}

func newRunCmd() *ffcli.Command {
	var args runArgs
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&args.configPath, "config", "", "path to the driver's TOML config")
	fs.StringVar(&args.scriptPath, "script", "", "path to a [[steps]] TOML script")
	return &ffcli.Command{
		Name:       "run",
		ShortUsage: "autotest run --config <path.toml> --script <steps.toml>",
		ShortHelp:  "Run a flat list of steps against a driven SUT",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			return runRun(args)
		},
	}
}

func runRun(args runArgs) error {
	if args.configPath == "" {
		return fmt.Errorf("run: --config is required")
	}
	cfg, err := config.Load(args.configPath)
	if err != nil {
		return err
	}
	steps, err := loadSteps(args.scriptPath)
	if err != nil {
		return err
	}

	d := driver.New(cfg, logger.Timestamped(os.Stdout))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting driver: %w", err)
	}
	defer d.Stop()

	for i, step := range steps {
		if err := execStep(d, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}
	return nil
}

// --- record ---

type recordArgs struct {
	configPath string
	tag        string
}

func newRecordCmd() *ffcli.Command {
	var args recordArgs
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	fs.StringVar(&args.configPath, "config", "", "path to the driver's TOML config")
	fs.StringVar(&args.tag, "tag", "", "reference image tag to save under <log_dir>/needles")
	return &ffcli.Command{
		Name:       "record",
		ShortUsage: "autotest record --config <path.toml> --tag <name>",
		ShortHelp:  "Snapshot the live VNC framebuffer as a new reference image",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			return runRecord(args)
		},
	}
}

func runRecord(args recordArgs) error {
	if args.configPath == "" || args.tag == "" {
		return fmt.Errorf("record: --config and --tag are required")
	}
	cfg, err := config.Load(args.configPath)
	if err != nil {
		return err
	}
	d := driver.New(cfg, logger.Timestamped(os.Stdout))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting driver: %w", err)
	}
	defer d.Stop()
	return d.SaveNeedle(args.tag, screen.Sidecar{Threshold: screen.DefaultThreshold})
}

// --- vnc-do ---

type vncDoArgs struct {
	configPath string
	typeText   string
	clickX     int
	clickY     int
}

func newVNCDoCmd() *ffcli.Command {
	var args vncDoArgs
	fs := flag.NewFlagSet("vnc-do", flag.ExitOnError)
	fs.StringVar(&args.configPath, "config", "", "path to the driver's TOML config")
	fs.StringVar(&args.typeText, "type", "", "text to type into the VNC console")
	fs.IntVar(&args.clickX, "click-x", -1, "x coordinate for a left click (-1 disables)")
	fs.IntVar(&args.clickY, "click-y", -1, "y coordinate for a left click (-1 disables)")
	return &ffcli.Command{
		Name:       "vnc-do",
		ShortUsage: "autotest vnc-do --config <path.toml> [--type <text>] [--click-x N --click-y N]",
		ShortHelp:  "Send one-off keyboard/mouse input to the VNC console",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			return runVNCDo(args)
		},
	}
}

func runVNCDo(args vncDoArgs) error {
	if args.configPath == "" {
		return fmt.Errorf("vnc-do: --config is required")
	}
	cfg, err := config.Load(args.configPath)
	if err != nil {
		return err
	}
	d := driver.New(cfg, logger.Timestamped(os.Stdout))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("starting driver: %w", err)
	}
	defer d.Stop()

	if args.typeText != "" {
		if err := d.VNCTypeString(args.typeText); err != nil {
			return err
		}
	}
	if args.clickX >= 0 && args.clickY >= 0 {
		if err := d.MouseClick(args.clickX, args.clickY); err != nil {
			return err
		}
	}
	return nil
}
