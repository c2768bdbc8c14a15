// Package cli implements cuckooctl, the operator tool for shared cuckoo
// segments.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/cuckoo/internal/config"
	"github.com/calvinalkan/cuckoo/internal/logging"
	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. The first signal cancels the running command's context.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("cuckooctl", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	segment := globals.String("segment", "", "Override the segment id")
	dir := globals.String("dir", "", "Override the segment directory")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	cfg, err := config.Load(config.Input{
		WorkDirOverride:   *workDir,
		ConfigPath:        *configPath,
		SegmentIDOverride: *segment,
		DirOverride:       *dir,
		Env:               env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger, logCloser, err := logging.New(cfg.LogOptions(), errOut)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = logCloser.Close() }()

	opts := cfg.StoreOptions()
	opts.Logger = logger

	store, err := cuckoo.New(opts)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() {
		closeErr := store.Close()
		if closeErr != nil && !errors.Is(closeErr, cuckoo.ErrClosed) {
			logger.Warn("close store", zap.Error(closeErr))
		}
	}()

	commands := []*Command{
		StatsCmd(store),
		GetCmd(store),
		PutCmd(store),
		ResetCmd(store),
		DefragCmd(store),
		SnapshotCmd(store),
		BenchCmd(opts),
		ReplCmd(store, env),
		PrintConfigCmd(&cfg),
		DestroyCmd(store),
	}

	rest := globals.Args()
	if *help || len(rest) == 0 {
		printUsage(out, globals, commands)

		return 0
	}

	var cmd *Command

	for _, c := range commands {
		if c.Name() == rest[0] {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, globals, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	logger.Debug("run command", zap.String("command", cmd.Name()), zap.String("segment", cfg.SegmentID))

	return cmd.Run(ctx, NewIO(in, out, errOut), rest[1:])
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	fprintln(w, `cuckooctl - inspect and operate shared cuckoo segments

Usage: cuckooctl [options] <command> [args]

Options:`)

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	if len(commands) == 0 {
		return
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}
}

// argError reports a wrong number of positional arguments.
func argError(usage string) error {
	return fmt.Errorf("%w: usage: cuckooctl %s", errUsage, usage)
}

var errUsage = errors.New("invalid arguments")
