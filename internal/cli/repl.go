package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

const replPrompt = "cuckoo> "

var replCommands = []string{"get", "put", "stats", "defrag", "help", "exit", "quit"}

// prompter reads one line of input per call. [liner.State] satisfies it.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanPrompter reads lines from a non-terminal reader.
type scanPrompter struct {
	sc *bufio.Scanner
}

func (p *scanPrompter) Prompt(string) (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return p.sc.Text(), nil
}

func (*scanPrompter) AppendHistory(string) {}

func (*scanPrompter) Close() error { return nil }

// ReplCmd returns the repl command.
func ReplCmd(store *cuckoo.Store, env map[string]string) *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Interactive prompt for get, put and stats",
		Long: `Start an interactive prompt. Commands:
  get <key>                          print a payload
  put <key> <value> [ttl] [priority] store a value (ttl defaults to 3600)
  stats                              segment summary
  defrag                             reclaim dead trailing space
  help                               this list
  exit                               leave`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return argError("repl")
			}

			r := &repl{store: store, io: o, history: historyFile(env)}

			return r.run(ctx)
		},
	}
}

type repl struct {
	store   *cuckoo.Store
	io      *IO
	history string
	line    prompter
}

// historyFile returns the path to the history file, or "" without a home.
func historyFile(env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".cuckooctl_history")
}

func (r *repl) open() {
	f, ok := r.io.In().(*os.File)
	if !ok || f != os.Stdin {
		r.line = &scanPrompter{sc: bufio.NewScanner(r.io.In())}

		return
	}

	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range replCommands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}

		return out
	})

	if r.history != "" {
		if hf, err := os.Open(r.history); err == nil {
			_, _ = state.ReadHistory(hf)
			_ = hf.Close()
		}
	}

	r.line = state
}

func (r *repl) saveHistory() {
	state, ok := r.line.(*liner.State)
	if !ok || r.history == "" {
		return
	}

	if hf, err := os.Create(r.history); err == nil {
		_, _ = state.WriteHistory(hf)
		_ = hf.Close()
	}
}

func (r *repl) run(ctx context.Context) error {
	if r.io.In() == nil {
		return fmt.Errorf("%w: repl needs stdin", errUsage)
	}

	r.open()
	defer func() { _ = r.line.Close() }()
	defer r.saveHistory()

	for ctx.Err() == nil {
		input, err := r.line.Prompt(replPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		r.line.AppendHistory(input)

		if !r.exec(strings.Fields(input)) {
			return nil
		}
	}

	return nil
}

// exec runs one line and reports whether the loop should continue. Command
// errors are printed and do not end the session.
func (r *repl) exec(fields []string) bool {
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return false
	case "help", "?":
		r.io.Println("commands: " + strings.Join(replCommands, ", "))
	case "get":
		if len(args) != 1 {
			err = argError("get <key>")

			break
		}

		err = execGet(r.io, r.store, args[0], false)
	case "put":
		err = r.put(args)
	case "stats":
		err = execStats(r.io, r.store)
	case "defrag":
		var fp uint32

		fp, err = r.store.Defragment()
		if err == nil {
			r.io.Printf("free_pointer=%d\n", fp)
		}
	default:
		err = fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}

	if err != nil {
		r.io.Println("error:", err)
	}

	return true
}

func (r *repl) put(args []string) error {
	if len(args) < 2 || len(args) > 4 {
		return argError("put <key> <value> [ttl] [priority]")
	}

	ttl := defaultTTL

	if len(args) >= 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("ttl: %w", err)
		}

		ttl = n
	}

	p := cuckoo.PriorityLow

	if len(args) == 4 {
		var err error

		p, err = cuckoo.ParsePriority(args[3])
		if err != nil {
			return err
		}
	}

	return execPut(r.io, r.store, args[0], args[1], ttl, p)
}
