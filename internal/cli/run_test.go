package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/calvinalkan/cuckoo/internal/cli"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func Test_Run_Prints_Usage_When_No_Command_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun()

	cli.AssertContains(t, stdout, "Usage: cuckooctl")

	for _, name := range []string{"stats", "get <key>", "put <key> <value>", "reset", "defrag", "snapshot <file>", "bench", "repl", "print-config", "destroy"} {
		cli.AssertContains(t, stdout, name)
	}
}

func Test_Run_Prints_Usage_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("--help")

	cli.AssertContains(t, stdout, "--segment")
	cli.AssertContains(t, stdout, "Commands:")
}

func Test_Run_Fails_When_Command_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
}

func Test_Run_Fails_When_Global_Flag_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--nope", "stats")

	cli.AssertContains(t, stderr, "unknown flag")
}

func Test_Run_Fails_When_Config_Is_Invalid(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeFile(t, filepath.Join(c.Dir, ".cuckoo.json"), `{"chunk_size": 12}`)

	stderr := c.MustFail("stats")
	cli.AssertContains(t, stderr, "invalid config")
}

func Test_Command_Prints_Help_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("put", "--help")

	cli.AssertContains(t, stdout, "Usage: cuckooctl put <key> <value>")
	cli.AssertContains(t, stdout, "--priority")
	cli.AssertContains(t, stdout, "--ttl")
}

func Test_Command_Fails_With_Help_When_Flag_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	_, stderr, code := c.Run("get", "--bogus", "k")

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	cli.AssertContains(t, stderr, "error: unknown flag: --bogus")
}

func Test_Run_Writes_Logs_To_File_When_Log_File_Configured(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeFile(t, filepath.Join(c.Dir, ".cuckoo.json"), `{"log_level": "info", "log_file": "logs/cuckoo.log", "log_format": "json"}`)

	_, stderr, code := c.Run("stats")
	if code != 0 {
		t.Fatalf("stats failed: %s", stderr)
	}

	data, err := os.ReadFile(filepath.Join(c.Dir, "logs", "cuckoo.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	cli.AssertContains(t, string(data), `"msg":"created segment"`)
	cli.AssertNotContains(t, stderr, "created segment")
}

func Test_Run_Cancels_Command_When_Signal_Received(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGTERM

	var out, errOut bytes.Buffer

	args := []string{"cuckooctl", "--cwd", dir, "--dir", filepath.Join(dir, "shm"), "bench", "--workers", "2", "--ops", "5000000"}
	code := cli.Run(strings.NewReader(""), &out, &errOut, args, map[string]string{}, sigCh)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1\nstdout: %s", code, out.String())
	}

	cli.AssertContains(t, errOut.String(), "context canceled")
}
