package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/cuckoo/internal/cli"
)

func Test_Put_Then_Get_Returns_Value_When_Key_Stored(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout := c.MustRun("put", "session:abc123", `{"user":42}`)
	cli.AssertContains(t, stdout, "stored session:abc123 (11 bytes, ttl 3600s, low)")

	got := c.MustRun("get", "session:abc123")
	if got != `{"user":42}` {
		t.Fatalf("get = %q", got)
	}
}

func Test_Get_Prints_Metadata_When_Meta_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("put", "--ttl", "120", "--priority", "high", "k", "value")

	stdout := c.MustRun("get", "--meta", "k")

	cli.AssertContains(t, stdout, "key=k")
	cli.AssertContains(t, stdout, "len=5")
	cli.AssertContains(t, stdout, "priority=high")
	cli.AssertContains(t, stdout, "expires_at=")
	cli.AssertNotContains(t, stdout, "value")
}

func Test_Get_Fails_When_Key_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("get", "nope")

	cli.AssertContains(t, stderr, "not found")
	cli.AssertContains(t, stderr, "nope")
}

func Test_Get_Fails_When_Args_Wrong(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("get")

	cli.AssertContains(t, stderr, "usage: cuckooctl get <key>")
}

func Test_Put_Reads_Value_From_Stdin_When_Value_Is_Dash(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	_, stderr, code := c.RunWithInput("from stdin", "put", "k", "-")
	if code != 0 {
		t.Fatalf("put failed: %s", stderr)
	}

	if got := c.MustRun("get", "k"); got != "from stdin" {
		t.Fatalf("get = %q", got)
	}
}

func Test_Put_Fails_When_Input_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "priority", args: []string{"put", "--priority", "urgent", "k", "v"}, want: "priority"},
		{name: "ttl", args: []string{"put", "--ttl", "0", "k", "v"}, want: "ttl must be > 0"},
		{name: "args", args: []string{"put", "k"}, want: "usage: cuckooctl put"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := cli.NewCLI(t)
			stderr := c.MustFail(tt.args...)

			cli.AssertContains(t, stderr, tt.want)
		})
	}
}

func Test_Put_Fails_When_Payload_Too_Large(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, stderr, code := c.RunWithInput(strings.Repeat("x", 70000), "put", "big", "-")
	if code == 0 {
		t.Fatalf("put succeeded: %s", stdout)
	}

	cli.AssertContains(t, stderr, "too large")
}

func Test_Stats_Counts_Live_Entries_When_Entries_Written(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("put", "a", "1")
	c.MustRun("put", "--priority", "permanent", "b", "2")

	stdout := c.MustRun("stats")

	cli.AssertContains(t, stdout, "path="+filepath.Join(c.ShmDir, "cuckoo.shm"))
	cli.AssertContains(t, stdout, "generation=1")
	cli.AssertContains(t, stdout, "slot_count=4096")
	cli.AssertContains(t, stdout, "live=2")
	cli.AssertContains(t, stdout, "live_low=1")
	cli.AssertContains(t, stdout, "live_permanent=1")
	cli.AssertContains(t, stdout, "invalid=0")
	cli.AssertNotContains(t, stdout, "lock_owner=")
}

func Test_Stats_Uses_Segment_Override_When_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("--segment", "other", "put", "k", "v")

	stdout := c.MustRun("--segment", "other", "stats")
	cli.AssertContains(t, stdout, "other.shm")
	cli.AssertContains(t, stdout, "live=1")

	stdout = c.MustRun("stats")
	cli.AssertContains(t, stdout, "live=0")
}

func Test_Reset_Drops_Entries_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("put", "k", "v")

	stdout := c.MustRun("reset")
	cli.AssertContains(t, stdout, "generation 2")

	c.MustFail("get", "k")
}

func Test_Defrag_Prints_Free_Pointer_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("defrag")

	cli.AssertContains(t, stdout, "free_pointer=0")
}

func Test_Snapshot_Writes_Segment_Bytes_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("put", "k", "snapshot-me")

	out := filepath.Join(c.Dir, "snap.bin")
	stdout := c.MustRun("snapshot", out)
	cli.AssertContains(t, stdout, "to "+out)

	snap, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	seg, err := os.ReadFile(filepath.Join(c.ShmDir, "cuckoo.shm"))
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}

	if !bytes.Equal(snap, seg) {
		t.Fatalf("snapshot differs from segment (%d vs %d bytes)", len(snap), len(seg))
	}

	if !bytes.Contains(snap, []byte("snapshot-me")) {
		t.Fatal("snapshot does not contain the payload")
	}
}

func Test_Destroy_Requires_Confirmation_When_Yes_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("put", "k", "v")

	stderr := c.MustFail("destroy")
	cli.AssertContains(t, stderr, "--yes")

	if got := c.MustRun("get", "k"); got != "v" {
		t.Fatalf("get = %q", got)
	}
}

func Test_Destroy_Removes_Segment_When_Confirmed(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("put", "k", "v")

	stdout := c.MustRun("destroy", "--yes")
	cli.AssertContains(t, stdout, "destroyed")

	_, err := os.Stat(filepath.Join(c.ShmDir, "cuckoo.shm"))
	if !os.IsNotExist(err) {
		t.Fatalf("segment still exists: %v", err)
	}
}

func Test_Bench_Reports_Counters_When_Run(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("bench", "--workers", "3", "--ops", "50", "--size", "32")

	cli.AssertContains(t, stdout, "workers=3")
	cli.AssertContains(t, stdout, "ops=300")
	cli.AssertContains(t, stdout, "stored=")
	cli.AssertContains(t, stdout, "hits=")
}

func Test_Bench_Fails_When_Workers_Zero(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("bench", "--workers", "0")

	cli.AssertContains(t, stderr, "--workers and --ops must be > 0")
}

func Test_Repl_Runs_Commands_When_Lines_Piped(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	input := strings.Join([]string{
		"help",
		"put greeting hello 60 high",
		"get greeting",
		"get missing",
		"bogus",
		"stats",
		"exit",
		"get greeting",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(input, "repl")
	if code != 0 {
		t.Fatalf("repl exit %d: %s", code, stderr)
	}

	cli.AssertContains(t, stdout, "commands: get, put")
	cli.AssertContains(t, stdout, "stored greeting (5 bytes, ttl 60s, high)")
	cli.AssertContains(t, stdout, "hello")
	cli.AssertContains(t, stdout, "not found: missing")
	cli.AssertContains(t, stdout, "unknown command: bogus")
	cli.AssertContains(t, stdout, "live_high=1")

	if strings.Count(stdout, "hello") != 1 {
		t.Fatalf("commands after exit ran:\n%s", stdout)
	}
}

func Test_Repl_Exits_Cleanly_When_Input_Ends(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, stderr, code := c.RunWithInput("put k v\n", "repl")

	if code != 0 {
		t.Fatalf("repl exit %d: %s", code, stderr)
	}

	cli.AssertContains(t, stdout, "stored k")
}

func Test_Print_Config_Shows_Sources_When_Project_File_Exists(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := filepath.Join(c.Dir, ".cuckoo.json")
	writeFile(t, path, `{
		// comment
		"segment_id": "sessions",
	}`)

	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "effective_cwd="+c.Dir)
	cli.AssertContains(t, stdout, `"segment_id": "sessions"`)
	cli.AssertContains(t, stdout, `"dir": "`+c.ShmDir+`"`)
	cli.AssertContains(t, stdout, "project_config="+path)
}

func Test_Print_Config_Shows_Defaults_Only_When_No_Files(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "(defaults only)")
}

func Test_Print_Config_Fails_When_Explicit_Config_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("-c", "nonexistent.json", "print-config")

	cli.AssertContains(t, stderr, "config file not found")
}
