package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

// SnapshotCmd returns the snapshot command.
func SnapshotCmd(store *cuckoo.Store) *Command {
	return &Command{
		Flags: flag.NewFlagSet("snapshot", flag.ContinueOnError),
		Usage: "snapshot <file>",
		Short: "Copy the raw segment bytes to a file",
		Long: `Copy the raw segment bytes to a file. The file is replaced atomically, so
readers of the file never see a partial copy. The copy itself is not
synchronized with concurrent writers to the segment.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return argError("snapshot <file>")
			}

			return execSnapshot(o, store, args[0])
		},
	}
}

func execSnapshot(o *IO, store *cuckoo.Store, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("snapshot path: %w", err)
	}

	pr, pw := io.Pipe()
	copied := make(chan int64, 1)

	go func() {
		n, copyErr := store.Snapshot(pw)
		_ = pw.CloseWithError(copyErr)
		copied <- n
	}()

	err = atomic.WriteFile(path, pr)
	// Unblocks the copier if WriteFile gave up early.
	_ = pr.Close()
	n := <-copied

	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}

	o.Printf("wrote %d bytes to %s\n", n, path)

	return nil
}
