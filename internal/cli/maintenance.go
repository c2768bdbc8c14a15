package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

var errNotConfirmed = errors.New("refusing to destroy the segment without --yes")

// ResetCmd returns the reset command.
func ResetCmd(store *cuckoo.Store) *Command {
	return &Command{
		Flags: flag.NewFlagSet("reset", flag.ContinueOnError),
		Usage: "reset",
		Short: "Drop every entry and bump the generation",
		Long: `Reinitialize the segment in place: every slot becomes empty, the data
region is rewound and the generation counter is bumped. Processes attached
to the segment keep their mapping and see the empty table.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return argError("reset")
			}

			err := store.Reset()
			if err != nil {
				return err
			}

			st, err := store.Stats()
			if err != nil {
				return err
			}

			o.Printf("reset %s (generation %d)\n", st.Path, st.Generation)

			return nil
		},
	}
}

// DefragCmd returns the defrag command.
func DefragCmd(store *cuckoo.Store) *Command {
	return &Command{
		Flags: flag.NewFlagSet("defrag", flag.ContinueOnError),
		Usage: "defrag",
		Short: "Reclaim expired space at the end of the data region",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return argError("defrag")
			}

			fp, err := store.Defragment()
			if err != nil {
				return err
			}

			o.Printf("free_pointer=%d\n", fp)

			return nil
		},
	}
}

// DestroyCmd returns the destroy command.
func DestroyCmd(store *cuckoo.Store) *Command {
	flags := flag.NewFlagSet("destroy", flag.ContinueOnError)
	yes := flags.BoolP("yes", "y", false, "Confirm removal of the segment")

	return &Command{
		Flags: flags,
		Usage: "destroy [flags]",
		Short: "Remove the segment file",
		Long: `Unlink the segment file. Processes that still map it keep working on the
detached pages; the next attach creates a fresh segment.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return argError("destroy")
			}

			if !*yes {
				return errNotConfirmed
			}

			path := store.Path()

			err := store.Destroy()
			if err != nil {
				return err
			}

			o.Println("destroyed " + path)

			return nil
		},
	}
}
