package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

// GetCmd returns the get command.
func GetCmd(store *cuckoo.Store) *Command {
	flags := flag.NewFlagSet("get", flag.ContinueOnError)
	meta := flags.BoolP("meta", "m", false, "Print entry metadata instead of the payload")

	return &Command{
		Flags: flags,
		Usage: "get <key> [flags]",
		Short: "Print the payload stored for a key",
		Long:  "Print the payload stored for a key. A missing or expired key is an error.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return argError("get <key>")
			}

			return execGet(o, store, args[0], *meta)
		},
	}
}

func execGet(o *IO, store *cuckoo.Store, key string, meta bool) error {
	e, err := store.Lookup(key)
	if err != nil {
		if errors.Is(err, cuckoo.ErrNotFound) {
			return fmt.Errorf("%w: %s", err, key)
		}

		return err
	}

	if !meta {
		o.Println(string(e.Payload))

		return nil
	}

	o.Println("key=" + key)
	o.Printf("len=%d\n", len(e.Payload))
	o.Println("priority=" + e.Priority.String())
	o.Println("expires_at=" + e.ExpiresAt.UTC().Format(time.RFC3339))
	o.Printf("slot=%d\n", e.Slot)
	o.Printf("alt=%t\n", e.Alt)

	return nil
}
