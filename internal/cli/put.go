package cli

import (
	"context"
	"fmt"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

const defaultTTL = 3600

// PutCmd returns the put command.
func PutCmd(store *cuckoo.Store) *Command {
	flags := flag.NewFlagSet("put", flag.ContinueOnError)
	ttl := flags.IntP("ttl", "t", defaultTTL, "Seconds until the entry expires")
	priority := flags.StringP("priority", "p", "low", "Eviction tier: low, high or permanent")

	return &Command{
		Flags: flags,
		Usage: "put <key> <value> [flags]",
		Short: "Store a value under a key",
		Long: `Store a value under a key. A value of "-" reads the payload from stdin.
Unlike cache writes from applications, a dropped put is reported as an error.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return argError("put <key> <value>")
			}

			p, err := cuckoo.ParsePriority(*priority)
			if err != nil {
				return err
			}

			return execPut(o, store, args[0], args[1], *ttl, p)
		},
	}
}

func execPut(o *IO, store *cuckoo.Store, key, value string, ttl int, p cuckoo.Priority) error {
	payload := []byte(value)

	if value == "-" {
		if o.In() == nil {
			return fmt.Errorf("%w: no stdin to read the value from", errUsage)
		}

		data, err := io.ReadAll(io.LimitReader(o.In(), cuckoo.MaxEntrySize+1))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}

		payload = data
	}

	err := store.TryWrite(key, ttl, payload, p)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	o.Printf("stored %s (%d bytes, ttl %ds, %s)\n", key, len(payload), ttl, p)

	return nil
}
