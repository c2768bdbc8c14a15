package cli

import (
	"context"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

// StatsCmd returns the stats command.
func StatsCmd(store *cuckoo.Store) *Command {
	return &Command{
		Flags: flag.NewFlagSet("stats", flag.ContinueOnError),
		Usage: "stats",
		Short: "Show segment geometry and slot usage",
		Long: `Attach to the segment (creating it if needed) and print its geometry,
allocator state, lock holder and a count of slots by state.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return argError("stats")
			}

			return execStats(o, store)
		},
	}
}

func execStats(o *IO, store *cuckoo.Store) error {
	st, err := store.Stats()
	if err != nil {
		return err
	}

	o.Println("path=" + st.Path)
	o.Println("instance=" + st.Instance.String())
	o.Printf("generation=%d\n", st.Generation)
	o.Printf("slot_count=%d\n", st.SlotCount)
	o.Printf("chunk_size=%d\n", st.ChunkSize)
	o.Printf("data_bytes=%d\n", st.DataBytes)
	o.Printf("free_pointer=%d\n", st.FreePointer)
	o.Printf("leaked_bytes=%d\n", st.LeakedBytes)
	o.Printf("defrag_count=%d\n", st.DefragCount)
	o.Printf("live=%d\n", st.LiveTotal())
	o.Printf("live_low=%d\n", st.Live[cuckoo.PriorityLow])
	o.Printf("live_high=%d\n", st.Live[cuckoo.PriorityHigh])
	o.Printf("live_permanent=%d\n", st.Live[cuckoo.PriorityPermanent])
	o.Printf("invalid=%d\n", st.Invalid)
	o.Printf("expired=%d\n", st.Expired)
	o.Printf("claimed=%d\n", st.Claimed)
	o.Printf("empty=%d\n", st.Empty)

	if st.LockOwner != 0 {
		o.Printf("lock_owner=%d\n", st.LockOwner)
		o.Println("lock_expiry=" + st.LockExpiry.UTC().Format(time.RFC3339))
	}

	if st.DataBytes > 0 && st.LeakedBytes >= st.DataBytes/2 {
		o.Warn("half of the data region is leaked by overwrites", "run 'cuckooctl defrag' or 'cuckooctl reset'")
	}

	return nil
}
