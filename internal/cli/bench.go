package cli

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

var errBenchArgs = errors.New("--workers and --ops must be > 0")

// BenchCmd returns the bench command. Every worker opens its own handle on
// the segment, the same way separate processes would.
func BenchCmd(opts cuckoo.Options) *Command {
	flags := flag.NewFlagSet("bench", flag.ContinueOnError)
	workers := flags.IntP("workers", "w", 4, "Number of concurrent handles")
	ops := flags.IntP("ops", "n", 1000, "Write and read operations per worker")
	size := flags.Int("size", 64, "Payload size in bytes")
	ttl := flags.Int("ttl", 60, "TTL of written entries in seconds")

	return &Command{
		Flags: flags,
		Usage: "bench [flags]",
		Short: "Measure write and read throughput against the segment",
		Long: `Run concurrent writers and readers against the segment. Each worker writes
--ops distinct keys and reads them back. Dropped writes and misses are
counted, not treated as errors.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return argError("bench [flags]")
			}

			if *workers <= 0 || *ops <= 0 {
				return errBenchArgs
			}

			return execBench(ctx, o, opts, benchParams{
				workers: *workers,
				ops:     *ops,
				size:    *size,
				ttl:     *ttl,
			})
		},
	}
}

type benchParams struct {
	workers int
	ops     int
	size    int
	ttl     int
}

type benchCounters struct {
	stored  atomic.Int64
	dropped atomic.Int64
	hits    atomic.Int64
	misses  atomic.Int64
}

func execBench(ctx context.Context, o *IO, opts cuckoo.Options, p benchParams) error {
	stores := make([]*cuckoo.Store, 0, p.workers)

	defer func() {
		for _, s := range stores {
			_ = s.Close()
		}
	}()

	for range p.workers {
		s, err := cuckoo.Open(opts)
		if err != nil {
			return fmt.Errorf("open worker handle: %w", err)
		}

		stores = append(stores, s)
	}

	var c benchCounters

	payload := make([]byte, p.size)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)

	for w, s := range stores {
		g.Go(func() error {
			return benchWorker(ctx, s, w, p, payload, &c)
		})
	}

	err := g.Wait()
	elapsed := time.Since(start)

	if err != nil {
		return err
	}

	total := c.stored.Load() + c.dropped.Load() + c.hits.Load() + c.misses.Load()

	o.Printf("workers=%d\n", p.workers)
	o.Printf("ops=%d\n", total)
	o.Printf("elapsed=%s\n", elapsed.Round(time.Microsecond))

	if elapsed > 0 {
		o.Printf("ops_per_sec=%.0f\n", float64(total)/elapsed.Seconds())
	}

	o.Printf("stored=%d\n", c.stored.Load())
	o.Printf("dropped=%d\n", c.dropped.Load())
	o.Printf("hits=%d\n", c.hits.Load())
	o.Printf("misses=%d\n", c.misses.Load())

	return nil
}

func benchWorker(ctx context.Context, s *cuckoo.Store, worker int, p benchParams, payload []byte, c *benchCounters) error {
	for i := range p.ops {
		if i%64 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		if s.Write(benchKey(worker, i), p.ttl, payload, cuckoo.PriorityLow) {
			c.stored.Add(1)
		} else {
			c.dropped.Add(1)
		}
	}

	for i := range p.ops {
		if i%64 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		if _, ok := s.Read(benchKey(worker, i)); ok {
			c.hits.Add(1)
		} else {
			c.misses.Add(1)
		}
	}

	return nil
}

func benchKey(worker, i int) string {
	return fmt.Sprintf("bench:%d:%d", worker, i)
}
