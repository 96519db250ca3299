package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/stackd/client"
)

type benchConfig struct {
	concurrency  int
	ops          int
	payloadBytes int
}

type benchSummary struct {
	count int
	avg   time.Duration
	min   time.Duration
	max   time.Duration
	p50   time.Duration
	p90   time.Duration
	p95   time.Duration
	p99   time.Duration
}

type benchStats struct {
	label     string
	ops       int
	opsPerSec float64
	avg       time.Duration
	min       time.Duration
	max       time.Duration
	p50       time.Duration
	p90       time.Duration
	p95       time.Duration
	p99       time.Duration
	errs      int64
	busy      int64
}

type benchRun struct {
	elapsed  time.Duration
	push     benchStats
	pop      benchStats
	bytes    int64
	firstErr error
	firstOp  string
}

type benchClient interface {
	Push(ctx context.Context, payload []byte) error
	Pop(ctx context.Context) ([]byte, error)
}

func newBenchCommand(cfg *clientCLIConfig, baseLogger pslog.Logger) *cobra.Command {
	var bc benchConfig
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a push/pop load generator against a stackd server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if bc.concurrency <= 0 {
				return fmt.Errorf("--concurrency must be > 0")
			}
			if bc.ops <= 0 {
				return fmt.Errorf("--ops must be > 0")
			}
			if bc.payloadBytes < 0 || bc.payloadBytes > client.MaxPayload {
				return fmt.Errorf("--payload-bytes must be between 0 and %d", client.MaxPayload)
			}
			cli, logger, err := cfg.newClient(baseLogger)
			if err != nil {
				return err
			}
			logger.Info("bench starting", "server", cfg.server, "concurrency", bc.concurrency, "ops", bc.ops, "payload_bytes", bc.payloadBytes)
			run := runBench(cmd.Context(), cli, bc)
			printBenchRun(cmd.OutOrStdout(), cfg.server, bc, run)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&bc.concurrency, "concurrency", 8, "number of concurrent workers (each holds at most one connection)")
	flags.IntVar(&bc.ops, "ops", 1000, "push/pop pairs to issue across all workers")
	flags.IntVar(&bc.payloadBytes, "payload-bytes", 32, "payload size per pushed item")
	return cmd
}

// runBench has every worker push then pop, so pops never outnumber pushes
// and no worker parks forever while the concurrency stays within the stack
// capacity.
func runBench(ctx context.Context, cli benchClient, cfg benchConfig) benchRun {
	var (
		next     atomic.Int64
		bytesIn  atomic.Int64
		pushErrs atomic.Int64
		popErrs  atomic.Int64
		pushBusy atomic.Int64
		popBusy  atomic.Int64
		mu       sync.Mutex
		pushLat  = make([]time.Duration, 0, cfg.ops)
		popLat   = make([]time.Duration, 0, cfg.ops)
		firstErr error
		firstOp  string
	)
	recordErr := func(op string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			firstOp = op
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < cfg.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := xid.New().String()
			localPush := make([]time.Duration, 0, cfg.ops/cfg.concurrency+1)
			localPop := make([]time.Duration, 0, cfg.ops/cfg.concurrency+1)
			defer func() {
				mu.Lock()
				pushLat = append(pushLat, localPush...)
				popLat = append(popLat, localPop...)
				mu.Unlock()
			}()
			for {
				if ctx.Err() != nil {
					return
				}
				n := next.Add(1)
				if n > int64(cfg.ops) {
					return
				}
				payload := benchPayload(worker, n, cfg.payloadBytes)
				t0 := time.Now()
				if err := cli.Push(ctx, payload); err != nil {
					pushErrs.Add(1)
					if errors.Is(err, client.ErrBusy) {
						pushBusy.Add(1)
					}
					recordErr("push", err)
					continue
				}
				localPush = append(localPush, time.Since(t0))
				bytesIn.Add(int64(len(payload)))

				t1 := time.Now()
				item, err := cli.Pop(ctx)
				if err != nil {
					popErrs.Add(1)
					if errors.Is(err, client.ErrBusy) {
						popBusy.Add(1)
					}
					recordErr("pop", err)
					continue
				}
				localPop = append(localPop, time.Since(t1))
				bytesIn.Add(int64(len(item)))
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	push := buildStats("push", elapsed, pushLat, pushErrs.Load())
	push.busy = pushBusy.Load()
	pop := buildStats("pop", elapsed, popLat, popErrs.Load())
	pop.busy = popBusy.Load()
	return benchRun{
		elapsed:  elapsed,
		push:     push,
		pop:      pop,
		bytes:    bytesIn.Load(),
		firstErr: firstErr,
		firstOp:  firstOp,
	}
}

// benchPayload fills size bytes with the worker id and sequence so items are
// distinguishable when inspected on the server.
func benchPayload(worker string, seq int64, size int) []byte {
	if size <= 0 {
		return []byte{}
	}
	tag := []byte(fmt.Sprintf("%s-%d-", worker, seq))
	return bytes.Repeat(tag, size/len(tag)+1)[:size]
}

func buildStats(label string, elapsed time.Duration, samples []time.Duration, errs int64) benchStats {
	summary := summarize(samples)
	opsPerSec := 0.0
	if elapsed > 0 {
		opsPerSec = float64(summary.count) / elapsed.Seconds()
	}
	return benchStats{
		label:     label,
		ops:       summary.count,
		opsPerSec: opsPerSec,
		avg:       summary.avg,
		min:       summary.min,
		max:       summary.max,
		p50:       summary.p50,
		p90:       summary.p90,
		p95:       summary.p95,
		p99:       summary.p99,
		errs:      errs,
	}
}

func printBenchRun(w io.Writer, server string, cfg benchConfig, run benchRun) {
	fmt.Fprintf(w, "bench server=%s ops=%s concurrency=%d payload_bytes=%d elapsed=%s transferred=%s\n",
		server, humanize.Comma(int64(cfg.ops)), cfg.concurrency, cfg.payloadBytes, run.elapsed.Round(time.Millisecond), humanize.IBytes(uint64(run.bytes)))
	if run.firstErr != nil {
		fmt.Fprintf(w, "first_error_op=%s err=%v\n", run.firstOp, run.firstErr)
	}
	printStats(w, run.push)
	printStats(w, run.pop)
}

func printStats(w io.Writer, stats benchStats) {
	fmt.Fprintf(w, "%s: ops=%d ops/s=%.1f avg=%s p50=%s p90=%s p95=%s p99=%s min=%s max=%s errors=%d busy=%d\n",
		stats.label, stats.ops, stats.opsPerSec, stats.avg, stats.p50, stats.p90, stats.p95, stats.p99, stats.min, stats.max, stats.errs, stats.busy)
}

func summarize(samples []time.Duration) benchSummary {
	if len(samples) == 0 {
		return benchSummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	total := time.Duration(0)
	for _, d := range samples {
		total += d
	}
	return benchSummary{
		count: len(samples),
		avg:   time.Duration(int64(total) / int64(len(samples))),
		min:   samples[0],
		max:   samples[len(samples)-1],
		p50:   percentile(samples, 50),
		p90:   percentile(samples, 90),
		p95:   percentile(samples, 95),
		p99:   percentile(samples, 99),
	}
}

func percentile(samples []time.Duration, pct float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if pct <= 0 {
		return samples[0]
	}
	if pct >= 100 {
		return samples[len(samples)-1]
	}
	pos := (pct / 100.0) * float64(len(samples)-1)
	idx := int(math.Round(pos))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}
