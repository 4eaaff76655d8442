package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tempokv/tempokv/core/coordinator"
	"github.com/tempokv/tempokv/core/reply"
)

var (
	runClients      int
	runDuration     time.Duration
	runOpsPerTxn    int
	runReadRatio    float64
	runKeys         int
	runDistribution string
	runZipfS        float64
	runQPS          float64
	runValueSize    int
	runWorkload     string
	runAccounts     int
	runBalance      int
)

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Run a transaction workload through per-client coordinators",
		Run:   runRunCommandFunc,
	}
	m.Flags().IntVar(&runClients, "clients", 8, "Concurrent clients, one coordinator each")
	m.Flags().DurationVar(&runDuration, "duration", 30*time.Second, "How long to run")
	m.Flags().IntVar(&runOpsPerTxn, "ops-per-txn", 3, "Operations per transaction (core workload)")
	m.Flags().Float64Var(&runReadRatio, "read-ratio", 0.95, "Fraction of operations that are reads (core workload)")
	m.Flags().IntVar(&runKeys, "keys", 100000, "Key space size")
	m.Flags().StringVar(&runDistribution, "distribution", "zipfian", "Key distribution: zipfian or uniform")
	m.Flags().Float64Var(&runZipfS, "zipf-s", 1.1, "Zipfian skew (> 1)")
	m.Flags().Float64Var(&runQPS, "qps", 0, "Transaction rate limit across all clients; 0 is unlimited")
	m.Flags().IntVar(&runValueSize, "value-size", 128, "Value size in bytes")
	m.Flags().StringVar(&runWorkload, "workload", "core", "Workload: core or transfer")
	m.Flags().IntVar(&runAccounts, "accounts", 16, "Accounts in the transfer workload")
	m.Flags().IntVar(&runBalance, "initial-balance", 1000, "Starting balance per transfer account")
	return m
}

// workerStats is filled by one worker and merged after the run.
type workerStats struct {
	committed  uint64
	aborted    uint64
	opErrors   uint64
	violations uint64
	latencies  []time.Duration
}

func runRunCommandFunc(cmd *cobra.Command, _ []string) {
	zlog, err := newLogger()
	if err != nil {
		cmd.PrintErrf("Can't initialize logger: %v\n", err)
		return
	}

	shards := shardList()
	runID := uuid.NewString()
	fmt.Printf("run %s: workload=%s clients=%d duration=%v shards=%d\n",
		runID, runWorkload, runClients, runDuration, len(shards))

	var limiter *rate.Limiter
	if runQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(runQPS), runClients)
	}

	if runWorkload == "transfer" {
		if err := setupAccounts(shards, zlog); err != nil {
			cmd.PrintErrf("Account setup failed: %v\n", err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(globalContext, runDuration)
	defer cancel()

	stats := make([]workerStats, runClients)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < runClients; i++ {
		coord, err := coordinator.New(coordinator.Config{Shards: shards},
			zlog.Named(fmt.Sprintf("client-%d", i)))
		if err != nil {
			cancel()
			wg.Wait()
			cmd.PrintErrf("Can't build coordinator for client %d: %v\n", i, err)
			return
		}
		wg.Add(1)
		go func(i int, coord *coordinator.Coordinator) {
			defer wg.Done()
			defer coord.Close()
			switch runWorkload {
			case "transfer":
				transferWorker(ctx, coord, limiter, int64(i), &stats[i])
			default:
				coreWorker(ctx, coord, limiter, int64(i), &stats[i])
			}
		}(i, coord)
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(stats, elapsed)
}

// coreWorker runs read-mostly transactions of runOpsPerTxn operations each.
// An operation failure aborts the transaction and counts it as aborted.
func coreWorker(ctx context.Context, coord *coordinator.Coordinator, limiter *rate.Limiter, seed int64, ws *workerStats) {
	chooser, err := newChooser(runDistribution, runKeys, runZipfS, seed+1)
	if err != nil {
		ws.opErrors++
		return
	}
	value := strings.Repeat("x", runValueSize)

	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		txStart := time.Now()
		coord.Begin()
		ok := true
		for k := 0; k < runOpsPerTxn; k++ {
			key := keyName(chooser.Next())
			if float64(k)/float64(runOpsPerTxn) < runReadRatio {
				if _, st := coord.Get(key); st != reply.OK && st != reply.Fail {
					ok = false
					break
				}
			} else {
				if st := coord.Put(key, value); st != reply.OK {
					ok = false
					break
				}
			}
		}
		if !ok {
			ws.opErrors++
			coord.Abort()
			ws.aborted++
			continue
		}
		if coord.Commit() {
			ws.committed++
			ws.latencies = append(ws.latencies, time.Since(txStart))
		} else {
			ws.aborted++
		}
	}
}

// setupAccounts seeds the transfer accounts in one transaction.
func setupAccounts(shards []string, zlog *zap.Logger) error {
	coord, err := coordinator.New(coordinator.Config{Shards: shards}, zlog.Named("setup"))
	if err != nil {
		return err
	}
	defer coord.Close()

	coord.Begin()
	for i := 0; i < runAccounts; i++ {
		if st := coord.Put(accountKey(i), strconv.Itoa(runBalance)); st != reply.OK {
			coord.Abort()
			return fmt.Errorf("seeding %s returned %s", accountKey(i), st)
		}
	}
	if !coord.Commit() {
		return fmt.Errorf("account seed transaction aborted")
	}
	return nil
}

// transferWorker moves money between two random accounts per transaction and
// audits the total every few hundred commits. The sum of all balances must
// stay at accounts * initial-balance; anything else is an isolation bug.
func transferWorker(ctx context.Context, coord *coordinator.Coordinator, limiter *rate.Limiter, seed int64, ws *workerStats) {
	chooser, err := newChooser("uniform", runAccounts, 0, seed+1)
	if err != nil {
		ws.opErrors++
		return
	}
	const auditEvery = 200

	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		src := chooser.Next()
		dst := chooser.Next()
		if src == dst {
			dst = (dst + 1) % runAccounts
		}

		txStart := time.Now()
		coord.Begin()
		srcBal, dstBal, ok := readBalances(coord, src, dst)
		if !ok {
			ws.opErrors++
			coord.Abort()
			ws.aborted++
			continue
		}
		if srcBal < 1 {
			coord.Abort()
			continue
		}
		if coord.Put(accountKey(src), strconv.Itoa(srcBal-1)) != reply.OK ||
			coord.Put(accountKey(dst), strconv.Itoa(dstBal+1)) != reply.OK {
			ws.opErrors++
			coord.Abort()
			ws.aborted++
			continue
		}
		if coord.Commit() {
			ws.committed++
			ws.latencies = append(ws.latencies, time.Since(txStart))
		} else {
			ws.aborted++
			continue
		}

		if ws.committed%auditEvery == 0 {
			if !auditTotal(coord) {
				ws.violations++
			}
		}
	}
}

func readBalances(coord *coordinator.Coordinator, src, dst int) (int, int, bool) {
	srcStr, st := coord.Get(accountKey(src))
	if st != reply.OK {
		return 0, 0, false
	}
	dstStr, st := coord.Get(accountKey(dst))
	if st != reply.OK {
		return 0, 0, false
	}
	srcBal, err1 := strconv.Atoi(srcStr)
	dstBal, err2 := strconv.Atoi(dstStr)
	return srcBal, dstBal, err1 == nil && err2 == nil
}

// auditTotal sums every account in one transaction. A false return on a
// committed audit means the invariant broke; aborted audits are inconclusive
// and report true.
func auditTotal(coord *coordinator.Coordinator) bool {
	coord.Begin()
	total := 0
	for i := 0; i < runAccounts; i++ {
		balStr, st := coord.Get(accountKey(i))
		if st != reply.OK {
			coord.Abort()
			return true
		}
		bal, err := strconv.Atoi(balStr)
		if err != nil {
			coord.Abort()
			return false
		}
		total += bal
	}
	if !coord.Commit() {
		return true
	}
	if total != runAccounts*runBalance {
		fmt.Printf("INVARIANT VIOLATION: total balance %d, expected %d\n",
			total, runAccounts*runBalance)
		return false
	}
	return true
}

func accountKey(i int) string {
	return fmt.Sprintf("account_%d", i)
}

func report(stats []workerStats, elapsed time.Duration) {
	var committed, aborted, opErrors, violations uint64
	var latencies []time.Duration
	for i := range stats {
		committed += stats[i].committed
		aborted += stats[i].aborted
		opErrors += stats[i].opErrors
		violations += stats[i].violations
		latencies = append(latencies, stats[i].latencies...)
	}

	total := committed + aborted
	fmt.Printf("elapsed %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("committed %d, aborted %d, op errors %d\n", committed, aborted, opErrors)
	if total > 0 {
		fmt.Printf("commit rate %.2f%%\n", 100*float64(committed)/float64(total))
	}
	fmt.Printf("throughput %.2f txn/s\n", float64(committed)/elapsed.Seconds())
	if violations > 0 {
		fmt.Printf("INVARIANT VIOLATIONS: %d\n", violations)
	}
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}
	fmt.Printf("latency p50 %v, p95 %v, p99 %v\n",
		pct(0.50).Round(time.Microsecond),
		pct(0.95).Round(time.Microsecond),
		pct(0.99).Round(time.Microsecond))
}
