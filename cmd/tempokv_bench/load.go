package main

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tempokv/tempokv/core/loader"
	"github.com/tempokv/tempokv/internal/tlsutil"
)

var (
	loadAddrsFlag string
	loadRecords   int
	loadValueSize int
	loadChunk     int
	loadCAFile    string
)

func newLoadCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "load",
		Short: "Bulk-preload records through the shard load endpoints",
		Run:   runLoadCommandFunc,
	}
	m.Flags().StringVar(&loadAddrsFlag, "load-addrs", "127.0.0.1:7422",
		"Comma-separated shard load endpoints (UDP), in shard order")
	m.Flags().IntVar(&loadRecords, "records", 100000, "Number of records to load")
	m.Flags().IntVar(&loadValueSize, "value-size", 128, "Value size in bytes")
	m.Flags().IntVar(&loadChunk, "chunk-pairs", 500, "Pairs per batch frame")
	m.Flags().StringVar(&loadCAFile, "ca-file", "",
		"CA certificate for the load endpoints; empty skips verification")
	return m
}

func runLoadCommandFunc(cmd *cobra.Command, _ []string) {
	zlog, err := newLogger()
	if err != nil {
		cmd.PrintErrf("Can't initialize logger: %v\n", err)
		return
	}

	var tlsCfg *tls.Config
	if loadCAFile != "" {
		tlsCfg, err = tlsutil.ClientFromFiles(loadCAFile)
		if err != nil {
			cmd.PrintErrf("Can't load CA certificate: %v\n", err)
			return
		}
	} else {
		tlsCfg = tlsutil.InsecureClient()
	}

	addrs := strings.Split(loadAddrsFlag, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}

	l, err := loader.New(loader.Config{
		Shards:     addrs,
		TLS:        tlsCfg,
		ChunkPairs: loadChunk,
	}, zlog)
	if err != nil {
		cmd.PrintErrf("Can't build loader: %v\n", err)
		return
	}

	value := strings.Repeat("x", loadValueSize)
	start := time.Now()
	loaded := 0
	for i := 0; i < loadRecords; i++ {
		if globalContext.Err() != nil {
			break
		}
		if err := l.Put(keyName(i), value); err != nil {
			cmd.PrintErrf("Load failed at record %d: %v\n", i, err)
			break
		}
		loaded++
	}
	if err := l.Close(); err != nil {
		cmd.PrintErrf("Loader close failed: %v\n", err)
		return
	}

	elapsed := time.Since(start)
	fmt.Printf("loaded %d records in %v (%.0f records/s)\n",
		loaded, elapsed.Round(time.Millisecond), float64(loaded)/elapsed.Seconds())
}

func keyName(i int) string {
	return fmt.Sprintf("user%012d", i)
}
