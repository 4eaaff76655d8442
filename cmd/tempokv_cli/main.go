package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/tempokv/tempokv/core/coordinator"
	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/wire"
	"github.com/tempokv/tempokv/pkg/connection"
	"github.com/tempokv/tempokv/pkg/logger"
)

var (
	shardsFlag  = flag.String("shards", "127.0.0.1:7420", "Comma-separated shard transaction addresses, in shard order")
	historyFile = flag.String("history", "/tmp/tempokv_cli_history", "Readline history file")
)

// session holds the interactive state: one coordinator, one transaction at
// a time, opened explicitly with begin or implicitly per command.
type session struct {
	coord  *coordinator.Coordinator
	shards []string
	pool   *connection.PoolManager
	inTxn  bool
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	shards := strings.Split(*shardsFlag, ",")
	for i := range shards {
		shards[i] = strings.TrimSpace(shards[i])
	}

	zlog, err := logger.New(logger.Config{Level: "warn", Format: "console", OutputFile: "stderr"})
	if err != nil {
		log.Fatalf("Can't initialize logger: %v", err)
	}

	coord, err := coordinator.New(coordinator.Config{Shards: shards}, zlog)
	if err != nil {
		log.Fatalf("Can't reach cluster: %v", err)
	}
	defer coord.Close()

	s := &session{
		coord:  coord,
		shards: shards,
		pool:   connection.NewPoolManager(2, 3*time.Second),
	}
	defer s.pool.Close()

	fmt.Printf("tempokv CLI connected to %d shard(s). Type 'help' for commands.\n", len(shards))

	l, err := readline.NewEx(&readline.Config{
		Prompt:            "tempokv> ",
		HistoryFile:       *historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		log.Fatalf("Can't initialize readline: %v", err)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				s.finish()
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.finish()
			return
		}
		s.run(strings.Fields(line))
	}
}

// finish aborts an explicit transaction left open before leaving.
func (s *session) finish() {
	if s.inTxn {
		s.coord.Abort()
		fmt.Println("Open transaction aborted.")
	}
	fmt.Println("Bye.")
}

func (s *session) run(args []string) {
	switch strings.ToLower(args[0]) {
	case "begin":
		if s.inTxn {
			fmt.Println("Transaction already open; previous one will be aborted.")
		}
		s.coord.Begin()
		s.inTxn = true
		fmt.Println("Transaction open.")

	case "get":
		if len(args) < 2 {
			fmt.Println("Usage: get <key>")
			return
		}
		s.doGet(args[1])

	case "put":
		if len(args) < 3 {
			fmt.Println("Usage: put <key> <value>")
			return
		}
		s.doPut(args[1], strings.Join(args[2:], " "))

	case "commit":
		if !s.inTxn {
			fmt.Println("No open transaction.")
			return
		}
		s.inTxn = false
		if s.coord.Commit() {
			fmt.Println("COMMITTED")
		} else {
			fmt.Println("ABORTED")
		}

	case "abort":
		if !s.inTxn {
			fmt.Println("No open transaction.")
			return
		}
		s.coord.Abort()
		s.inTxn = false
		fmt.Println("ABORTED")

	case "stats":
		s.doStats()

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  get <key>            read a key (one-shot unless inside begin/commit)")
		fmt.Println("  put <key> <value>    write a key (one-shot unless inside begin/commit)")
		fmt.Println("  begin                open a transaction; get/put then buffer into it")
		fmt.Println("  commit               commit the open transaction")
		fmt.Println("  abort                abort the open transaction")
		fmt.Println("  stats                print per-shard operation counters")
		fmt.Println("  help")
		fmt.Println("  exit / quit")

	default:
		fmt.Println("Unknown command. Type 'help' for a list of commands.")
	}
}

func (s *session) doGet(key string) {
	if s.inTxn {
		v, st := s.coord.Get(key)
		switch st {
		case reply.OK:
			fmt.Printf("%q\n", v)
		case reply.Fail:
			fmt.Println("(not found)")
		default:
			fmt.Printf("read failed: %s\n", st)
		}
		return
	}

	// One-shot read: the value is only trustworthy once commit validates it.
	s.coord.Begin()
	v, st := s.coord.Get(key)
	switch st {
	case reply.OK:
		if s.coord.Commit() {
			fmt.Printf("%q\n", v)
		} else {
			fmt.Println("read aborted, retry")
		}
	case reply.Fail:
		s.coord.Abort()
		fmt.Println("(not found)")
	default:
		s.coord.Abort()
		fmt.Printf("read failed: %s\n", st)
	}
}

func (s *session) doPut(key, value string) {
	if s.inTxn {
		if st := s.coord.Put(key, value); st != reply.OK {
			fmt.Printf("write failed: %s\n", st)
			return
		}
		fmt.Println("buffered")
		return
	}

	s.coord.Begin()
	if st := s.coord.Put(key, value); st != reply.OK {
		fmt.Printf("write failed: %s\n", st)
		s.coord.Abort()
		return
	}
	if s.coord.Commit() {
		fmt.Println("COMMITTED")
	} else {
		fmt.Println("ABORTED")
	}
}

func (s *session) doStats() {
	for i, addr := range s.shards {
		stats, err := s.fetchStats(addr)
		if err != nil {
			fmt.Printf("shard %d (%s): %v\n", i, addr, err)
			continue
		}
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("shard %d (%s):\n", i, addr)
		for _, name := range names {
			fmt.Printf("  %-10s %d\n", name, stats[name])
		}
	}
}

// fetchStats runs one stats call over a pooled connection.
func (s *session) fetchStats(addr string) (map[string]uint64, error) {
	pc, err := s.pool.Get(addr)
	if err != nil {
		return nil, err
	}
	healthy := false
	defer func() {
		if healthy {
			pc.Close()
		} else {
			pc.ForceClose()
		}
	}()

	if err := pc.SetDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(pc, &wire.Request{ID: 1, Op: wire.OpStats}); err != nil {
		return nil, err
	}
	var rep wire.Reply
	if err := wire.ReadFrame(pc, &rep); err != nil {
		return nil, err
	}
	if rep.Status != reply.OK {
		return nil, fmt.Errorf("stats request returned %s", rep.Status)
	}
	healthy = true
	_ = pc.SetDeadline(time.Time{})
	return rep.Stats, nil
}
