package loader

import (
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"

	"github.com/tempokv/tempokv/core/shard"
)

const defaultChunkPairs = 500

// Config wires a Loader to a cluster's load endpoints.
type Config struct {
	// Shards lists the load endpoint of every shard, indexed by shard
	// number, matching the routing of the transaction path.
	Shards []string
	TLS    *tls.Config

	// ChunkPairs is how many pairs travel in one batch frame.
	ChunkPairs int

	// Sender tunes the per-shard senders; Addr and TLS are filled in.
	Sender SenderConfig
}

// Loader routes bulk pairs to their owning shards and streams them out in
// chunks. Not safe for concurrent use; feed it from one goroutine.
type Loader struct {
	log        *zap.Logger
	senders    []*Sender
	chunks     []map[string]string
	chunkPairs int
	queued     uint64
}

// New builds one sender per shard.
func New(cfg Config, log *zap.Logger) (*Loader, error) {
	if len(cfg.Shards) == 0 {
		return nil, fmt.Errorf("loader: at least one shard address is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	chunkPairs := cfg.ChunkPairs
	if chunkPairs <= 0 {
		chunkPairs = defaultChunkPairs
	}

	l := &Loader{
		log:        log,
		senders:    make([]*Sender, len(cfg.Shards)),
		chunks:     make([]map[string]string, len(cfg.Shards)),
		chunkPairs: chunkPairs,
	}
	for i, addr := range cfg.Shards {
		sc := cfg.Sender
		sc.Addr = addr
		sc.TLS = cfg.TLS
		s, err := NewSender(sc, log.With(zap.Int("shard", i)))
		if err != nil {
			for j := 0; j < i; j++ {
				l.senders[j].Close()
			}
			return nil, fmt.Errorf("loader: sender for shard %d: %w", i, err)
		}
		l.senders[i] = s
		l.chunks[i] = make(map[string]string, chunkPairs)
	}
	return l, nil
}

// Put queues one pair for its shard, shipping the chunk when full.
func (l *Loader) Put(key, value string) error {
	idx := shard.ForKey(key, len(l.senders))
	l.chunks[idx][key] = value
	l.queued++
	if len(l.chunks[idx]) >= l.chunkPairs {
		return l.ship(idx)
	}
	return nil
}

// Flush ships every partial chunk.
func (l *Loader) Flush() error {
	for idx := range l.chunks {
		if len(l.chunks[idx]) == 0 {
			continue
		}
		if err := l.ship(idx); err != nil {
			return err
		}
	}
	return nil
}

// Queued reports how many pairs have been accepted so far.
func (l *Loader) Queued() uint64 { return l.queued }

// Close flushes and tears the senders down, draining their queues.
func (l *Loader) Close() error {
	flushErr := l.Flush()
	for _, s := range l.senders {
		if err := s.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	return flushErr
}

func (l *Loader) ship(idx int) error {
	payload, err := encodeBatch(l.chunks[idx])
	if err != nil {
		return fmt.Errorf("loader: encode batch for shard %d: %w", idx, err)
	}
	if err := l.senders[idx].Send(payload); err != nil {
		return fmt.Errorf("loader: ship batch to shard %d: %w", idx, err)
	}
	l.chunks[idx] = make(map[string]string, l.chunkPairs)
	return nil
}
