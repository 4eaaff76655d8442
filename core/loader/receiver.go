package loader

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// ReceiverConfig controls a shard's load endpoint.
type ReceiverConfig struct {
	// Addr is the UDP listen address for HTTP/3.
	Addr    string
	URLPath string
	TLS     *tls.Config
	QUIC    *quic.Config

	// MaxEventBytes caps a single frame; MaxStreamBytes caps one stream,
	// zero meaning unlimited. MaxConcurrency bounds handlers in flight.
	MaxEventBytes  int
	MaxStreamBytes int64
	MaxConcurrency int
}

// Receiver serves the load endpoint and applies decoded batches through a
// callback, normally the store's Load.
type Receiver struct {
	cfg     ReceiverConfig
	log     *zap.Logger
	apply   func(pairs map[string]string) int
	server  *http3.Server
	ln      net.PacketConn
	pool    *sync.Pool
	wg      sync.WaitGroup
	sem     chan struct{}
	started int32
	closed  int32
	applied atomic.Uint64
}

// NewReceiver builds a receiver applying batches through apply.
func NewReceiver(cfg ReceiverConfig, apply func(pairs map[string]string) int, log *zap.Logger) (*Receiver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("loader: receiver address is required")
	}
	if apply == nil {
		return nil, errors.New("loader: apply callback is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("loader: TLS config is required for HTTP/3")
	}
	if cfg.URLPath == "" {
		cfg.URLPath = DefaultPath
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = 1 << 20
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Receiver{
		cfg:   cfg,
		log:   log,
		apply: apply,
		pool: &sync.Pool{
			New: func() any {
				b := make([]byte, 4096)
				return &b
			},
		},
	}
	if cfg.MaxConcurrency > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrency)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, r.loadHandler)

	r.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	return r, nil
}

// Start binds the UDP socket and serves HTTP/3 in the background.
func (r *Receiver) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return errors.New("loader: receiver already started")
	}

	conn, err := net.ListenPacket("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", r.cfg.Addr, err)
	}
	r.ln = conn
	r.log.Info("Load port listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("path", r.cfg.URLPath))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("Load server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound address once Start has run.
func (r *Receiver) Addr() string {
	if r.ln == nil {
		return r.cfg.Addr
	}
	return r.ln.LocalAddr().String()
}

// Applied reports the total pairs installed so far.
func (r *Receiver) Applied() uint64 {
	return r.applied.Load()
}

// Close stops the server and waits for in-flight handlers.
func (r *Receiver) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	_ = r.server.Close()
	if r.ln != nil {
		_ = r.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		r.log.Warn("Load receiver close timed out", zap.Error(ctx.Err()))
	case <-done:
	}
	r.log.Info("Load receiver closed")
	return nil
}

func (r *Receiver) acquire() func() {
	if r.sem == nil {
		return func() {}
	}
	r.sem <- struct{}{}
	return func() { <-r.sem }
}

// loadHandler consumes a stream of [4B big-endian length][batch JSON]
// frames, installing each batch as it arrives.
func (r *Receiver) loadHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Body == nil {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	release := r.acquire()
	defer release()

	remote := req.RemoteAddr
	start := time.Now()
	defer func() {
		r.log.Debug("Load stream finished",
			zap.String("remote", remote),
			zap.Duration("took", time.Since(start)))
	}()

	// Acknowledge up front; the client keeps streaming on this request.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(nil)

	ctx := req.Context()
	body := req.Body
	var lenBuf [4]byte
	var streamBytes int64

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("Load client went away", zap.String("remote", remote), zap.Error(ctx.Err()))
			return
		default:
		}

		if r.cfg.MaxStreamBytes > 0 && streamBytes >= r.cfg.MaxStreamBytes {
			r.log.Warn("Load stream exceeded byte cap",
				zap.String("remote", remote), zap.Int64("cap", r.cfg.MaxStreamBytes))
			return
		}

		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.log.Error("Load stream length read failed", zap.Error(err))
			return
		}
		streamBytes += 4

		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int(n) > r.cfg.MaxEventBytes {
			r.log.Warn("Load frame too large",
				zap.Uint32("size", n), zap.Int("max", r.cfg.MaxEventBytes))
			return
		}

		bufPtr := r.pool.Get().(*[]byte)
		b := *bufPtr
		if cap(b) < int(n) {
			b = make([]byte, int(n))
		} else {
			b = b[:int(n)]
		}

		if _, err := io.ReadFull(body, b); err != nil {
			r.pool.Put(&b)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.log.Error("Load stream payload read failed", zap.Error(err))
			return
		}
		streamBytes += int64(n)

		pairs, err := decodeBatch(b)
		r.pool.Put(&b)
		if err != nil {
			r.log.Warn("Malformed load batch skipped", zap.Error(err))
			continue
		}
		if len(pairs) == 0 {
			continue
		}
		r.applied.Add(uint64(r.apply(pairs)))
	}
}
