// Package loader moves bulk key-value data into a tempokv cluster over
// HTTP/3. A Sender streams length-prefixed batches to one shard's load
// endpoint; the Receiver on the shard side decodes them straight into the
// store, bypassing the transaction path.
package loader

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// DefaultPath is where shard servers mount their load endpoint.
const DefaultPath = "/load"

// SenderConfig controls one Sender.
type SenderConfig struct {
	// Addr is the shard's load endpoint, host:port over UDP.
	Addr    string
	URLPath string
	TLS     *tls.Config

	// NumConnections many streaming POSTs run concurrently.
	NumConnections   int
	QueueCapacity    int
	MaxBatchBytes    int
	MaxBatchMessages int
	FlushInterval    time.Duration

	// Retry policy for establishing streams and writing batches.
	MaxWriteRetries   int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitterFrac float64

	QUIC *quic.Config
}

func (c *SenderConfig) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = DefaultPath
	}
	if c.NumConnections <= 0 {
		c.NumConnections = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 256 * 1024
	}
	if c.MaxBatchMessages <= 0 {
		c.MaxBatchMessages = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
}

// Sender streams batches to a single shard over concurrent long-lived
// HTTP/3 requests.
type Sender struct {
	cfg        SenderConfig
	log        *zap.Logger
	url        string
	quit       chan struct{}
	closed     int32
	wg         sync.WaitGroup
	client     *http.Client
	rt         *http3.Transport
	ingress    chan []byte
	connInputs []chan []byte
	randSrc    *rand.Rand
}

// NewSender starts the batching loop and one manager per connection.
func NewSender(cfg SenderConfig, log *zap.Logger) (*Sender, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("loader: sender address is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}
	s := &Sender{
		cfg:     cfg,
		log:     log,
		url:     fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath),
		quit:    make(chan struct{}),
		client:  &http.Client{Transport: rt},
		rt:      rt,
		ingress: make(chan []byte, cfg.QueueCapacity),
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	s.connInputs = make([]chan []byte, cfg.NumConnections)
	for i := range s.connInputs {
		s.connInputs[i] = make(chan []byte, 1)
	}

	s.wg.Add(1)
	go s.batchingLoop()

	for i := 0; i < cfg.NumConnections; i++ {
		s.wg.Add(1)
		go s.connectionManager(i, s.connInputs[i])
	}
	return s, nil
}

// Send blocks until the payload is enqueued or the sender is closed.
func (s *Sender) Send(payload []byte) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return errors.New("loader: sender closed")
	}
	msg := make([]byte, len(payload))
	copy(msg, payload)
	select {
	case s.ingress <- msg:
		return nil
	case <-s.quit:
		return errors.New("loader: sender closed")
	}
}

// Close drains what is queued, stops the goroutines and releases the
// transport.
func (s *Sender) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return errors.New("loader: already closed")
	}
	close(s.quit)
	s.wg.Wait()
	return s.rt.Close()
}

type streamState struct {
	writer    io.WriteCloser
	cancelReq context.CancelFunc
}

func (s *Sender) batchingLoop() {
	defer s.wg.Done()
	defer func() {
		for _, ch := range s.connInputs {
			close(ch)
		}
	}()

	var batch bytes.Buffer
	msgs := 0
	flushTimer := time.NewTimer(s.cfg.FlushInterval)
	defer flushTimer.Stop()

	dispatch := func() {
		if msgs == 0 {
			return
		}
		payload := make([]byte, batch.Len())
		copy(payload, batch.Bytes())
		// Offer the batch to any idle connection first, starting at a
		// random index for fairness.
		start := s.randSrc.Intn(len(s.connInputs))
		for i := 0; i < len(s.connInputs); i++ {
			idx := (start + i) % len(s.connInputs)
			select {
			case s.connInputs[idx] <- payload:
				batch.Reset()
				msgs = 0
				return
			default:
			}
		}
		select {
		case s.connInputs[start] <- payload:
			batch.Reset()
			msgs = 0
		case <-s.quit:
		}
	}

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case <-s.quit:
			for {
				select {
				case m := <-s.ingress:
					frameAppend(&batch, m)
					msgs++
				default:
					dispatch()
					return
				}
			}

		case m := <-s.ingress:
			frameAppend(&batch, m)
			msgs++
			if batch.Len() >= s.cfg.MaxBatchBytes || msgs >= s.cfg.MaxBatchMessages {
				dispatch()
				resetTimer()
			}

		case <-flushTimer.C:
			dispatch()
			resetTimer()
		}
	}
}

func (s *Sender) connectionManager(id int, in <-chan []byte) {
	defer s.wg.Done()
	var st *streamState
	defer func() {
		if st != nil {
			_ = st.writer.Close()
			st.cancelReq()
		}
	}()

	for payload := range in {
		if st == nil {
			var err error
			st, err = s.openStream(id)
			if err != nil {
				s.log.Warn("Load stream establish failed",
					zap.Int("conn", id), zap.Error(err))
				if !s.retrySend(id, nil, payload) {
					s.drop(id, payload, "establish failed")
				}
				continue
			}
		}
		if _, err := st.writer.Write(payload); err != nil {
			s.log.Warn("Load stream write failed, reconnecting",
				zap.Int("conn", id), zap.Error(err))
			_ = st.writer.Close()
			st.cancelReq()
			st = nil
			if !s.retrySend(id, nil, payload) {
				s.drop(id, payload, "write failed")
			}
		}
	}
}

// retrySend re-establishes a stream and writes the payload with exponential
// backoff until the retry budget runs out or the sender closes.
func (s *Sender) retrySend(id int, st *streamState, payload []byte) bool {
	backoff := s.cfg.InitialBackoff
	attempts := 0
	for {
		if attempts > s.cfg.MaxWriteRetries {
			return false
		}
		attempts++

		if st == nil {
			var err error
			st, err = s.openStream(id)
			if err != nil {
				s.log.Warn("Load stream establish failed",
					zap.Int("conn", id), zap.Int("attempt", attempts), zap.Error(err))
				if !s.sleepBackoff(backoff) {
					return false
				}
				backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
				continue
			}
		}

		if _, err := st.writer.Write(payload); err == nil {
			return true
		}
		_ = st.writer.Close()
		st.cancelReq()
		st = nil
		if !s.sleepBackoff(backoff) {
			return false
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff, s.cfg.BackoffJitterFrac, s.randSrc)
	}
}

func (s *Sender) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.quit:
		return false
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

func (s *Sender) drop(id int, payload []byte, reason string) {
	s.log.Error("Dropping load batch",
		zap.Int("conn", id), zap.Int("bytes", len(payload)), zap.String("reason", reason))
}

// openStream starts a streaming POST whose body is fed through an io.Pipe.
func (s *Sender) openStream(id int) (*streamState, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}

	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("load request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			_ = pw.CloseWithError(fmt.Errorf("load endpoint returned %s", resp.Status))
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = pw.Close()
	}()

	s.log.Debug("Load stream established", zap.Int("conn", id), zap.String("url", s.url))
	return &streamState{writer: pw, cancelReq: cancel}, nil
}

// frameAppend writes a 4-byte big-endian length prefix followed by msg.
func frameAppend(buf *bytes.Buffer, msg []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(msg)))
	buf.Write(n[:])
	buf.Write(msg)
}
