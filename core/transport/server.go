package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tempokv/tempokv/core/wire"
)

// Server accepts framed connections on a TCP port and serves each with the
// configured handler. Requests on one connection are processed in order;
// request IDs let clients keep several in flight anyway.
type Server struct {
	log     *zap.Logger
	handler wire.Handler

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewServer returns a server dispatching to handler.
func NewServer(handler wire.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:     log,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		quit:    make(chan struct{}),
	}
}

// Start listens on addr and begins accepting in the background. Use ":0" to
// let the kernel pick a port and Addr to discover it.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server already started")
	}
	s.ln = ln
	s.wg.Add(1)
	s.mu.Unlock()

	go s.acceptLoop(ln)
	s.log.Info("Transaction port listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and all live connections and waits for the
// serving goroutines to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.quit)
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("Accept failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		select {
		case <-s.quit:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	remote := conn.RemoteAddr().String()
	for {
		var req wire.Request
		if err := wire.ReadFrame(conn, &req); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("Connection read ended", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		rep := s.handler.Handle(&req)
		if err := wire.WriteFrame(conn, rep); err != nil {
			s.log.Debug("Connection write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}
