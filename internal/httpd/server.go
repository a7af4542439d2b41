// Package httpd is a small HTTP/1.1 server built for the wire protocol endpoint:
// one request per connection at a time, range-aware responses over in-memory or
// file-backed sources, and Basic or Digest authentication.
package httpd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

var ErrServerClosed = errors.New("httpd: server closed")

const (
	defaultMaxBodySize    = 8 << 20
	defaultMaxHeaderBytes = 1 << 20
)

// Observer receives one call per written response.
type Observer interface {
	ObserveResponse(method, path string, status int, elapsed time.Duration)
}

type Server struct {
	Handler     Handler
	Auth        *Auth
	Accept      func(remote net.Addr) bool
	Observer    Observer
	Logger      *slog.Logger
	MaxBodySize int64
	// MaxHeaderBytes bounds the header block of a request. Zero means 1 MiB.
	MaxHeaderBytes int
	IdleTimeout    time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) maxBodySize() int64 {
	if s.MaxBodySize > 0 {
		return s.MaxBodySize
	}
	return defaultMaxBodySize
}

func (s *Server) maxHeaderBytes() int {
	if s.MaxHeaderBytes > 0 {
		return s.MaxHeaderBytes
	}
	return defaultMaxHeaderBytes
}

// Serve accepts connections on ln until Close is called. Each connection runs on its
// own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.cancel = cancel
	if s.conns == nil {
		s.conns = map[*conn]struct{}{}
	}
	s.mu.Unlock()
	defer cancel()

	var delay time.Duration
	for {
		rwc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				s.logger().Warn("accept failed, retrying", "error", err, "delay", delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		c := newConn(s, rwc)
		if !s.track(c) {
			_ = rwc.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			c.serve(ctx)
		}()
	}
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops the listener, closes every open connection and waits for their
// goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for c := range s.conns {
		_ = c.rwc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
