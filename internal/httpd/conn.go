package httpd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type State int32

const (
	StateAwaitingRequestLine State = iota
	StateAwaitingHeaders
	StateAwaitingBody
	StateDispatching
	StateWritingResponse
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequestLine:
		return "awaiting-request-line"
	case StateAwaitingHeaders:
		return "awaiting-headers"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateDispatching:
		return "dispatching"
	case StateWritingResponse:
		return "writing-response"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type conn struct {
	srv    *Server
	rwc    net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	state  atomic.Int32
	auth   authState
	logger *slog.Logger
}

func newConn(srv *Server, rwc net.Conn) *conn {
	return &conn{
		srv:    srv,
		rwc:    rwc,
		br:     bufio.NewReaderSize(rwc, 4096),
		bw:     bufio.NewWriterSize(rwc, 32*1024),
		logger: srv.logger().With("remote", rwc.RemoteAddr().String()),
	}
}

func (c *conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *conn) State() State {
	return State(c.state.Load())
}

func (c *conn) close() {
	c.setState(StateClosed)
	_ = c.rwc.Close()
}

// serve handles requests one at a time until the peer goes away, an error response
// is written, or keep-alive is not wanted.
func (c *conn) serve(ctx context.Context) {
	defer c.close()

	if c.srv.Accept != nil && !c.srv.Accept(c.rwc.RemoteAddr()) {
		c.logger.Warn("rejected client")
		_, _ = writeResponse(c.bw, nil, Text(http.StatusForbidden, "forbidden for client address"), false)
		return
	}

	for {
		c.setState(StateAwaitingRequestLine)
		if c.srv.IdleTimeout > 0 {
			_ = c.rwc.SetReadDeadline(time.Now().Add(c.srv.IdleTimeout))
		}
		req, err := c.readRequest()
		if err != nil {
			var pe *protocolError
			if errors.As(err, &pe) {
				c.logger.Debug("protocol error", "status", pe.status, "error", pe.msg)
				c.setState(StateWritingResponse)
				_, _ = writeResponse(c.bw, nil, Text(pe.status, pe.msg), false)
				return
			}
			if !errors.Is(err, io.EOF) && !isTimeout(err) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.rwc.SetReadDeadline(time.Time{})

		start := time.Now()
		c.setState(StateDispatching)
		resp := c.dispatch(ctx, req)

		c.setState(StateWritingResponse)
		keepAlive := wantsKeepAlive(req)
		status, err := writeResponse(c.bw, req, resp, keepAlive)
		if c.srv.Observer != nil {
			c.srv.Observer.ObserveResponse(req.Method, req.Path, status, time.Since(start))
		}
		if err != nil {
			c.logger.Debug("write failed", "path", req.Path, "error", err)
			return
		}
		if !keepAlive {
			return
		}
		c.setState(StateIdle)
	}
}

func (c *conn) readRequest() (*Request, error) {
	line, err := readRequestLine(c.br)
	if err != nil {
		return nil, err
	}
	method, target, proto, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	c.setState(StateAwaitingHeaders)
	header, err := readHeaders(c.br, c.srv.maxHeaderBytes())
	if err != nil {
		return nil, err
	}
	req, err := newRequest(method, target, proto, header)
	if err != nil {
		return nil, err
	}
	req.RemoteAddr = c.rwc.RemoteAddr().String()

	length, err := bodyFraming(header)
	if err != nil {
		return nil, err
	}
	if length != 0 {
		c.setState(StateAwaitingBody)
		if strings.EqualFold(header.Get("Expect"), "100-continue") {
			if _, err := c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
				return nil, err
			}
			if err := c.bw.Flush(); err != nil {
				return nil, err
			}
		}
		if req.Body, err = readBody(c.br, length, c.srv.maxBodySize()); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (c *conn) dispatch(ctx context.Context, req *Request) (resp *Response) {
	if auth := c.srv.Auth; auth.protects(req.Path) {
		ok, stale := auth.verify(&c.auth, req)
		if !ok {
			resp = Text(http.StatusUnauthorized, "authentication required")
			resp.Header.Set("WWW-Authenticate", auth.challenge(&c.auth, stale))
			return resp
		}
	}
	if c.srv.Handler == nil {
		return NotFound()
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", "path", req.Path, "panic", r)
			resp = Text(http.StatusInternalServerError, "internal server error")
		}
	}()
	resp = c.srv.Handler.ServeResource(ctx, req)
	if resp == nil {
		resp = NotFound()
	}
	return resp
}

func wantsKeepAlive(req *Request) bool {
	connection := strings.ToLower(req.Header.Get("Connection"))
	if req.Proto == "HTTP/1.0" {
		return strings.Contains(connection, "keep-alive")
	}
	return !strings.Contains(connection, "close")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
