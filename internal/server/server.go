// Package server implements the connection dispatcher: it accepts client
// connections, reads framed requests, authorizes them and routes them to the
// transaction engine, session manager or inventory read path.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"biblio.org/internal/engine"
	"biblio.org/internal/inventory"
	"biblio.org/internal/obs"
	"biblio.org/internal/session"
	"biblio.org/internal/wire"
)

// Config tunes the dispatcher.
type Config struct {
	Addr string

	// IdleTimeout bounds how long a connection may sit between requests.
	// Zero disables the bound (the original server kept idle GUIs connected).
	IdleTimeout time.Duration
	// WriteTimeout bounds one response write. Zero means 15s.
	WriteTimeout time.Duration

	// LoginPerMinute and LoginBurst throttle login attempts per client IP.
	LoginPerMinute int
	LoginBurst     int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":9000"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.LoginPerMinute <= 0 {
		c.LoginPerMinute = 30
	}
	if c.LoginBurst <= 0 {
		c.LoginBurst = 10
	}
	return c
}

// Server dispatches protocol requests for one authoritative library process.
type Server struct {
	cfg      Config
	store    inventory.Store
	engine   *engine.Engine
	sessions *session.Manager
	health   *healthGate
	logins   *loginLimiter
	handlers map[string]handler

	mu     sync.Mutex
	lis    net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Server. The session manager and engine are injected rather
// than reached through globals so tests can stand up isolated instances.
func New(cfg Config, store inventory.Store, eng *engine.Engine, sessions *session.Manager) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		store:    store,
		engine:   eng,
		sessions: sessions,
		health:   newHealthGate(store),
		conns:    make(map[net.Conn]struct{}),
	}
	s.logins = newLoginLimiter(s.cfg.LoginPerMinute, s.cfg.LoginBurst)
	s.handlers = s.routes()
	return s
}

// ListenAndServe binds cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis, one goroutine per connection.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.lis = lis
	s.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Shutdown stops accepting, then waits for in-flight connections up to the
// context deadline before force-closing the stragglers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	lis := s.lis
	s.mu.Unlock()
	if lis != nil {
		_ = lis.Close()
	}
	s.logins.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// handleConn services one connection until it fails, misbehaves or closes.
// One connection's failure never reaches any other connection: everything,
// including handler panics, is contained here.
func (s *Server) handleConn(conn net.Conn) {
	obs.ConnOpened()
	remote := remoteIP(conn)
	defer func() {
		if r := recover(); r != nil {
			obs.Error("connection handler panic", map[string]any{"remote": remote, "panic": r})
		}
		s.dropConn(conn)
		obs.ConnClosed()
		s.wg.Done()
	}()

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		req, err := wire.ReadRequest(conn)
		if err != nil {
			if !isDisconnect(err) {
				// Malformed frame: answer if the connection still works,
				// then terminate just this connection.
				s.writeResponse(conn, &wire.Response{
					Status: wire.StatusError,
					Error:  &wire.ErrorDetail{Kind: wire.KindProtocolError, Message: err.Error()},
				})
				obs.Warn("protocol error", map[string]any{"remote": remote, "error": err.Error()})
			}
			return
		}

		start := time.Now()
		resp := s.route(context.Background(), remote, req)
		status := resp.Status
		if resp.Error != nil {
			status = resp.Error.Kind
		}
		obs.ObserveRequest(req.Op, status, time.Since(start))

		if err := s.writeResponse(conn, resp); err != nil {
			// The operation already ran to completion; the result is simply
			// discarded when the client went away before the write-back.
			obs.Warn("response write failed", map[string]any{
				"remote": remote, "op": req.Op, "error": err.Error(),
			})
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp *wire.Response) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return wire.WriteResponse(conn, resp)
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// Reset-by-peer and similar transport failures.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// route decodes, authorizes and executes one request.
func (s *Server) route(ctx context.Context, remote string, req *wire.Request) *wire.Response {
	h, ok := s.handlers[req.Op]
	if !ok {
		return errResponse(req, wire.KindBadRequest, "unknown operation "+req.Op)
	}

	if req.Op == opLogin {
		if !s.logins.allow(remote) {
			return errResponse(req, wire.KindRateLimited, "too many login attempts")
		}
	} else {
		id, err := s.sessions.Authorize(req.Token, h.role)
		if err != nil {
			return s.failure(req, err)
		}
		ctx = session.ContextWithIdentity(ctx, id)
	}

	if h.mutates && !s.health.ok() {
		return errResponse(req, wire.KindStorageUnavailable, "store is unreachable, retry later")
	}

	out, err := h.fn(ctx, req)
	if err != nil {
		if errors.Is(err, inventory.ErrStorageUnavailable) {
			s.health.markDown()
		}
		return s.failure(req, err)
	}

	data, err := wire.MarshalData(out)
	if err != nil {
		return errResponse(req, wire.KindInternal, "encode response")
	}
	return &wire.Response{Op: req.Op, RequestID: req.RequestID, Status: wire.StatusOK, Data: data}
}

func (s *Server) failure(req *wire.Request, err error) *wire.Response {
	kind := errKind(err)
	if kind == wire.KindInternal {
		obs.Error("request failed", map[string]any{"op": req.Op, "error": err.Error()})
	}
	return errResponse(req, kind, errMessage(err, kind))
}

func errResponse(req *wire.Request, kind, msg string) *wire.Response {
	return &wire.Response{
		Op:        req.Op,
		RequestID: req.RequestID,
		Status:    wire.StatusError,
		Error:     &wire.ErrorDetail{Kind: kind, Message: msg},
	}
}

func errMessage(err error, kind string) string {
	if kind == wire.KindInternal {
		return "internal error"
	}
	msg := err.Error()
	// Trim package prefixes like "engine: " for client display.
	if i := strings.Index(msg, ": "); i > 0 && !strings.Contains(msg[:i], " ") {
		msg = msg[i+2:]
	}
	return msg
}
