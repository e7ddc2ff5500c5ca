package tipi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const identifyWait = 10 * time.Second

// Session receives the connection of the tool which identified itself with the
// identifier the session was registered with.
type Session interface {
	Attach(conn *Conn)
}

// Server accepts tool connections on a loopback address and hands each one
// over to the registered session.
type Server struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	mx       sync.Mutex
	sessions map[string]Session
	done     chan struct{}
}

// Listen starts a server on addr, use "127.0.0.1:0" for a random loopback port.
func Listen(ctx context.Context, addr string) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := &Server{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]Session),
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handle)
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		defer close(s.done)
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "tipi server failed", "error", err)
		}
	}()
	slog.DebugContext(ctx, "tipi server listening", "url", s.URL())
	return s, nil
}

// URL is passed to tools with --si-connect
func (s *Server) URL() string {
	return scheme + "://" + s.ln.Addr().String()
}

func (s *Server) Register(identifier string, session Session) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.sessions[identifier] = session
}

func (s *Server) Unregister(identifier string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.sessions, identifier)
}

func (s *Server) session(identifier string) (Session, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	session, ok := s.sessions[identifier]
	return session, ok
}

// Close stops accepting connections. Attached connections are owned by sessions.
func (s *Server) Close() error {
	err := s.srv.Close()
	<-s.done
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "tipi upgrade failed", "error", err)
		return
	}
	conn := NewConn(ws)

	m, err := conn.ReceiveTimeout(identifyWait)
	if err != nil {
		slog.WarnContext(ctx, "tool did not identify", "error", err)
		_ = conn.Close()
		return
	}
	if m.Type != MessageIdentification {
		slog.WarnContext(ctx, "tool did not identify", "error", ErrUnexpectedMessage, "type", m.Type)
		_ = conn.Close()
		return
	}
	var id Identification
	if err := m.Decode(&id); err != nil {
		slog.WarnContext(ctx, "tool did not identify", "error", err)
		_ = conn.Close()
		return
	}

	session, ok := s.session(id.Identifier)
	if !ok {
		slog.WarnContext(ctx, "tool connection rejected", "error", ErrUnknownSession, "identifier", id.Identifier)
		_ = conn.Close()
		return
	}
	slog.DebugContext(ctx, "tool connected", "identifier", id.Identifier, "tool", id.Tool)
	session.Attach(conn)
}
