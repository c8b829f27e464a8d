// Package server runs a tracker.Tracker behind WebSockets, along with a few HTTP endpoints for
// monitoring.
package server

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/anacrolix/wstracker/tracker"
	"github.com/anacrolix/wstracker/version"
)

var metrics = expvar.NewMap("server")

// Pings are sent every half idle timeout.
const minIdleTimeout = 10 * time.Millisecond

type Server struct {
	tracker  *tracker.Tracker
	settings Settings
	access   AccessSettings
	logger   log.Logger
	upgrader websocket.Upgrader

	// Serves requests that aren't WebSocket upgrades. If nil they get 404.
	HTTPHandler http.Handler

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	stats  Stats
}

type Stats struct {
	// Open WebSockets.
	WebSocketsCount int
	// Upgrades refused because of the origin.
	DeniedOrigin int64
	// Upgrades refused because MaxConnections were open.
	DeniedMaxConnections int64
}

func New(tr *tracker.Tracker, settings Settings, access AccessSettings, logger log.Logger) (*Server, error) {
	if err := access.Validate(); err != nil {
		return nil, err
	}
	if settings.WebSockets.IdleTimeout < minIdleTimeout {
		return nil, fmt.Errorf("idle timeout must be at least %v", minIdleTimeout)
	}
	s := &Server{
		tracker:  tr,
		settings: settings,
		access:   access,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		EnableCompression: settings.WebSockets.Compression,
		// Origins are checked before upgrading.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s, nil
}

// Addr is the configured host and port.
func (s *Server) Addr() string {
	return s.settings.Addr()
}

func (s *Server) Settings() Settings {
	return s.settings
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := s.stats
	ret.WebSocketsCount = len(s.conns)
	return ret
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", version.DefaultServerHeader)
	if websocket.IsWebSocketUpgrade(r) && s.settings.WebSockets.matchPath(r.URL.Path) {
		s.serveWebSocket(w, r)
		return
	}
	if s.HTTPHandler == nil {
		notFound(w, r)
		return
	}
	s.HTTPHandler.ServeHTTP(w, r)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "404 Not Found", http.StatusNotFound)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	if limit := s.settings.WebSockets.MaxConnections; limit != 0 && len(s.conns) >= limit {
		s.stats.DeniedMaxConnections++
		s.mu.Unlock()
		s.logger.Levelf(log.Info, "denied websocket from %v: %v connections open", r.RemoteAddr, limit)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if reason, denied := s.access.deny(origin); denied {
		s.stats.DeniedOrigin++
		s.mu.Unlock()
		s.logger.Levelf(log.Info, "denied websocket from %v: %v: %q", r.RemoteAddr, reason, origin)
		http.Error(w, reason, http.StatusForbidden)
		return
	}
	s.mu.Unlock()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Levelf(log.Debug, "upgrading %v: %v", r.RemoteAddr, err)
		return
	}
	metrics.Add("websocket upgrades", 1)
	ws.SetReadLimit(s.settings.WebSockets.MaxPayloadLength)
	c := newConn(ws, s.settings.WebSockets.IdleTimeout, s.logger)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.serveConn(r.Context(), c, origin)
}

func (s *Server) serveConn(ctx context.Context, c *conn, origin string) {
	s.logger.Levelf(log.Debug, "websocket opened: %v, origin %q", c.remote, origin)
	go c.writer(s.settings.WebSockets.IdleTimeout / 2)
	err := c.readLoop(ctx, s.tracker)
	s.logger.Levelf(log.Debug, "websocket %v closing: %v", c.remote, err)
	if errors.Is(err, tracker.ErrProtocol) {
		metrics.Add("closed for protocol errors", 1)
	}
	s.tracker.Disconnect(c.tc)
	c.readDone.Set()
	<-c.writerDone
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.settings.Addr())
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done, using TLS if a key file is configured. Open
// WebSockets are closed on return.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	hs := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.WithDefaultLevel(log.Info).Printf(
		"listening on %v, max payload %v",
		l.Addr(), humanize.IBytes(uint64(s.settings.WebSockets.MaxPayloadLength)))
	serveErr := make(chan error, 1)
	go func() {
		if s.settings.KeyFileName != "" {
			serveErr <- hs.ServeTLS(l, s.settings.CertFileName, s.settings.KeyFileName)
		} else {
			serveErr <- hs.Serve(l)
		}
	}()
	select {
	case err := <-serveErr:
		s.Close()
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := hs.Shutdown(shutdownCtx)
	<-serveErr
	return err
}

// Close closes every open WebSocket, and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := slices.Collect(maps.Keys(s.conns))
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
