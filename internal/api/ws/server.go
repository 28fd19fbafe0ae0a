// Package ws accepts the per-call audio websocket opened by FreeSWITCH
// mod_audio_stream and hands each connection to the orchestrator.
package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/basita512/Conversational-IVR/internal/service/orchestrator"
)

const writeTimeout = time.Second

// Handler owns one call connection until the call ends.
type Handler interface {
	Serve(ctx context.Context, t orchestrator.Transport) error
}

// Config holds listener settings.
type Config struct {
	Addr         string
	Path         string
	PingInterval time.Duration
	ReadLimit    int64
}

// Server is the websocket listener for call audio.
type Server struct {
	cfg      Config
	handler  Handler
	upgrader websocket.Upgrader
	server   *http.Server

	// base is cancelled on shutdown so that in-flight calls end.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int32
}

// NewServer creates a websocket server that passes connections to h.
func NewServer(cfg Config, h Handler) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		base:   base,
		cancel: cancel,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the HTTP handler serving the upgrade endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get(s.cfg.Path, s.handleUpgrade)
	return r
}

// Active returns the number of open call connections.
func (s *Server) Active() int {
	return int(s.active.Load())
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.base.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	s.wg.Add(1)
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.wg.Done()
	}()

	log.Info().Str("remote", r.RemoteAddr).Msg("Audio stream connected")

	t := newTransport(conn)
	stop := make(chan struct{})
	go t.keepAlive(s.cfg.PingInterval, stop)
	defer close(stop)

	if err := s.handler.Serve(s.base, t); err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Audio stream rejected")
	}
	_ = t.Close()
}

// Start starts the websocket listener in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Msg("Starting audio websocket server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Audio websocket server error")
		}
	}()
}

// Shutdown stops accepting connections, ends in-flight calls and waits
// for them to tear down or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Int("activeCalls", s.Active()).Msg("Shutting down audio websocket server")
	err := s.server.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transport adapts a websocket connection to orchestrator.Transport.
type transport struct {
	conn *websocket.Conn
	once sync.Once
	err  error
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{conn: conn}
}

func (t *transport) Receive() (orchestrator.Message, error) {
	typ, data, err := t.conn.ReadMessage()
	if err != nil {
		return orchestrator.Message{}, err
	}
	return orchestrator.Message{Binary: typ == websocket.BinaryMessage, Data: data}, nil
}

func (t *transport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

// Close sends a normal close frame and closes the connection once.
func (t *transport) Close() error {
	t.once.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		t.err = t.conn.Close()
	})
	return t.err
}

// keepAlive pings the peer until stop is closed or a ping fails.
func (t *transport) keepAlive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
