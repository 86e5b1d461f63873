package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/pkg/protocol"
)

const (
	readLimit       = 1 << 20 // 1 MiB per frame
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 50 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server is the WebSocket gateway: it upgrades clients at /ws, answers
// /health, and fans message.outbound events out to connected clients.
type Server struct {
	addr       string
	token      string
	limit      rate.Limit
	burst      int
	dispatcher *Dispatcher
	bus        *bus.Bus

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.RWMutex
	clients map[*Client]struct{}

	outboundSub int
}

// ServerConfig carries the gateway's listen and auth settings.
type ServerConfig struct {
	Host         string
	Port         int
	Token        string
	RateLimitRPM int
}

func NewServer(cfg ServerConfig, dispatcher *Dispatcher, eventBus *bus.Bus) *Server {
	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 60
	}
	return &Server{
		addr:       fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		token:      cfg.Token,
		limit:      rate.Limit(float64(rpm) / 60.0),
		burst:      rpm,
		dispatcher: dispatcher,
		bus:        eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Gateway binds to loopback by default; cross-origin browser
			// clients are expected when the operator exposes it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
	}
}

// Start serves until ctx is cancelled, then drains clients and shuts
// the listener down.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.outboundSub = s.bus.Subscribe(bus.TopicMessageOutbound, s.onOutbound)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.addr, err)
	}
	slog.Info("gateway.started", "addr", ln.Addr().String(), "protocol", protocol.ProtocolVersion)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := s.httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown closes every client and stops the HTTP server.
func (s *Server) Shutdown() error {
	s.bus.Unsubscribe(bus.TopicMessageOutbound, s.outboundSub)

	s.mu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.clients = make(map[*Client]struct{})
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	slog.Info("gateway.stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(conn, s, rate.NewLimiter(s.limit, s.burst))
	s.register(client)
	slog.Info("gateway.client.connected", "remote", r.RemoteAddr)

	go client.writeLoop()
	go client.readLoop()
}

// authorized checks the bearer token. An empty configured token
// disables auth (loopback development mode).
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		presented = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	slog.Info("gateway.client.disconnected")
}

// onOutbound forwards message.outbound events to clients subscribed to
// the originating channel.
func (s *Server) onOutbound(ev bus.Event) {
	payload, ok := ev.Payload.(bus.MessageOutboundPayload)
	if !ok {
		return
	}
	frame := outboundFrame{
		Type:      "message",
		SessionID: payload.SessionID,
		Channel:   payload.Message.Channel,
		ChatID:    payload.Message.ChatID,
		Content:   payload.Message.Content,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if c.wantsChannel(payload.Message.Channel) {
			c.SendJSON(frame)
		}
	}
}

// StartTestServer starts a gateway on an ephemeral loopback port and
// returns its base URL plus a stop function. Test helper.
func StartTestServer(dispatcher *Dispatcher, eventBus *bus.Bus, token string) (string, func(), error) {
	s := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, Token: token, RateLimitRPM: 600}, dispatcher, eventBus)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	s.httpSrv = &http.Server{Handler: mux}
	s.outboundSub = s.bus.Subscribe(bus.TopicMessageOutbound, s.onOutbound)

	go s.httpSrv.Serve(ln)

	stop := func() { _ = s.Shutdown() }
	return "http://" + ln.Addr().String(), stop, nil
}
