package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nhoel/portcullis/internal/audit"
	"github.com/nhoel/portcullis/internal/pairing"
	"github.com/nhoel/portcullis/internal/ratelimit"
)

const (
	defaultMaxMessageBytes  = 512 * 1024
	defaultMaxBufferedBytes = 4 * 1024 * 1024
	defaultPongWait         = 60 * time.Second
)

// ServerConfig holds configuration for the gateway server.
type ServerConfig struct {
	Port int
	Bind string // "loopback" (127.0.0.1) or "lan" (0.0.0.0)

	Auth       AuthConfig
	PairingSvc *pairing.Service          // optional — nil disables device pairing
	Limiter    *ratelimit.AttemptLimiter // optional — nil disables lockouts
	Audit      *audit.Logger             // optional
	Presence   *Presence                 // optional — nil disables the presence table

	// Browser (mode "ui") clients must present an Origin from this list.
	// "*" allows any origin.
	AllowedOrigins []string

	// Connection modes allowed to connect without a device identity while
	// pairing is enabled. Such connections carry no scopes.
	DeviceAuthExemptModes []string
	// DisableDeviceAuth waives device identity entirely. Recovery use only.
	DisableDeviceAuth bool

	// TrustedProxies lists proxy addresses whose forwarding headers are
	// honored when attributing a client IP.
	TrustedProxies      []string
	AllowRealIPFallback bool // honor X-Real-IP when X-Forwarded-For is absent

	// Upgrade rate limiting: new WebSocket upgrades per second per client
	// IP, answered with 429 when exceeded. Zero disables.
	RateLimit float64
	RateBurst int

	MaxMessageBytes int64
	PongWait        time.Duration
	PingPeriod      time.Duration
	TickIntervalMs  int

	ServerVersion string
	ServerCommit  string
	Host          string
	StartedAt     time.Time
}

func (c ServerConfig) maxMessageBytes() int64 {
	if c.MaxMessageBytes > 0 {
		return c.MaxMessageBytes
	}
	return defaultMaxMessageBytes
}

func (c ServerConfig) maxBufferedBytes() int {
	return defaultMaxBufferedBytes
}

func (c ServerConfig) pongWait() time.Duration {
	if c.PongWait > 0 {
		return c.PongWait
	}
	return defaultPongWait
}

func (c ServerConfig) pingPeriod() time.Duration {
	if c.PingPeriod > 0 {
		return c.PingPeriod
	}
	return c.pongWait() * 9 / 10
}

// Server is an HTTP server that upgrades connections to WebSocket
// and manages Conn lifecycles.
type Server struct {
	config   ServerConfig
	handler  ConnHandler
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	addr     string
	mu       sync.Mutex
	conns    []*Conn
	connsMu  sync.Mutex

	upgradeLimiters map[string]*rate.Limiter
	limitersMu      sync.Mutex
}

// NewServer creates a new gateway server.
func NewServer(config ServerConfig, handler ConnHandler) *Server {
	if config.StartedAt.IsZero() {
		config.StartedAt = time.Now()
	}
	return &Server{
		config:  config,
		handler: handler,
		upgrader: websocket.Upgrader{
			// Origin policy is enforced per-mode during the handshake,
			// after we know what kind of client is connecting.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		upgradeLimiters: make(map[string]*rate.Limiter),
	}
}

// Addr returns the address the server is listening on, or "" if not yet ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe starts the HTTP server and blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", MetricsHandler())

	bindAddr := "127.0.0.1"
	if s.config.Bind == "lan" {
		bindAddr = "0.0.0.0"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, s.config.Port))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}
	s.mu.Unlock()

	// Shut down when context is cancelled.
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		s.httpSrv.Close()
	}()

	err = s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAllConns()
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientIP := s.clientIP(r)

	if !s.allowUpgrade(clientIP) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := NewConn(wsConn, s.config, s.handler)
	conn.WithRemote(clientIP, isLoopback(clientIP))
	conn.WithOrigin(r.Header.Get("Origin"))

	s.connsMu.Lock()
	s.conns = append(s.conns, conn)
	s.connsMu.Unlock()

	conn.Run(r.Context())

	s.removeConn(conn)
}

// allowUpgrade applies the per-IP upgrade rate limit.
func (s *Server) allowUpgrade(clientIP string) bool {
	if s.config.RateLimit <= 0 {
		return true
	}
	s.limitersMu.Lock()
	lim, ok := s.upgradeLimiters[clientIP]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
		s.upgradeLimiters[clientIP] = lim
	}
	s.limitersMu.Unlock()
	return lim.Allow()
}

// clientIP attributes the request to a client address. Forwarding headers
// are only honored when the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)

	if !s.trustedProxy(peer) {
		return peer
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// Leftmost entry is the original client.
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if s.config.AllowRealIPFallback {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return peer
}

func (s *Server) trustedProxy(ip string) bool {
	for _, p := range s.config.TrustedProxies {
		if hostOnly(p) == ip {
			return true
		}
	}
	return false
}

// hostOnly strips a port and IPv4-mapped prefix from an address.
func hostOnly(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return strings.TrimPrefix(host, "::ffff:")
}

// isLoopback checks if the remote address is a loopback address.
func isLoopback(addr string) bool {
	host := hostOnly(addr)
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	// Fallback for "localhost" or similar
	return host == "localhost"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*Conn, len(s.conns))
	copy(conns, s.conns)
	s.connsMu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

func (s *Server) removeConn(conn *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}
