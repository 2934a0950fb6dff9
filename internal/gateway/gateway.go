package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nhoel/portcullis/internal/audit"
	"github.com/nhoel/portcullis/internal/pairing"
	"github.com/nhoel/portcullis/internal/protocol"
	"github.com/nhoel/portcullis/internal/ratelimit"
	"github.com/nhoel/portcullis/internal/session"
)

// GatewayConfig configures the gateway.
type GatewayConfig struct {
	Port         int
	Bind         string // "loopback" or "lan"
	AuthToken    string
	AuthPassword string
	TickInterval time.Duration

	PairingSvc *pairing.Service          // optional — nil disables device pairing
	Limiter    *ratelimit.AttemptLimiter // optional
	Audit      *audit.Logger             // optional

	AllowedOrigins        []string
	DeviceAuthExemptModes []string
	DisableDeviceAuth     bool
	TrustedProxies        []string
	AllowRealIPFallback   bool

	RateLimit float64
	RateBurst int

	ServerVersion string
	ServerCommit  string
	Host          string
}

// Gateway is the top-level orchestrator that ties together the WebSocket
// server, the session registry, and the presence table.
type Gateway struct {
	config   GatewayConfig
	server   *Server
	registry *session.Registry
	presence *Presence
}

// New creates and wires up a new Gateway.
func New(config GatewayConfig) (*Gateway, error) {
	gw := &Gateway{
		config:   config,
		registry: session.NewRegistry(),
		presence: NewPresence(),
	}

	authCfg := AuthConfig{Mode: "none"}
	switch {
	case config.AuthToken != "":
		authCfg = AuthConfig{Mode: "token", Token: config.AuthToken}
	case config.AuthPassword != "":
		authCfg = AuthConfig{Mode: "password", Password: config.AuthPassword}
	}

	gw.server = NewServer(ServerConfig{
		Port:                  config.Port,
		Bind:                  config.Bind,
		Auth:                  authCfg,
		PairingSvc:            config.PairingSvc,
		Limiter:               config.Limiter,
		Audit:                 config.Audit,
		Presence:              gw.presence,
		AllowedOrigins:        config.AllowedOrigins,
		DeviceAuthExemptModes: config.DeviceAuthExemptModes,
		DisableDeviceAuth:     config.DisableDeviceAuth,
		TrustedProxies:        config.TrustedProxies,
		AllowRealIPFallback:   config.AllowRealIPFallback,
		RateLimit:             config.RateLimit,
		RateBurst:             config.RateBurst,
		TickIntervalMs:        int(config.TickInterval / time.Millisecond),
		ServerVersion:         config.ServerVersion,
		ServerCommit:          config.ServerCommit,
		Host:                  config.Host,
	}, gw)
	return gw, nil
}

// Run starts the gateway server and tick loop. Blocks until ctx is cancelled.
func (gw *Gateway) Run(ctx context.Context) error {
	if gw.config.TickInterval > 0 {
		go gw.tickLoop(ctx)
	}
	return gw.server.ListenAndServe(ctx)
}

// Registry returns the gateway's session registry for external use.
func (gw *Gateway) Registry() *session.Registry { return gw.registry }

// Presence returns the gateway's presence table.
func (gw *Gateway) Presence() *Presence { return gw.presence }

// PairingSvc returns the gateway's pairing service for external use.
func (gw *Gateway) PairingSvc() *pairing.Service { return gw.config.PairingSvc }

// Addr returns the listen address once the server is up.
func (gw *Gateway) Addr() string { return gw.server.Addr() }

// Shutdown sends a shutdown event to all connections and gracefully stops the server.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.broadcast("shutdown", nil)
	return gw.server.Shutdown(ctx)
}

// --- ConnHandler implementation ---

func (gw *Gateway) OnAuthenticated(conn *Conn) error {
	if conn.ConnectParams == nil {
		return nil
	}

	sess := session.New(
		conn.ConnectParams.Client.ID,
		conn.ConnID,
		conn.DeviceID,
		conn.ConnectParams.Client.DisplayName,
		conn.ConnectParams.Client.Platform,
		conn.ConnectParams.Client.Version,
		conn.Role,
		conn.Scopes,
		func(event string, payload any) error {
			return conn.SendEvent(event, payload)
		},
	)
	gw.registry.Register(sess)

	gw.broadcast("presence.updated", gw.presencePayload())
	return nil
}

func (gw *Gateway) OnRequest(conn *Conn, req *protocol.RequestFrame) error {
	switch req.Method {
	case "ping":
		return conn.SendResponse(req.ID, true, map[string]any{"ts": time.Now().UnixMilli()}, nil)
	case "presence.list":
		return conn.SendResponse(req.ID, true, gw.presencePayload(), nil)
	default:
		return conn.SendResponse(req.ID, false, nil, &protocol.ErrorShape{
			Code:    protocol.ErrUnavailable,
			Message: fmt.Sprintf("unknown method %q", req.Method),
		})
	}
}

func (gw *Gateway) OnDisconnected(conn *Conn) {
	if conn.ConnID != "" {
		gw.registry.Unregister(conn.ConnID)
	}
	gw.broadcast("presence.updated", gw.presencePayload())
}

func (gw *Gateway) presencePayload() map[string]any {
	return map[string]any{
		"presence": gw.presence.Snapshot(),
		"version":  gw.presence.Version(),
	}
}

// --- tick & broadcast ---

func (gw *Gateway) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(gw.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gw.broadcast("tick", map[string]any{"ts": time.Now().Unix()})
		}
	}
}

func (gw *Gateway) broadcast(event string, payload any) {
	for _, s := range gw.registry.List() {
		s.Send(event, payload)
	}
}
