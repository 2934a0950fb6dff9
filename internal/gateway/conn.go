package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nhoel/portcullis/internal/audit"
	"github.com/nhoel/portcullis/internal/identity"
	"github.com/nhoel/portcullis/internal/pairing"
	"github.com/nhoel/portcullis/internal/protocol"
)

// ConnState represents the lifecycle state of a connection.
type ConnState string

const (
	StateConnecting    ConnState = "connecting"
	StateAuthenticated ConnState = "authenticated"
	StateClosed        ConnState = "closed"
)

// Close reasons ride in a control frame whose payload is capped at 125
// bytes including the 2-byte code.
const closeReasonMax = 120

// WebSocket is the interface for the underlying WebSocket connection.
type WebSocket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnHandler receives lifecycle events from a Conn.
type ConnHandler interface {
	OnAuthenticated(conn *Conn) error
	OnRequest(conn *Conn, req *protocol.RequestFrame) error
	OnDisconnected(conn *Conn)
}

// Conn manages a single WebSocket connection through the handshake
// and authenticated message loop.
type Conn struct {
	ws      WebSocket
	cfg     ServerConfig
	handler ConnHandler
	State   ConnState
	ConnID  string

	ConnectParams *protocol.ConnectParams
	Role          string
	Scopes        []string

	mu      sync.Mutex
	writeMu sync.Mutex
	done    chan struct{}

	pairingSvc     *pairing.Service
	remoteAddr     string
	isLocal        bool
	origin         string
	challengeNonce string

	// Set after successful device verification.
	DeviceID    string
	DeviceToken string
}

// NewConn creates a new connection in the connecting state.
func NewConn(ws WebSocket, cfg ServerConfig, handler ConnHandler) *Conn {
	return &Conn{
		ws:         ws,
		cfg:        cfg,
		handler:    handler,
		State:      StateConnecting,
		ConnID:     generateID(),
		done:       make(chan struct{}),
		pairingSvc: cfg.PairingSvc,
	}
}

// WithPairing attaches a pairing service and connection metadata to the conn.
func (c *Conn) WithPairing(svc *pairing.Service, remoteAddr string, isLocal bool) {
	c.pairingSvc = svc
	c.remoteAddr = remoteAddr
	c.isLocal = isLocal
}

// WithRemote records connection metadata for conns without pairing.
func (c *Conn) WithRemote(remoteAddr string, isLocal bool) {
	c.remoteAddr = remoteAddr
	c.isLocal = isLocal
}

// WithOrigin records the HTTP Origin header the upgrade request carried.
func (c *Conn) WithOrigin(origin string) {
	c.origin = origin
}

// SendEvent sends an event frame to this connection (thread-safe).
func (c *Conn) SendEvent(event string, payload any) error {
	data, err := protocol.MarshalEvent(event, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

// SendResponse sends a response frame to this connection (thread-safe).
func (c *Conn) SendResponse(id string, ok bool, payload any, errShape *protocol.ErrorShape) error {
	data, err := protocol.MarshalResponse(id, ok, payload, errShape)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

func (c *Conn) writeFrame(data []byte) error {
	if err := c.writeMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	IncMessageOut()
	return nil
}

// writeMessage sends data with write serialization.
func (c *Conn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// Run drives the connection lifecycle: challenge → connect → read loop.
// It blocks until the connection is closed or the context is cancelled.
func (c *Conn) Run(ctx context.Context) {
	defer c.shutdown()

	c.ws.SetReadLimit(c.cfg.maxMessageBytes())
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
	})
	go c.pingLoop(ctx)

	// Close websocket on context cancellation to unblock reads.
	go func() {
		select {
		case <-ctx.Done():
			c.ws.Close()
		case <-c.done:
		}
	}()

	// 1. Send challenge
	if err := c.sendChallenge(); err != nil {
		return
	}

	// 2. Wait for connect request
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return
	}
	if err := c.processConnect(data); err != nil {
		return
	}

	// 3. Authenticated read loop
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
		c.processRequest(data)
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) sendChallenge() error {
	c.challengeNonce = identity.GenerateNonce()
	data, err := protocol.MarshalEvent("connect.challenge", protocol.ChallengePayload{
		Nonce: c.challengeNonce,
		TS:    time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

// processConnect walks the first frame through the whole admission pipeline.
// Every check short-circuits: the client gets one error response naming the
// first failure, then the socket closes.
func (c *Conn) processConnect(data []byte) error {
	IncMessageIn()

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		c.closeWith(websocket.CloseProtocolError, "invalid frame")
		return err
	}

	req, ok := frame.(*protocol.RequestFrame)
	if !ok {
		c.closeWith(websocket.CloseProtocolError, "expected request frame")
		return fmt.Errorf("expected request frame")
	}

	if req.Method != "connect" {
		return c.reject(req.ID, protocol.ErrInvalidRequest,
			"first request must be connect", nil, websocket.ClosePolicyViolation)
	}

	var params protocol.ConnectParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendError(req.ID, protocol.ErrInvalidJSON, fmt.Sprintf("invalid connect params: %v", err))
			IncHandshake(protocol.ErrInvalidJSON)
			c.closeWith(websocket.CloseProtocolError, protocol.ErrInvalidJSON)
			return err
		}
	}

	if err := protocol.ValidateConnect(params); err != nil {
		fe := err.(*protocol.FrameError)
		c.sendError(req.ID, fe.Code, fe.Message)
		IncHandshake(fe.Code)
		c.closeWith(websocket.CloseProtocolError, fe.Code)
		return err
	}

	role := params.Role
	if role == "" {
		role = protocol.RoleNode
	}
	if !protocol.ValidRole(role) {
		return c.reject(req.ID, protocol.ErrInvalidRole,
			fmt.Sprintf("unknown role %q", role), nil, websocket.ClosePolicyViolation)
	}

	if params.Client.Mode == "ui" && !originAllowed(c.origin, c.cfg.AllowedOrigins) {
		return c.reject(req.ID, protocol.ErrOriginForbidden,
			fmt.Sprintf("origin %q not allowed", c.origin), nil, websocket.ClosePolicyViolation)
	}

	scopes := identity.CanonicalScopes(params.Scopes)
	nowMs := time.Now().UnixMilli()

	// The signature is checked before the resolver so a forged device
	// payload never touches token-store or limiter state.
	derivedID := ""
	var dv DeviceVerification
	if params.Device != nil {
		derivedID = identity.DeriveDeviceID(params.Device.PublicKey)
		authToken := ""
		if params.Auth != nil {
			authToken = params.Auth.Token
		}
		dv = VerifyDeviceIdentity(VerifyDeviceInput{
			Device:         params.Device,
			ClientID:       params.Client.ID,
			ClientMode:     params.Client.Mode,
			Role:           role,
			Scopes:         scopes,
			AuthToken:      authToken,
			ChallengeNonce: c.challengeNonce,
			IsLocal:        c.isLocal,
			NowMs:          nowMs,
		})
		if !dv.OK {
			c.auditLog().Record(audit.Event{
				Type:     audit.EventHandshakeReject,
				DeviceID: dv.DeviceID,
				ClientID: params.Client.ID,
				RemoteIP: c.remoteIP(),
				Reason:   dv.Reason,
			})
			IncError("auth")
			return c.reject(req.ID, protocol.ErrInvalidDevice, dv.Reason, nil, websocket.ClosePolicyViolation)
		}
	}

	verdict := c.resolver().Resolve(ResolveInput{
		Auth:     params.Auth,
		DeviceID: derivedID,
		Role:     role,
		Scopes:   scopes,
		RemoteIP: c.remoteIP(),
		ClientID: params.Client.ID,
		NowMs:    nowMs,
	})
	if verdict.RateLimited {
		IncLockout(verdict.LimitedScope)
		return c.reject(req.ID, protocol.ErrRateLimited, "too many failed attempts",
			map[string]any{"retryAfterMs": verdict.RetryAfterMs}, websocket.ClosePolicyViolation)
	}
	if !verdict.OK {
		IncError("auth")
		return c.reject(req.ID, protocol.ErrUnauthorized, verdict.Reason, nil, websocket.ClosePolicyViolation)
	}

	var deviceToken string
	var issuedAtMs int64
	if params.Device != nil {
		c.DeviceID = dv.DeviceID

		if c.pairingSvc != nil {
			action := c.pairingSvc.Reconcile(pairing.ReconcileParams{
				DeviceID:    dv.DeviceID,
				PublicKey:   params.Device.PublicKey,
				DisplayName: params.Client.DisplayName,
				Platform:    params.Client.Platform,
				ClientID:    params.Client.ID,
				ClientMode:  params.Client.Mode,
				Role:        role,
				Scopes:      scopes,
				RemoteIP:    c.remoteIP(),
				AuthMethod:  verdict.Method,
				IsLocal:     c.isLocal,
			})
			switch action.Status {
			case pairing.StatusPaired, pairing.StatusAutoApproved:
				if tok := c.pairingSvc.EnsureDeviceToken(dv.DeviceID, role, scopes); tok != nil {
					deviceToken = tok.Token
					issuedAtMs = tok.CreatedAtMs
					if tok.RotatedAtMs > issuedAtMs {
						issuedAtMs = tok.RotatedAtMs
					}
				}
			case pairing.StatusPairingRequired:
				return c.reject(req.ID, protocol.ErrNotPaired,
					"device not paired; approval pending",
					map[string]string{"requestId": action.RequestID},
					websocket.ClosePolicyViolation)
			default:
				return c.reject(req.ID, protocol.ErrUnavailable,
					"unexpected pairing status", nil, websocket.ClosePolicyViolation)
			}
		}
	} else {
		if c.deviceRequired(params.Client.Mode) {
			return c.reject(req.ID, protocol.ErrDeviceRequired,
				"device identity required", nil, websocket.ClosePolicyViolation)
		}
		// Scope grants are tied to a device identity.
		scopes = nil
	}

	c.ConnectParams = &params
	c.Role = role
	c.Scopes = scopes
	c.DeviceToken = deviceToken

	if c.cfg.Presence != nil {
		c.cfg.Presence.Upsert(protocol.PresenceEntry{
			ConnID:      c.ConnID,
			DeviceID:    c.DeviceID,
			ClientID:    params.Client.ID,
			Role:        role,
			Mode:        params.Client.Mode,
			ConnectedAt: nowMs,
		})
	}

	hello := c.buildHello(verdict.Method, deviceToken, issuedAtMs, nowMs)
	resData, err := protocol.MarshalResponse(req.ID, true, hello, nil)
	if err != nil {
		return err
	}
	if err := c.writeFrame(resData); err != nil {
		return err
	}

	c.mu.Lock()
	c.State = StateAuthenticated
	c.mu.Unlock()

	IncHandshake("ok")
	IncConnectedClients()

	c.handler.OnAuthenticated(c)
	return nil
}

func (c *Conn) buildHello(authMethod, deviceToken string, issuedAtMs, nowMs int64) protocol.HelloOk {
	var snapshot []protocol.PresenceEntry
	if c.cfg.Presence != nil {
		snapshot = c.cfg.Presence.Snapshot()
	}

	uptimeMs := int64(0)
	if !c.cfg.StartedAt.IsZero() {
		uptimeMs = nowMs - c.cfg.StartedAt.UnixMilli()
	}

	hello := protocol.HelloOk{
		Type:     "hello-ok",
		Protocol: protocol.ServerProtocol,
		Server: protocol.ServerInfo{
			Version: c.cfg.ServerVersion,
			Commit:  c.cfg.ServerCommit,
			Host:    c.cfg.Host,
			ConnID:  c.ConnID,
		},
		Features: protocol.Features{
			Methods: supportedMethods(),
			Events:  supportedEvents(),
		},
		Snapshot: protocol.Snapshot{
			Presence: snapshot,
			UptimeMs: uptimeMs,
		},
		Policy: protocol.Policy{
			MaxPayloadBytes:  int(c.cfg.maxMessageBytes()),
			MaxBufferedBytes: c.cfg.maxBufferedBytes(),
			TickIntervalMs:   c.cfg.TickIntervalMs,
		},
	}

	if deviceToken != "" || authMethod == "device-token" {
		hello.Auth = &protocol.HelloAuthInfo{
			DeviceToken: deviceToken,
			Role:        c.Role,
			Scopes:      c.Scopes,
			IssuedAtMs:  issuedAtMs,
		}
	}
	return hello
}

func supportedMethods() []string {
	return []string{"connect", "ping", "presence.list"}
}

func supportedEvents() []string {
	return []string{"connect.challenge", "presence.updated", "tick", "shutdown"}
}

func (c *Conn) resolver() *Resolver {
	var tokens *pairing.TokenStore
	if c.pairingSvc != nil {
		tokens = c.pairingSvc.Tokens()
	}
	return NewResolver(c.cfg.Auth, c.cfg.Limiter, tokens, c.cfg.Audit)
}

func (c *Conn) auditLog() *audit.Logger {
	if c.cfg.Audit != nil {
		return c.cfg.Audit
	}
	return audit.NewLogger(nil)
}

func (c *Conn) deviceRequired(mode string) bool {
	if c.pairingSvc == nil || c.cfg.DisableDeviceAuth {
		return false
	}
	for _, m := range c.cfg.DeviceAuthExemptModes {
		if m == mode {
			return false
		}
	}
	return true
}

func (c *Conn) remoteIP() string {
	return hostOnly(c.remoteAddr)
}

// originAllowed reports whether a browser origin may connect. Non-browser
// clients send no Origin header and always pass.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func (c *Conn) processRequest(data []byte) {
	IncMessageIn()

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		IncError("protocol")
		return
	}

	req, ok := frame.(*protocol.RequestFrame)
	if !ok {
		return
	}

	c.handler.OnRequest(c, req)
}

// reject sends a terminal error response, counts the outcome, and closes the
// socket with the given close code.
func (c *Conn) reject(id, code, message string, details any, closeCode int) error {
	c.sendErrorDetails(id, code, message, details)
	IncHandshake(code)
	c.closeWith(closeCode, code)
	return fmt.Errorf("handshake rejected: %s: %s", code, message)
}

func (c *Conn) sendError(id, code, message string) {
	c.sendErrorDetails(id, code, message, nil)
}

func (c *Conn) sendErrorDetails(id, code, message string, details any) {
	shape := &protocol.ErrorShape{Code: code, Message: message}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			shape.Details = raw
		}
	}
	data, _ := protocol.MarshalResponse(id, false, nil, shape)
	c.writeFrame(data)
}

func (c *Conn) closeWith(code int, reason string) {
	if len(reason) > closeReasonMax {
		reason = reason[:closeReasonMax]
	}
	c.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	wasAuthenticated := c.State == StateAuthenticated
	alreadyClosed := c.State == StateClosed
	c.State = StateClosed
	c.mu.Unlock()

	if alreadyClosed {
		return
	}
	close(c.done)

	c.ws.Close()

	if c.cfg.Presence != nil {
		c.cfg.Presence.Remove(c.ConnID)
	}

	if wasAuthenticated {
		DecConnectedClients()
		c.handler.OnDisconnected(c)
	}
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
