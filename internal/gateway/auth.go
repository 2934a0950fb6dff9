package gateway

import (
	"crypto/subtle"
	"time"

	"github.com/nhoel/portcullis/internal/audit"
	"github.com/nhoel/portcullis/internal/pairing"
	"github.com/nhoel/portcullis/internal/protocol"
	"github.com/nhoel/portcullis/internal/ratelimit"
)

// AuthConfig holds the server-side shared-secret settings.
type AuthConfig struct {
	Mode     string `json:"mode"`               // "none", "token", or "password"
	Token    string `json:"token,omitempty"`    // required when Mode == "token"
	Password string `json:"password,omitempty"` // required when Mode == "password"
}

// AuthResult is the outcome of a shared-secret check.
type AuthResult struct {
	OK     bool   // whether authentication succeeded
	Method string // which auth method was used (e.g. "token", "password", "none")
	Reason string // failure reason, empty on success
}

// Authenticate checks the provided shared-secret credentials against the
// server config. It is one factor of Resolver.Resolve; callers that need
// rate limiting and device tokens should go through the resolver.
func Authenticate(cfg AuthConfig, provided *protocol.ConnectAuth) AuthResult {
	switch cfg.Mode {

	case "none":
		return AuthResult{OK: true, Method: "none"}

	case "token":
		if provided == nil || provided.Token == "" {
			return AuthResult{OK: false, Method: "token", Reason: "token_missing"}
		}

		if subtle.ConstantTimeCompare([]byte(cfg.Token), []byte(provided.Token)) != 1 {
			return AuthResult{OK: false, Method: "token", Reason: "token_mismatch"}
		}

		return AuthResult{OK: true, Method: "token"}

	case "password":
		if provided == nil || provided.Password == "" {
			return AuthResult{OK: false, Method: "password", Reason: "password_missing"}
		}

		if subtle.ConstantTimeCompare([]byte(cfg.Password), []byte(provided.Password)) != 1 {
			return AuthResult{OK: false, Method: "password", Reason: "password_mismatch"}
		}

		return AuthResult{OK: true, Method: "password"}

	default:
		return AuthResult{OK: false, Reason: "unknown_auth_mode"}
	}
}

// ResolveInput carries everything the resolver needs to judge one connect
// attempt. DeviceID is the id derived from the presented public key, or ""
// when the client sent no device payload.
type ResolveInput struct {
	Auth     *protocol.ConnectAuth
	DeviceID string
	Role     string
	Scopes   []string
	RemoteIP string
	ClientID string
	NowMs    int64
}

// ResolveResult is the combined verdict over both credential factors.
type ResolveResult struct {
	OK           bool
	Method       string // "none", "token", "password", or "device-token"
	Reason       string
	RateLimited  bool
	RetryAfterMs int64
	LimitedScope string // limiter scope that triggered the lockout
}

// Resolver combines the shared-secret factor with stored device tokens and
// an attempt limiter. Either factor passing authenticates the connection;
// the shared secret wins when both pass.
type Resolver struct {
	cfg     AuthConfig
	limiter *ratelimit.AttemptLimiter
	tokens  *pairing.TokenStore
	audit   *audit.Logger
}

// NewResolver builds a resolver. limiter and tokens may be nil, which
// disables lockouts and the device-token factor respectively.
func NewResolver(cfg AuthConfig, limiter *ratelimit.AttemptLimiter, tokens *pairing.TokenStore, auditLog *audit.Logger) *Resolver {
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &Resolver{cfg: cfg, limiter: limiter, tokens: tokens, audit: auditLog}
}

// Resolve evaluates one connect attempt. Lockout state is consulted before
// either credential, so a locked-out caller gets a rate-limited verdict even
// when its credentials are correct.
func (r *Resolver) Resolve(in ResolveInput) ResolveResult {
	if in.NowMs == 0 {
		in.NowMs = time.Now().UnixMilli()
	}

	if r.limiter != nil {
		limited, retryAfter := r.limiter.Check(in.RemoteIP, ratelimit.ScopeSharedSecret, in.NowMs)
		scope := ratelimit.ScopeSharedSecret
		if tLimited, tRetry := r.limiter.Check(in.RemoteIP, ratelimit.ScopeDeviceToken, in.NowMs); tLimited {
			limited = true
			if tRetry > retryAfter {
				retryAfter = tRetry
				scope = ratelimit.ScopeDeviceToken
			}
		}
		if limited {
			return ResolveResult{Reason: "rate_limited", RateLimited: true, RetryAfterMs: retryAfter, LimitedScope: scope}
		}
	}

	secret := Authenticate(r.cfg, in.Auth)
	if secret.OK {
		if r.limiter != nil {
			r.limiter.Reset(in.RemoteIP, ratelimit.ScopeSharedSecret)
		}
		return ResolveResult{OK: true, Method: secret.Method}
	}

	tokenAttempted := false
	tokenReason := ""
	if r.tokens != nil && in.DeviceID != "" && in.Auth != nil && in.Auth.Token != "" {
		tokenAttempted = true
		verdict := r.tokens.Verify(pairing.VerifyTokenParams{
			DeviceID: in.DeviceID,
			Token:    in.Auth.Token,
			Role:     in.Role,
			Scopes:   in.Scopes,
		})
		if verdict.OK {
			if r.limiter != nil {
				r.limiter.Reset(in.RemoteIP, ratelimit.ScopeDeviceToken)
			}
			return ResolveResult{OK: true, Method: "device-token"}
		}
		if r.limiter != nil {
			r.limiter.RecordFailure(in.RemoteIP, ratelimit.ScopeDeviceToken, in.NowMs)
		}
		tokenReason = verdict.Reason
		r.audit.AuthFailure(in.RemoteIP, in.ClientID, "device-token", verdict.Reason)
	}

	// The shared-secret factor only counts against the limiter when the
	// client actually presented a credential for it.
	credentialed := in.Auth != nil && (in.Auth.Token != "" || in.Auth.Password != "")
	if credentialed && !tokenAttempted {
		if r.limiter != nil {
			r.limiter.RecordFailure(in.RemoteIP, ratelimit.ScopeSharedSecret, in.NowMs)
		}
		r.audit.AuthFailure(in.RemoteIP, in.ClientID, secret.Method, secret.Reason)
	}

	// The token store's verdict names the exact failure (revoked token,
	// scope mismatch), which beats the generic shared-secret reason.
	if tokenAttempted && tokenReason != "" {
		return ResolveResult{Method: "device-token", Reason: tokenReason}
	}
	return ResolveResult{Method: secret.Method, Reason: secret.Reason}
}
