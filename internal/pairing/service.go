package pairing

import (
	"fmt"
	"time"

	"github.com/nhoel/portcullis/internal/audit"
	"github.com/nhoel/portcullis/internal/identity"
)

// Reconcile statuses.
const (
	StatusPaired          = "paired"
	StatusAutoApproved    = "auto-approved"
	StatusPairingRequired = "pairing-required"
)

// Service orchestrates pairing: reconcile during handshake, approve/deny
// from the admin surface, token ensure/verify/revoke.
type Service struct {
	store  *Store
	tokens *TokenStore
	audit  *audit.Logger
}

// NewService creates a pairing service wrapping the given store.
func NewService(store *Store, auditLog *audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	return &Service{
		store:  store,
		tokens: NewTokenStore(store),
		audit:  auditLog,
	}
}

// Tokens exposes the per-role token store.
func (s *Service) Tokens() *TokenStore { return s.tokens }

// Store exposes the underlying pairing store.
func (s *Service) Store() *Store { return s.store }

// PairingRequestInput holds fields for requesting device pairing.
type PairingRequestInput struct {
	DeviceID    string
	PublicKey   string
	DisplayName string
	Platform    string
	ClientID    string
	ClientMode  string
	Role        string
	Scopes      []string
	RemoteIP    string
	IsLocal     bool
	IsUpgrade   bool
}

// ReconcileParams holds fields for checking pairing status during handshake.
type ReconcileParams struct {
	DeviceID    string
	PublicKey   string
	DisplayName string
	Platform    string
	ClientID    string
	ClientMode  string
	Role        string
	Scopes      []string
	RemoteIP    string
	AuthMethod  string // resolver verdict method carried into upgrade audits
	IsLocal     bool
}

// PairingAction is the result of a reconcile.
type PairingAction struct {
	Status    string // StatusPaired, StatusAutoApproved, StatusPairingRequired
	RequestID string // set when Status == StatusPairingRequired
	Device    *PairedDevice
}

// Reconcile determines what action is needed during handshake, after the
// device signature has been verified.
//
// A device paired under its current key whose requested role and scopes fall
// inside its grants passes straight through. Requesting a new role, or
// scopes beyond the granted set, is an upgrade: it always queues for
// approval and is audited, even from the local machine. Unknown devices
// connecting from loopback are approved silently on first contact; everyone
// else waits for an operator.
func (s *Service) Reconcile(params ReconcileParams) PairingAction {
	// Best-effort reload in case another process (CLI) updated the store.
	_ = s.store.Reload()

	scopes := identity.CanonicalScopes(params.Scopes)
	device := s.store.GetPairedDevice(params.DeviceID)

	if device != nil && device.PublicKey == params.PublicKey {
		upgrade := (params.Role != "" && !device.HasRole(params.Role)) ||
			!scopesContainAll(device.Scopes, scopes)
		if !upgrade {
			s.store.TouchLastConnected(params.DeviceID, time.Now().UnixMilli())
			return PairingAction{Status: StatusPaired, Device: device}
		}

		reason := audit.ReasonScopeUpgrade
		if params.Role != "" && !device.HasRole(params.Role) {
			reason = audit.ReasonRoleUpgrade
		}
		rolesTo := unionStrings(device.Roles, []string{params.Role})
		scopesTo := identity.CanonicalScopes(append(append([]string{}, device.Scopes...), scopes...))
		s.audit.Upgrade(params.DeviceID, params.ClientID, params.RemoteIP,
			params.AuthMethod, reason,
			device.Roles, rolesTo, device.Scopes, scopesTo)

		pending, err := s.RequestPairing(PairingRequestInput{
			DeviceID:    params.DeviceID,
			PublicKey:   params.PublicKey,
			DisplayName: params.DisplayName,
			Platform:    params.Platform,
			ClientID:    params.ClientID,
			ClientMode:  params.ClientMode,
			Role:        params.Role,
			Scopes:      scopes,
			RemoteIP:    params.RemoteIP,
			IsUpgrade:   true,
		})
		if err != nil || pending == nil {
			return PairingAction{Status: StatusPairingRequired}
		}
		return PairingAction{Status: StatusPairingRequired, RequestID: pending.RequestID}
	}

	input := PairingRequestInput{
		DeviceID:    params.DeviceID,
		PublicKey:   params.PublicKey,
		DisplayName: params.DisplayName,
		Platform:    params.Platform,
		ClientID:    params.ClientID,
		ClientMode:  params.ClientMode,
		Role:        params.Role,
		Scopes:      scopes,
		RemoteIP:    params.RemoteIP,
		IsLocal:     params.IsLocal,
	}

	if params.IsLocal {
		pending, err := s.RequestPairing(input)
		if err != nil {
			return PairingAction{Status: StatusPairingRequired}
		}
		if pending == nil {
			return PairingAction{Status: StatusPaired, Device: device}
		}

		approved, err := s.Approve(pending.RequestID)
		if err != nil || approved == nil {
			return PairingAction{Status: StatusPairingRequired, RequestID: pending.RequestID}
		}
		return PairingAction{Status: StatusAutoApproved, Device: approved}
	}

	pending, _ := s.RequestPairing(input)
	requestID := ""
	if pending != nil {
		requestID = pending.RequestID
	}
	return PairingAction{Status: StatusPairingRequired, RequestID: requestID}
}

// RequestPairing creates (or merges into) a pending request for a device.
// If the device is already paired with the same public key and the request
// carries no new grants, returns (nil, nil) — no action needed.
func (s *Service) RequestPairing(req PairingRequestInput) (*PendingRequest, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("deviceID is required")
	}

	existing := s.store.GetPairedDevice(req.DeviceID)
	if existing != nil && existing.PublicKey == req.PublicKey && !req.IsUpgrade {
		return nil, nil // already paired, no action
	}

	isRepair := existing != nil && existing.PublicKey != req.PublicKey

	var roles []string
	if req.Role != "" {
		roles = []string{req.Role}
	}

	fresh := s.store.GetPendingByDevice(req.DeviceID) == nil

	pending, err := s.store.UpsertPending(PendingRequest{
		RequestID:   identity.GenerateNonce(),
		DeviceID:    req.DeviceID,
		PublicKey:   req.PublicKey,
		DisplayName: req.DisplayName,
		Platform:    req.Platform,
		ClientID:    req.ClientID,
		ClientMode:  req.ClientMode,
		Roles:       roles,
		Scopes:      identity.CanonicalScopes(req.Scopes),
		RemoteIP:    req.RemoteIP,
		Silent:      req.IsLocal,
		IsRepair:    isRepair,
		IsUpgrade:   req.IsUpgrade,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("add pending: %w", err)
	}

	if fresh && !req.IsLocal {
		s.audit.Record(audit.Event{
			Type:     audit.EventPairingRequested,
			DeviceID: req.DeviceID,
			ClientID: req.ClientID,
			RemoteIP: req.RemoteIP,
			Details:  map[string]any{"request_id": pending.RequestID, "roles": pending.Roles, "scopes": pending.Scopes},
		})
	}

	return &pending, nil
}

// Approve approves a pending pairing request. Grants merge grow-only into
// any existing device record, every pending request for the same device is
// resolved, and a token is minted per approved role. Returns nil if the
// request is unknown (already resolved approvals are a no-op).
func (s *Service) Approve(requestID string) (*PairedDevice, error) {
	req := s.store.GetPendingRequest(requestID)
	if req == nil {
		return nil, nil
	}

	resolved, err := s.store.RemovePendingForDevice(req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resolve pending: %w", err)
	}

	now := time.Now().UnixMilli()

	roles := []string{}
	scopes := []string{}
	for _, r := range resolved {
		roles = unionStrings(roles, r.Roles)
		scopes = append(scopes, r.Scopes...)
	}
	scopes = identity.CanonicalScopes(scopes)

	existing := s.store.GetPairedDevice(req.DeviceID)
	if existing != nil {
		device := *existing
		device.PublicKey = req.PublicKey
		if req.DisplayName != "" {
			device.DisplayName = req.DisplayName
		}
		if req.Platform != "" {
			device.Platform = req.Platform
		}
		if req.ClientID != "" {
			device.ClientID = req.ClientID
		}
		if req.ClientMode != "" {
			device.ClientMode = req.ClientMode
		}
		if req.RemoteIP != "" {
			device.RemoteIP = req.RemoteIP
		}
		device.Roles = unionStrings(device.Roles, roles)
		device.Scopes = identity.CanonicalScopes(append(device.Scopes, scopes...))
		device.ApprovedAtMs = now
		if err := s.store.SetPaired(device); err != nil {
			return nil, fmt.Errorf("set paired: %w", err)
		}
	} else {
		device := PairedDevice{
			DeviceID:     req.DeviceID,
			PublicKey:    req.PublicKey,
			DisplayName:  req.DisplayName,
			Platform:     req.Platform,
			ClientID:     req.ClientID,
			ClientMode:   req.ClientMode,
			Roles:        roles,
			Scopes:       scopes,
			RemoteIP:     req.RemoteIP,
			CreatedAtMs:  now,
			ApprovedAtMs: now,
			Tokens:       make(map[string]DeviceAuthToken),
		}
		if err := s.store.SetPaired(device); err != nil {
			return nil, fmt.Errorf("set paired: %w", err)
		}
	}

	for _, role := range roles {
		if s.tokens.Ensure(req.DeviceID, role, scopes) == nil {
			return nil, fmt.Errorf("mint token for role %q", role)
		}
	}

	s.audit.Record(audit.Event{
		Type:     audit.EventPairingApproved,
		DeviceID: req.DeviceID,
		ClientID: req.ClientID,
		RemoteIP: req.RemoteIP,
		Details:  map[string]any{"request_id": requestID, "roles": roles, "scopes": scopes, "silent": req.Silent},
	})

	return s.store.GetPairedDevice(req.DeviceID), nil
}

// Deny removes a pending pairing request without granting anything.
// Returns the denied request, or nil if not found.
func (s *Service) Deny(requestID string) (*PendingRequest, error) {
	removed, err := s.store.RemovePending(requestID)
	if err != nil {
		return nil, fmt.Errorf("remove pending: %w", err)
	}
	if removed != nil {
		s.audit.Record(audit.Event{
			Type:     audit.EventPairingDenied,
			DeviceID: removed.DeviceID,
			ClientID: removed.ClientID,
			RemoteIP: removed.RemoteIP,
			Details:  map[string]any{"request_id": requestID},
		})
	}
	return removed, nil
}

// VerifyDeviceToken validates a device token for a given role + scopes.
func (s *Service) VerifyDeviceToken(params VerifyTokenParams) VerifyTokenResult {
	return s.tokens.Verify(params)
}

// EnsureDeviceToken returns or creates a token for a paired device + role.
func (s *Service) EnsureDeviceToken(deviceID, role string, scopes []string) *DeviceAuthToken {
	return s.tokens.Ensure(deviceID, role, identity.CanonicalScopes(scopes))
}

// RotateDeviceToken replaces the bearer string for an existing token,
// keeping its scope set.
func (s *Service) RotateDeviceToken(deviceID, role string) *DeviceAuthToken {
	return s.tokens.Rotate(deviceID, role)
}

// RevokeDeviceToken marks a device's token for a role as revoked.
func (s *Service) RevokeDeviceToken(deviceID, role string) *DeviceAuthToken {
	tok := s.tokens.Revoke(deviceID, role)
	if tok != nil {
		s.audit.Record(audit.Event{
			Type:     audit.EventTokenRevoked,
			DeviceID: deviceID,
			Details:  map[string]any{"role": role},
		})
	}
	return tok
}
