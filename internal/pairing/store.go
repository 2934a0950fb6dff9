package pairing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nhoel/portcullis/internal/identity"
)

const PendingTTLMs = 5 * 60 * 1000 // 5 minutes

// PendingRequest represents a device waiting for operator approval. At most
// one request exists per device: repeat connects merge their requested roles
// and scopes into the existing entry instead of queueing duplicates.
type PendingRequest struct {
	RequestID   string   `json:"requestId"`
	DeviceID    string   `json:"deviceId"`
	PublicKey   string   `json:"publicKey"` // base64url
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
	ClientMode  string   `json:"clientMode,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	RemoteIP    string   `json:"remoteIP,omitempty"`
	Silent      bool     `json:"silent,omitempty"`    // true for loopback auto-approve
	IsRepair    bool     `json:"isRepair,omitempty"`  // true if re-pairing existing device
	IsUpgrade   bool     `json:"isUpgrade,omitempty"` // true if requesting grants beyond current
	Timestamp   int64    `json:"ts"`                  // Unix ms

	// LegacyRole is read from records written before roles became a set.
	LegacyRole string `json:"role,omitempty"`
}

// DeviceAuthToken is issued per-role after pairing approval.
type DeviceAuthToken struct {
	Token       string   `json:"token"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	CreatedAtMs int64    `json:"createdAtMs"`
	RotatedAtMs int64    `json:"rotatedAtMs,omitempty"`
	RevokedAtMs int64    `json:"revokedAtMs,omitempty"`
	LastUsedMs  int64    `json:"lastUsedAtMs,omitempty"`
}

// PairedDevice represents a fully paired device. Roles and Scopes are
// grow-only sets: approvals merge into them, nothing removes entries short
// of deleting the device.
type PairedDevice struct {
	DeviceID          string                     `json:"deviceId"`
	PublicKey         string                     `json:"publicKey"`
	DisplayName       string                     `json:"displayName,omitempty"`
	Platform          string                     `json:"platform,omitempty"`
	ClientID          string                     `json:"clientId,omitempty"`
	ClientMode        string                     `json:"clientMode,omitempty"`
	Roles             []string                   `json:"roles,omitempty"`
	Scopes            []string                   `json:"scopes,omitempty"`
	RemoteIP          string                     `json:"remoteIP,omitempty"`
	Tokens            map[string]DeviceAuthToken `json:"tokens,omitempty"` // keyed by role
	CreatedAtMs       int64                      `json:"createdAtMs"`
	ApprovedAtMs      int64                      `json:"approvedAtMs"`
	LastConnectedAtMs int64                      `json:"lastConnectedAtMs,omitempty"`

	// LegacyRole is read from records written before roles became a set.
	LegacyRole string `json:"role,omitempty"`
}

// HasRole reports whether the device has been granted role.
func (d *PairedDevice) HasRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PairingState is the root state serialized to disk.
type PairingState struct {
	PendingByID    map[string]PendingRequest `json:"pendingById"`
	PairedByDevice map[string]PairedDevice   `json:"pairedByDeviceId"`
}

// Store manages persistent pairing state.
// All methods are concurrency-safe (internal mutex).
type Store struct {
	mu       sync.Mutex
	state    PairingState
	stateDir string
}

// NewStore loads existing state from disk or initializes empty state.
func NewStore(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{stateDir: stateDir}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads state from disk, picking up writes made by another
// process (the admin CLI operates on the same files).
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	state := PairingState{
		PendingByID:    make(map[string]PendingRequest),
		PairedByDevice: make(map[string]PairedDevice),
	}

	if err := s.loadJSON("pending.json", &state.PendingByID); err != nil {
		return err
	}
	if err := s.loadJSON("paired.json", &state.PairedByDevice); err != nil {
		return err
	}

	// Normalize legacy records: a singular role becomes a one-element set,
	// missing roles/scopes stay empty rather than failing the load.
	for id, req := range state.PendingByID {
		if len(req.Roles) == 0 && req.LegacyRole != "" {
			req.Roles = []string{req.LegacyRole}
		}
		req.LegacyRole = ""
		req.Scopes = identity.CanonicalScopes(req.Scopes)
		state.PendingByID[id] = req
	}
	for id, dev := range state.PairedByDevice {
		if len(dev.Roles) == 0 && dev.LegacyRole != "" {
			dev.Roles = []string{dev.LegacyRole}
		}
		dev.LegacyRole = ""
		dev.Scopes = identity.CanonicalScopes(dev.Scopes)
		if dev.Tokens == nil {
			dev.Tokens = make(map[string]DeviceAuthToken)
		}
		state.PairedByDevice[id] = dev
	}

	s.state = state
	return nil
}

// --- Read operations ---

// GetPendingRequest returns a pending request by ID, or nil if not found.
func (s *Store) GetPendingRequest(requestID string) *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.state.PendingByID[requestID]
	if !ok {
		return nil
	}
	return &req
}

// GetPendingByDevice returns the pending request for a device, or nil.
func (s *Store) GetPendingByDevice(deviceID string) *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.state.PendingByID {
		if req.DeviceID == deviceID {
			out := req
			return &out
		}
	}
	return nil
}

// GetPairedDevice returns a paired device by ID, or nil if not found.
func (s *Store) GetPairedDevice(deviceID string) *PairedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.state.PairedByDevice[deviceID]
	if !ok {
		return nil
	}
	return &dev
}

// ListPending returns all pending requests sorted by timestamp descending.
func (s *Store) ListPending() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]PendingRequest, 0, len(s.state.PendingByID))
	for _, req := range s.state.PendingByID {
		result = append(result, req)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp > result[j].Timestamp
	})

	return result
}

// ListPaired returns all paired devices sorted by approvedAt descending.
func (s *Store) ListPaired() []PairedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]PairedDevice, 0, len(s.state.PairedByDevice))
	for _, dev := range s.state.PairedByDevice {
		result = append(result, dev)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ApprovedAtMs > result[j].ApprovedAtMs
	})

	return result
}

// --- Write operations ---

// UpsertPending adds a pending request, or merges roles/scopes into the
// existing request for the same device. Returns the stored request.
func (s *Store) UpsertPending(req PendingRequest) (PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.state.PendingByID {
		if existing.DeviceID != req.DeviceID {
			continue
		}
		existing.Roles = unionStrings(existing.Roles, req.Roles)
		existing.Scopes = identity.CanonicalScopes(append(existing.Scopes, req.Scopes...))
		existing.PublicKey = req.PublicKey
		if req.DisplayName != "" {
			existing.DisplayName = req.DisplayName
		}
		if req.RemoteIP != "" {
			existing.RemoteIP = req.RemoteIP
		}
		existing.IsUpgrade = existing.IsUpgrade || req.IsUpgrade
		existing.IsRepair = existing.IsRepair || req.IsRepair
		existing.Timestamp = req.Timestamp
		s.state.PendingByID[id] = existing
		return existing, s.savePending()
	}

	req.Roles = unionStrings(nil, req.Roles)
	req.Scopes = identity.CanonicalScopes(req.Scopes)
	s.state.PendingByID[req.RequestID] = req
	return req, s.savePending()
}

// RemovePending removes a pending request by ID.
// Returns the removed request, or nil if not found.
func (s *Store) RemovePending(requestID string) (*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.state.PendingByID[requestID]
	if !ok {
		return nil, nil
	}

	delete(s.state.PendingByID, requestID)
	return &req, s.savePending()
}

// RemovePendingForDevice removes every pending request for deviceID and
// returns them. Approval of one request resolves them all.
func (s *Store) RemovePendingForDevice(deviceID string) ([]PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []PendingRequest
	for id, req := range s.state.PendingByID {
		if req.DeviceID == deviceID {
			removed = append(removed, req)
			delete(s.state.PendingByID, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, s.savePending()
}

// SetPaired adds or updates a paired device and persists to disk.
func (s *Store) SetPaired(device PairedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device.Tokens == nil {
		device.Tokens = make(map[string]DeviceAuthToken)
	}
	device.Roles = unionStrings(nil, device.Roles)
	device.Scopes = identity.CanonicalScopes(device.Scopes)
	s.state.PairedByDevice[device.DeviceID] = device
	return s.savePaired()
}

// MergeGrants unions roles and scopes into a paired device. Grants only
// grow; passing a subset of what the device already holds is a no-op.
func (s *Store) MergeGrants(deviceID string, roles, scopes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.state.PairedByDevice[deviceID]
	if !ok {
		return fmt.Errorf("device %q not found", deviceID)
	}

	dev.Roles = unionStrings(dev.Roles, roles)
	dev.Scopes = identity.CanonicalScopes(append(dev.Scopes, scopes...))
	s.state.PairedByDevice[deviceID] = dev
	return s.savePaired()
}

// TouchLastConnected records when a paired device last completed a handshake.
func (s *Store) TouchLastConnected(deviceID string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.state.PairedByDevice[deviceID]
	if !ok {
		return fmt.Errorf("device %q not found", deviceID)
	}
	dev.LastConnectedAtMs = nowMs
	s.state.PairedByDevice[deviceID] = dev
	return s.savePaired()
}

// SetDeviceToken sets a device's token for a given role.
func (s *Store) SetDeviceToken(deviceID, role string, token DeviceAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.state.PairedByDevice[deviceID]
	if !ok {
		return fmt.Errorf("device %q not found", deviceID)
	}

	if dev.Tokens == nil {
		dev.Tokens = make(map[string]DeviceAuthToken)
	}
	dev.Tokens[role] = token
	s.state.PairedByDevice[deviceID] = dev
	return s.savePaired()
}

// PruneExpiredPending removes entries older than PendingTTL.
// Returns the number of entries pruned.
func (s *Store) PruneExpiredPending(now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, req := range s.state.PendingByID {
		age := now - req.Timestamp
		if age > PendingTTLMs {
			delete(s.state.PendingByID, id)
			pruned++
		}
	}

	if pruned == 0 {
		return 0, nil
	}
	return pruned, s.savePending()
}

// --- Persistence helpers ---

func (s *Store) savePending() error {
	return s.saveJSON("pending.json", s.state.PendingByID)
}

func (s *Store) savePaired() error {
	return s.saveJSON("paired.json", s.state.PairedByDevice)
}

// saveJSON writes data as JSON to a file using atomic rename.
func (s *Store) saveJSON(filename string, data interface{}) error {
	target := filepath.Join(s.stateDir, filename)
	tmp := target + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filename, err)
	}

	if err := os.WriteFile(tmp, bytes, 0600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filename, err)
	}

	return nil
}

// loadJSON loads JSON from a file into target. Missing files are ignored.
func (s *Store) loadJSON(filename string, target interface{}) error {
	path := filepath.Join(s.stateDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh state
		}
		return fmt.Errorf("read %s: %w", filename, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filename, err)
	}

	return nil
}

// unionStrings merges b into a, deduplicated and sorted.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, lists := range [][]string{a, b} {
		for _, v := range lists {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
