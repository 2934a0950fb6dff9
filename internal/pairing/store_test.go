package pairing

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

// --- Helpers ---

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func makePending(requestID, deviceID string, ts int64) PendingRequest {
	return PendingRequest{
		RequestID: requestID,
		DeviceID:  deviceID,
		PublicKey: "test-key-" + deviceID,
		Timestamp: ts,
	}
}

func makePaired(deviceID string, approvedAt int64) PairedDevice {
	return PairedDevice{
		DeviceID:     deviceID,
		PublicKey:    "test-key-" + deviceID,
		CreatedAtMs:  approvedAt - 1000,
		ApprovedAtMs: approvedAt,
	}
}

// --- UpsertPending + GetPending ---

func TestStoreUpsertAndGetPending(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *Store)
		queryID string
		wantNil bool
	}{
		{
			name: "get existing pending",
			setup: func(s *Store) {
				s.UpsertPending(makePending("req-1", "dev-1", 1000))
			},
			queryID: "req-1",
			wantNil: false,
		},
		{
			name:    "get non-existent",
			setup:   func(s *Store) {},
			queryID: "missing",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			tt.setup(s)
			got := s.GetPendingRequest(tt.queryID)
			if tt.wantNil && got != nil {
				t.Errorf("expected nil, got %+v", got)
			}
			if !tt.wantNil && got == nil {
				t.Error("expected non-nil result")
			}
		})
	}
}

// --- Pending collapse per device ---

func TestStoreUpsertPending_CollapsesByDevice(t *testing.T) {
	s := newTestStore(t)

	first := makePending("req-1", "dev-1", 1000)
	first.Roles = []string{"operator"}
	first.Scopes = []string{"operator.read"}
	s.UpsertPending(first)

	second := makePending("req-2", "dev-1", 2000)
	second.Roles = []string{"node"}
	second.Scopes = []string{"operator.write", "operator.read"}
	stored, err := s.UpsertPending(second)
	if err != nil {
		t.Fatalf("UpsertPending: %v", err)
	}

	// Merged into the first request, not a second entry
	if stored.RequestID != "req-1" {
		t.Errorf("merged requestID = %q, want req-1", stored.RequestID)
	}
	if len(s.ListPending()) != 1 {
		t.Fatalf("got %d pending, want 1", len(s.ListPending()))
	}
	if !reflect.DeepEqual(stored.Roles, []string{"node", "operator"}) {
		t.Errorf("roles = %v, want union", stored.Roles)
	}
	if !reflect.DeepEqual(stored.Scopes, []string{"operator.read", "operator.write"}) {
		t.Errorf("scopes = %v, want union", stored.Scopes)
	}
	if stored.Timestamp != 2000 {
		t.Errorf("timestamp = %d, want refreshed 2000", stored.Timestamp)
	}

	// Different device gets its own entry
	s.UpsertPending(makePending("req-3", "dev-2", 3000))
	if len(s.ListPending()) != 2 {
		t.Errorf("got %d pending, want 2", len(s.ListPending()))
	}
}

func TestStoreGetPendingByDevice(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPending(makePending("req-1", "dev-1", 1000))

	if got := s.GetPendingByDevice("dev-1"); got == nil || got.RequestID != "req-1" {
		t.Errorf("GetPendingByDevice = %+v, want req-1", got)
	}
	if got := s.GetPendingByDevice("dev-2"); got != nil {
		t.Errorf("expected nil for unknown device, got %+v", got)
	}
}

// --- SetPaired + GetPaired ---

func TestStoreSetAndGetPaired(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		wantNil  bool
	}{
		{name: "get existing paired", deviceID: "dev-1", wantNil: false},
		{name: "get non-existent", deviceID: "missing", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			s.SetPaired(makePaired("dev-1", 5000))

			got := s.GetPairedDevice(tt.deviceID)
			if tt.wantNil && got != nil {
				t.Errorf("expected nil, got %+v", got)
			}
			if !tt.wantNil && got == nil {
				t.Error("expected non-nil result")
			}
		})
	}
}

// --- MergeGrants ---

func TestStoreMergeGrants(t *testing.T) {
	s := newTestStore(t)
	dev := makePaired("dev-1", 1000)
	dev.Roles = []string{"operator"}
	dev.Scopes = []string{"operator.read"}
	s.SetPaired(dev)

	if err := s.MergeGrants("dev-1", []string{"node"}, []string{"operator.write"}); err != nil {
		t.Fatalf("MergeGrants: %v", err)
	}

	got := s.GetPairedDevice("dev-1")
	if !reflect.DeepEqual(got.Roles, []string{"node", "operator"}) {
		t.Errorf("roles = %v", got.Roles)
	}
	if !reflect.DeepEqual(got.Scopes, []string{"operator.read", "operator.write"}) {
		t.Errorf("scopes = %v", got.Scopes)
	}

	// Subset merge is a no-op, grants never shrink
	if err := s.MergeGrants("dev-1", []string{"operator"}, nil); err != nil {
		t.Fatalf("MergeGrants subset: %v", err)
	}
	got = s.GetPairedDevice("dev-1")
	if !reflect.DeepEqual(got.Roles, []string{"node", "operator"}) {
		t.Errorf("roles shrank: %v", got.Roles)
	}
	if !reflect.DeepEqual(got.Scopes, []string{"operator.read", "operator.write"}) {
		t.Errorf("scopes shrank: %v", got.Scopes)
	}

	if err := s.MergeGrants("missing", []string{"x"}, nil); err == nil {
		t.Error("expected error for non-existent device")
	}
}

// --- ListPending ---

func TestStoreListPending(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPending(makePending("req-1", "dev-1", 1000))
	s.UpsertPending(makePending("req-2", "dev-2", 3000))
	s.UpsertPending(makePending("req-3", "dev-3", 2000))

	list := s.ListPending()
	if len(list) != 3 {
		t.Fatalf("got %d pending, want 3", len(list))
	}

	// Should be sorted by timestamp descending
	if list[0].RequestID != "req-2" {
		t.Errorf("first should be req-2 (ts=3000), got %s", list[0].RequestID)
	}
	if list[1].RequestID != "req-3" {
		t.Errorf("second should be req-3 (ts=2000), got %s", list[1].RequestID)
	}
	if list[2].RequestID != "req-1" {
		t.Errorf("third should be req-1 (ts=1000), got %s", list[2].RequestID)
	}
}

// --- ListPaired ---

func TestStoreListPaired(t *testing.T) {
	s := newTestStore(t)
	s.SetPaired(makePaired("dev-1", 1000))
	s.SetPaired(makePaired("dev-2", 3000))
	s.SetPaired(makePaired("dev-3", 2000))

	list := s.ListPaired()
	if len(list) != 3 {
		t.Fatalf("got %d paired, want 3", len(list))
	}

	// Should be sorted by approvedAt descending
	if list[0].DeviceID != "dev-2" {
		t.Errorf("first should be dev-2 (approved=3000), got %s", list[0].DeviceID)
	}
	if list[1].DeviceID != "dev-3" {
		t.Errorf("second should be dev-3 (approved=2000), got %s", list[1].DeviceID)
	}
	if list[2].DeviceID != "dev-1" {
		t.Errorf("third should be dev-1 (approved=1000), got %s", list[2].DeviceID)
	}
}

// --- PruneExpiredPending ---

func TestStorePruneExpiredPending(t *testing.T) {
	tests := []struct {
		name       string
		pendingAge int64 // ms ago from "now"
		now        int64
		wantPruned int
		wantRemain int
	}{
		{
			name:       "prune expired (6 min old)",
			pendingAge: 6 * 60 * 1000,
			now:        10_000_000,
			wantPruned: 1,
			wantRemain: 0,
		},
		{
			name:       "keep fresh (1 min old)",
			pendingAge: 1 * 60 * 1000,
			now:        10_000_000,
			wantPruned: 0,
			wantRemain: 1,
		},
		{
			name:       "boundary at 5 min (exactly TTL age is kept)",
			pendingAge: 5 * 60 * 1000,
			now:        10_000_000,
			wantPruned: 0,
			wantRemain: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ts := tt.now - tt.pendingAge
			s.UpsertPending(makePending("req-1", "dev-1", ts))

			pruned, err := s.PruneExpiredPending(tt.now)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if pruned != tt.wantPruned {
				t.Errorf("pruned %d, want %d", pruned, tt.wantPruned)
			}
			remaining := len(s.ListPending())
			if remaining != tt.wantRemain {
				t.Errorf("remaining %d, want %d", remaining, tt.wantRemain)
			}
		})
	}

	// Mixed case: 2 expired, 1 fresh
	t.Run("mixed fresh and expired", func(t *testing.T) {
		s := newTestStore(t)
		now := int64(10_000_000)
		s.UpsertPending(makePending("old-1", "dev-1", now-6*60*1000)) // expired
		s.UpsertPending(makePending("old-2", "dev-2", now-7*60*1000)) // expired
		s.UpsertPending(makePending("new-1", "dev-3", now-1*60*1000)) // fresh

		pruned, err := s.PruneExpiredPending(now)
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if pruned != 2 {
			t.Errorf("pruned %d, want 2", pruned)
		}
		remaining := s.ListPending()
		if len(remaining) != 1 {
			t.Errorf("remaining %d, want 1", len(remaining))
		}
		if remaining[0].RequestID != "new-1" {
			t.Errorf("remaining should be new-1, got %s", remaining[0].RequestID)
		}
	})
}

// --- Persistence ---

func TestStorePersistence(t *testing.T) {
	dir := t.TempDir()

	// Create store, add data
	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s1.UpsertPending(makePending("req-1", "dev-1", 1000))
	s1.SetPaired(makePaired("dev-2", 2000))

	// Create new store from same directory — should load state
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}

	if got := s2.GetPendingRequest("req-1"); got == nil {
		t.Error("pending req-1 not loaded from disk")
	}
	if got := s2.GetPairedDevice("dev-2"); got == nil {
		t.Error("paired dev-2 not loaded from disk")
	}
}

func TestStoreReload_PicksUpExternalWrites(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore second: %v", err)
	}

	s1.SetPaired(makePaired("dev-1", 1000))

	if s2.GetPairedDevice("dev-1") != nil {
		t.Fatal("s2 saw dev-1 before reload")
	}
	if err := s2.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if s2.GetPairedDevice("dev-1") == nil {
		t.Error("dev-1 not visible after reload")
	}
}

// --- Legacy records ---

func TestStoreLoad_LegacySingularRole(t *testing.T) {
	dir := t.TempDir()

	legacy := `{
        "dev-old": {
            "deviceId": "dev-old",
            "publicKey": "key-old",
            "role": "operator",
            "createdAtMs": 1000,
            "approvedAtMs": 2000
        }
    }`
	if err := os.WriteFile(filepath.Join(dir, "paired.json"), []byte(legacy), 0600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	dev := s.GetPairedDevice("dev-old")
	if dev == nil {
		t.Fatal("legacy device not loaded")
	}
	if !reflect.DeepEqual(dev.Roles, []string{"operator"}) {
		t.Errorf("roles = %v, want [operator] from legacy role field", dev.Roles)
	}
	if dev.Scopes != nil {
		t.Errorf("scopes = %v, want empty", dev.Scopes)
	}
	if dev.Tokens == nil {
		t.Error("tokens map should be initialized")
	}
}

// --- Atomic Write ---

func TestStoreAtomicWrite(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPending(makePending("req-1", "dev-1", 1000))
	s.SetPaired(makePaired("dev-1", 2000))

	// Check file permissions
	pendingPath := filepath.Join(s.stateDir, "pending.json")
	pairedPath := filepath.Join(s.stateDir, "paired.json")

	for _, path := range []string{pendingPath, pairedPath} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		perm := info.Mode().Perm()
		if perm != 0600 {
			t.Errorf("%s has perm %o, want 0600", path, perm)
		}
	}
}

// --- RemovePending ---

func TestStoreRemovePending(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPending(makePending("req-1", "dev-1", 1000))

	// Remove existing
	got, err := s.RemovePending("req-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got == nil {
		t.Error("expected non-nil on remove existing")
	}
	if s.GetPendingRequest("req-1") != nil {
		t.Error("req-1 still present after remove")
	}

	// Remove non-existent
	got, err = s.RemovePending("missing")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got != nil {
		t.Error("expected nil on remove non-existent")
	}
}

func TestStoreRemovePendingForDevice(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPending(makePending("req-1", "dev-1", 1000))
	s.UpsertPending(makePending("req-2", "dev-2", 2000))

	removed, err := s.RemovePendingForDevice("dev-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("removed %d, want 1", len(removed))
	}
	if removed[0].DeviceID != "dev-1" {
		t.Errorf("removed device = %q", removed[0].DeviceID)
	}
	if s.GetPendingByDevice("dev-2") == nil {
		t.Error("dev-2's request should survive")
	}

	if got, err := s.RemovePendingForDevice("dev-1"); err != nil || got != nil {
		t.Errorf("second removal = %+v, %v; want nil, nil", got, err)
	}
}

func TestStorePendingRemovalSurfacesSaveErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.UpsertPending(makePending("req-1", "dev-1", 1000))
	s.UpsertPending(makePending("req-2", "dev-2", 2000))
	s.UpsertPending(makePending("req-3", "dev-3", 3000))

	// Replace the state dir with a regular file so every write fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove state dir: %v", err)
	}
	if err := os.WriteFile(dir, nil, 0600); err != nil {
		t.Fatalf("block state dir: %v", err)
	}

	if _, err := s.RemovePending("req-1"); err == nil {
		t.Error("RemovePending swallowed the save error")
	}
	if _, err := s.RemovePendingForDevice("dev-2"); err == nil {
		t.Error("RemovePendingForDevice swallowed the save error")
	}
	if _, err := s.PruneExpiredPending(3000 + PendingTTLMs + 1); err == nil {
		t.Error("PruneExpiredPending swallowed the save error")
	}
}

// --- SetDeviceToken ---

func TestStoreSetDeviceToken(t *testing.T) {
	s := newTestStore(t)
	s.SetPaired(makePaired("dev-1", 1000))

	// Set token on paired device
	token := DeviceAuthToken{
		Token:       "tok-123",
		Role:        "node",
		Scopes:      []string{"scope1"},
		CreatedAtMs: 2000,
	}
	err := s.SetDeviceToken("dev-1", "node", token)
	if err != nil {
		t.Fatalf("SetDeviceToken: %v", err)
	}

	device := s.GetPairedDevice("dev-1")
	if device == nil {
		t.Fatal("device not found after SetDeviceToken")
	}
	if device.Tokens == nil {
		t.Fatal("tokens map is nil")
	}
	tok, ok := device.Tokens["node"]
	if !ok {
		t.Fatal("token for role 'node' not found")
	}
	if tok.Token != "tok-123" {
		t.Errorf("token = %q, want tok-123", tok.Token)
	}

	// Set on non-existent device should error
	err = s.SetDeviceToken("missing", "node", token)
	if err == nil {
		t.Error("expected error for non-existent device")
	}
}

// --- TouchLastConnected ---

func TestStoreTouchLastConnected(t *testing.T) {
	s := newTestStore(t)
	s.SetPaired(makePaired("dev-1", 1000))

	if err := s.TouchLastConnected("dev-1", 9999); err != nil {
		t.Fatalf("TouchLastConnected: %v", err)
	}
	if got := s.GetPairedDevice("dev-1").LastConnectedAtMs; got != 9999 {
		t.Errorf("lastConnectedAtMs = %d, want 9999", got)
	}

	if err := s.TouchLastConnected("missing", 1); err == nil {
		t.Error("expected error for non-existent device")
	}
}

// --- Concurrency ---

func TestStoreConcurrency(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup

	// 10 goroutines writing and reading concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reqID := fmt.Sprintf("req-%d", i)
			devID := fmt.Sprintf("dev-%d", i)
			s.UpsertPending(makePending(reqID, devID, int64(i*1000)))
			s.ListPending()
			s.GetPendingRequest(reqID)
		}(i)
	}

	wg.Wait()
	// If we get here without panicking, concurrency is safe
}
