package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"
)

// GeneratePairingToken returns a 32-byte cryptographically random token
// encoded as base64url (no padding).
func GeneratePairingToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("pairing: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// VerifyPairingToken performs constant-time comparison of two tokens.
// Returns true if they match. Uses crypto/subtle.ConstantTimeCompare.
func VerifyPairingToken(provided, expected string) bool {
	// ConstantTimeCompare returns 0 for different lengths, which is correct.
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// Token verification failure reasons.
const (
	ReasonDeviceNotPaired = "device-not-paired"
	ReasonTokenMissing    = "token-missing"
	ReasonTokenRevoked    = "token-revoked"
	ReasonTokenMismatch   = "token-mismatch"
	ReasonScopeMismatch   = "scope-mismatch"
)

// VerifyTokenParams holds fields for token verification.
type VerifyTokenParams struct {
	DeviceID string
	Token    string
	Role     string
	Scopes   []string
}

// VerifyTokenResult is the outcome of a token verification.
type VerifyTokenResult struct {
	OK     bool
	Reason string
}

// TokenStore manages per-(device, role) bearer tokens on top of the pairing
// store. One token exists per role; re-issuing for the same role overwrites
// scopes rather than minting a parallel token.
type TokenStore struct {
	store *Store
}

// NewTokenStore wraps the given pairing store.
func NewTokenStore(store *Store) *TokenStore {
	return &TokenStore{store: store}
}

// Verify validates a device token for a given role + scopes.
// Updates lastUsedMs on success.
func (t *TokenStore) Verify(params VerifyTokenParams) VerifyTokenResult {
	device := t.store.GetPairedDevice(params.DeviceID)
	if device == nil {
		return VerifyTokenResult{OK: false, Reason: ReasonDeviceNotPaired}
	}

	tok, ok := device.Tokens[params.Role]
	if !ok {
		return VerifyTokenResult{OK: false, Reason: ReasonTokenMissing}
	}

	if tok.RevokedAtMs > 0 {
		return VerifyTokenResult{OK: false, Reason: ReasonTokenRevoked}
	}

	if !VerifyPairingToken(params.Token, tok.Token) {
		return VerifyTokenResult{OK: false, Reason: ReasonTokenMismatch}
	}

	// All requested scopes must be present in token scopes
	if !scopesContainAll(tok.Scopes, params.Scopes) {
		return VerifyTokenResult{OK: false, Reason: ReasonScopeMismatch}
	}

	tok.LastUsedMs = time.Now().UnixMilli()
	t.store.SetDeviceToken(params.DeviceID, params.Role, tok)

	return VerifyTokenResult{OK: true}
}

// Ensure returns or creates a token for a paired device + role.
// An existing non-revoked token keeps its bearer string: insufficient
// scopes widen the token's scope set in place rather than minting a
// replacement. Only a revoked (or absent) token gets a fresh string.
func (t *TokenStore) Ensure(deviceID, role string, scopes []string) *DeviceAuthToken {
	device := t.store.GetPairedDevice(deviceID)
	if device == nil {
		return nil
	}

	now := time.Now().UnixMilli()

	tok, exists := device.Tokens[role]
	if exists && tok.RevokedAtMs == 0 {
		if scopesContainAll(tok.Scopes, scopes) {
			return &tok
		}
		tok.Scopes = unionStrings(tok.Scopes, scopes)
		t.store.SetDeviceToken(deviceID, role, tok)
		return &tok
	}

	newTok := DeviceAuthToken{
		Token:       GeneratePairingToken(),
		Role:        role,
		Scopes:      scopes,
		CreatedAtMs: now,
	}
	if exists {
		newTok.RotatedAtMs = now
	}

	t.store.SetDeviceToken(deviceID, role, newTok)
	return &newTok
}

// Rotate replaces the bearer string for an existing (device, role) token,
// keeping its scope set. A revoked token becomes active again with the new
// string. Returns nil if no token exists for the role.
func (t *TokenStore) Rotate(deviceID, role string) *DeviceAuthToken {
	device := t.store.GetPairedDevice(deviceID)
	if device == nil {
		return nil
	}

	tok, ok := device.Tokens[role]
	if !ok {
		return nil
	}

	tok.Token = GeneratePairingToken()
	tok.RotatedAtMs = time.Now().UnixMilli()
	tok.RevokedAtMs = 0
	t.store.SetDeviceToken(deviceID, role, tok)
	return &tok
}

// Revoke marks a device's token for a role as revoked.
// Returns the revoked token, or nil if device or token not found.
func (t *TokenStore) Revoke(deviceID, role string) *DeviceAuthToken {
	device := t.store.GetPairedDevice(deviceID)
	if device == nil {
		return nil
	}

	tok, ok := device.Tokens[role]
	if !ok {
		return nil
	}

	tok.RevokedAtMs = time.Now().UnixMilli()
	t.store.SetDeviceToken(deviceID, role, tok)
	return &tok
}

// scopesContainAll checks if 'have' contains all scopes in 'need'.
func scopesContainAll(have, need []string) bool {
	if len(need) == 0 {
		return true
	}

	haveSet := make(map[string]bool, len(have))
	for _, s := range have {
		haveSet[s] = true
	}

	for _, s := range need {
		if !haveSet[s] {
			return false
		}
	}
	return true
}
