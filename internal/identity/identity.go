package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	// Ed25519PublicKeySize is the expected size of a raw Ed25519 public key.
	Ed25519PublicKeySize = 32

	// SignatureSkewMs is the maximum clock skew allowed for signedAt (10 minutes).
	SignatureSkewMs = 10 * 60 * 1000
)

// AuthPayloadParams holds the fields used to construct the signing payload.
type AuthPayloadParams struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string // shared-secret token (may be empty)
	Nonce      string // challenge nonce (empty for legacy payloads)
}

// DeriveDeviceID returns SHA-256 hex digest of the raw 32-byte public key.
// The publicKey is base64url-encoded.
// Returns "" if publicKey is invalid.
func DeriveDeviceID(publicKeyBase64Url string) string {
	raw, err := decodePublicKey(publicKeyBase64Url)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:])
}

// CanonicalScopes sorts and deduplicates a scope list. The result is the
// form used in signing payloads and persisted grants, so two clients
// requesting the same scopes in different orders produce identical bytes.
func CanonicalScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// BuildAuthPayload constructs the pipe-delimited signing payload.
// Format: "v2|deviceId|clientId|clientMode|role|scopes|signedAtMs|token|nonce"
// scopes is comma-joined after canonicalization. token defaults to "" if empty.
func BuildAuthPayload(p AuthPayloadParams) string {
	scopes := strings.Join(CanonicalScopes(p.Scopes), ",")
	return fmt.Sprintf("v2|%s|%s|%s|%s|%s|%d|%s|%s",
		p.DeviceID, p.ClientID, p.ClientMode, p.Role,
		scopes, p.SignedAtMs, p.Token, p.Nonce)
}

// BuildLegacyAuthPayload constructs the nonce-less v1 signing payload still
// produced by older clients on the local machine.
// Format: "v1|deviceId|clientId|clientMode|role|scopes|signedAtMs"
func BuildLegacyAuthPayload(p AuthPayloadParams) string {
	scopes := strings.Join(CanonicalScopes(p.Scopes), ",")
	return fmt.Sprintf("v1|%s|%s|%s|%s|%s|%d",
		p.DeviceID, p.ClientID, p.ClientMode, p.Role,
		scopes, p.SignedAtMs)
}

// VerifySignature verifies an Ed25519 signature against a payload.
// publicKey is base64url-encoded raw 32-byte Ed25519 key.
// signature is base64url-encoded.
// Returns false on any error (bad key, bad sig, wrong length).
func VerifySignature(publicKeyBase64Url string, payload string, signatureBase64Url string) bool {
	pubRaw, err := decodePublicKey(publicKeyBase64Url)
	if err != nil {
		return false
	}

	sig, err := base64.RawURLEncoding.DecodeString(signatureBase64Url)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pubRaw), []byte(payload), sig)
}

// WithinSkew reports whether signedAtMs falls inside the accepted clock-skew
// window around nowMs. Both past and future drift are tolerated equally.
func WithinSkew(signedAtMs, nowMs int64) bool {
	delta := nowMs - signedAtMs
	if delta < 0 {
		delta = -delta
	}
	return delta <= SignatureSkewMs
}

// GenerateNonce returns a random UUID string for the connect challenge.
func GenerateNonce() string {
	return uuid.NewString()
}

// NormalizePublicKey re-encodes a base64url public key to canonical form.
// Returns "" if invalid.
func NormalizePublicKey(publicKeyBase64Url string) string {
	raw, err := decodePublicKey(publicKeyBase64Url)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodePublicKey decodes a base64url-encoded public key and validates its length.
func decodePublicKey(publicKeyBase64Url string) ([]byte, error) {
	if publicKeyBase64Url == "" {
		return nil, fmt.Errorf("empty public key")
	}

	// Try RawURLEncoding first, then fall back to padded URLEncoding
	raw, err := base64.RawURLEncoding.DecodeString(publicKeyBase64Url)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(publicKeyBase64Url)
		if err != nil {
			return nil, fmt.Errorf("invalid base64url: %w", err)
		}
	}

	if len(raw) != Ed25519PublicKeySize {
		return nil, fmt.Errorf("wrong key length: got %d, want %d", len(raw), Ed25519PublicKeySize)
	}

	return raw, nil
}
