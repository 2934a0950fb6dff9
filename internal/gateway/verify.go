package gateway

import (
	"github.com/nhoel/portcullis/internal/identity"
	"github.com/nhoel/portcullis/internal/protocol"
)

// Terminal reasons a device payload can be rejected for, in the order they
// are checked.
const (
	ReasonDeviceIDMismatch = "device-id-mismatch"
	ReasonSignatureStale   = "device-signature-stale"
	ReasonNonceMissing     = "device-nonce-missing"
	ReasonNonceMismatch    = "device-nonce-mismatch"
	ReasonSignatureInvalid = "device-signature-invalid"
)

// VerifyDeviceInput is one device payload plus the connection context it
// arrived in. AuthToken is the credential the client presented, which it also
// folded into the signed payload.
type VerifyDeviceInput struct {
	Device         *protocol.DeviceConnectPayload
	ClientID       string
	ClientMode     string
	Role           string
	Scopes         []string
	AuthToken      string
	ChallengeNonce string
	IsLocal        bool
	NowMs          int64
}

// DeviceVerification is the verifier's verdict. DeviceID is set whenever the
// presented public key parses, even on failure, so callers can attribute the
// attempt.
type DeviceVerification struct {
	OK       bool
	Reason   string
	DeviceID string
}

// VerifyDeviceIdentity checks a device payload against the challenge the
// server issued. Checks run in a fixed order and the first failure is
// terminal: id match, freshness, nonce presence, nonce match, signature.
//
// Loopback clients may omit the nonce, in which case a signature that fails
// the current format is retried once against the legacy (pre-nonce) format.
func VerifyDeviceIdentity(in VerifyDeviceInput) DeviceVerification {
	dev := in.Device
	derived := identity.DeriveDeviceID(dev.PublicKey)
	out := DeviceVerification{DeviceID: derived}

	if derived == "" || derived != dev.ID {
		out.Reason = ReasonDeviceIDMismatch
		return out
	}

	if !identity.WithinSkew(dev.SignedAt, in.NowMs) {
		out.Reason = ReasonSignatureStale
		return out
	}

	if dev.Nonce == "" && !in.IsLocal {
		out.Reason = ReasonNonceMissing
		return out
	}

	if dev.Nonce != "" && dev.Nonce != in.ChallengeNonce {
		out.Reason = ReasonNonceMismatch
		return out
	}

	params := identity.AuthPayloadParams{
		DeviceID:   dev.ID,
		ClientID:   in.ClientID,
		ClientMode: in.ClientMode,
		Role:       in.Role,
		Scopes:     in.Scopes,
		SignedAtMs: dev.SignedAt,
		Token:      in.AuthToken,
		Nonce:      dev.Nonce,
	}

	if identity.VerifySignature(dev.PublicKey, identity.BuildAuthPayload(params), dev.Signature) {
		out.OK = true
		return out
	}

	if in.IsLocal && dev.Nonce == "" {
		if identity.VerifySignature(dev.PublicKey, identity.BuildLegacyAuthPayload(params), dev.Signature) {
			out.OK = true
			return out
		}
	}

	out.Reason = ReasonSignatureInvalid
	return out
}
