package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectParams_DecodeReal(t *testing.T) {
	// This mirrors what the macOS companion app actually sends
	raw := `{
        "minProtocol": 3,
        "maxProtocol": 3,
        "client": {
            "id": "mac-abc123",
            "displayName": "Nina's MacBook",
            "version": "1.2.0",
            "platform": "macos",
            "deviceFamily": "Mac",
            "modelIdentifier": "Mac15,6",
            "mode": "ui"
        },
        "role": "operator",
        "scopes": ["operator.read", "operator.write"],
        "auth": {"token": "my-secret-token"},
        "device": {
            "id": "f00d",
            "publicKey": "AAAA",
            "signature": "BBBB",
            "signedAt": 1700000000000,
            "nonce": "nonce-1"
        }
    }`
	var params ConnectParams
	err := json.Unmarshal([]byte(raw), &params)
	require.NoError(t, err)
	assert.Equal(t, 3, params.MinProtocol)
	assert.Equal(t, 3, params.MaxProtocol)
	assert.Equal(t, "mac-abc123", params.Client.ID)
	assert.Equal(t, "Nina's MacBook", params.Client.DisplayName)
	assert.Equal(t, "macos", params.Client.Platform)
	assert.Equal(t, "ui", params.Client.Mode)
	assert.Equal(t, "operator", params.Role)
	assert.Contains(t, params.Scopes, "operator.read")
	assert.Equal(t, "my-secret-token", params.Auth.Token)
	require.NotNil(t, params.Device)
	assert.Equal(t, "f00d", params.Device.ID)
	assert.Equal(t, "nonce-1", params.Device.Nonce)
	assert.Equal(t, int64(1700000000000), params.Device.SignedAt)
}

func TestConnectParams_MinimalNode(t *testing.T) {
	raw := `{
        "minProtocol": 3,
        "maxProtocol": 3,
        "client": {"id": "node-1", "version": "1.0", "platform": "ios", "mode": "node"}
    }`
	var params ConnectParams
	err := json.Unmarshal([]byte(raw), &params)
	require.NoError(t, err)
	assert.Equal(t, "node-1", params.Client.ID)
	assert.Empty(t, params.Scopes)
	assert.Nil(t, params.Auth)
	assert.Nil(t, params.Device)
	assert.Empty(t, params.Role)
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole("operator"))
	assert.True(t, ValidRole("node"))
	assert.False(t, ValidRole(""))
	assert.False(t, ValidRole("admin"))
	assert.False(t, ValidRole("Operator"))
}

func TestValidateConnect_ProtocolOK(t *testing.T) {
	params := ConnectParams{MinProtocol: 2, MaxProtocol: 4}
	err := ValidateConnect(params)
	assert.NoError(t, err) // 3 is within [2, 4]
}

func TestValidateConnect_ProtocolTooLow(t *testing.T) {
	params := ConnectParams{MinProtocol: 1, MaxProtocol: 2}
	err := ValidateConnect(params)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "protocol")
}

func TestValidateConnect_ProtocolTooHigh(t *testing.T) {
	params := ConnectParams{MinProtocol: 99, MaxProtocol: 100}
	err := ValidateConnect(params)
	assert.Error(t, err)
}

func TestHelloOk_Encode(t *testing.T) {
	hello := HelloOk{
		Type:     "hello-ok",
		Protocol: 3,
		Server: ServerInfo{
			Version: "0.1.0",
			ConnID:  "conn-abc",
		},
		Features: Features{
			Methods: []string{"connect", "ping"},
			Events:  []string{"connect.challenge", "tick"},
		},
		Snapshot: Snapshot{
			Presence: []PresenceEntry{{ConnID: "conn-abc", ClientID: "mac-1", Role: "operator", Version: 7}},
			UptimeMs: 1234,
		},
		Auth: &HelloAuthInfo{
			DeviceToken: "tok-1",
			Role:        "operator",
			Scopes:      []string{"operator.read"},
			IssuedAtMs:  1700000000000,
		},
		Policy: Policy{
			MaxPayloadBytes:  1048576,
			MaxBufferedBytes: 4194304,
			TickIntervalMs:   15000,
		},
	}
	data, err := json.Marshal(hello)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "hello-ok", raw["type"])
	assert.Equal(t, float64(3), raw["protocol"])
	server := raw["server"].(map[string]any)
	assert.Equal(t, "0.1.0", server["version"])
	assert.Equal(t, "conn-abc", server["connId"])
	auth := raw["auth"].(map[string]any)
	assert.Equal(t, "tok-1", auth["deviceToken"])
	assert.Equal(t, "operator", auth["role"])
	snapshot := raw["snapshot"].(map[string]any)
	presence := snapshot["presence"].([]any)
	require.Len(t, presence, 1)
	assert.Equal(t, float64(7), presence[0].(map[string]any)["version"])
	policy := raw["policy"].(map[string]any)
	assert.Equal(t, float64(15000), policy["tickIntervalMs"])
}

func TestHelloOk_EncodeWithoutAuth(t *testing.T) {
	hello := HelloOk{Type: "hello-ok", Protocol: 3}
	data, err := json.Marshal(hello)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	_, hasAuth := raw["auth"]
	assert.False(t, hasAuth)
}

func TestChallengePayload_Encode(t *testing.T) {
	data, err := json.Marshal(ChallengePayload{Nonce: "abc", TS: 1700000000000})
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "abc", raw["nonce"])
	assert.Equal(t, float64(1700000000000), raw["ts"])
}

func TestErrorShape_Details(t *testing.T) {
	raw := `{"code": "NOT_PAIRED", "message": "device requires approval", "details": {"requestId": "req-9"}}`
	var shape ErrorShape
	require.NoError(t, json.Unmarshal([]byte(raw), &shape))
	assert.Equal(t, "NOT_PAIRED", shape.Code)
	var details map[string]string
	require.NoError(t, json.Unmarshal(shape.Details, &details))
	assert.Equal(t, "req-9", details["requestId"])
}
