package protocol

import "fmt"

// ServerProtocol is the protocol version this server speaks.
const ServerProtocol = 3

// Roles a connecting client may claim.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// ValidRole reports whether role names a recognized client role.
func ValidRole(role string) bool {
	return role == RoleOperator || role == RoleNode
}

// ---------- challenge event ----------

// ChallengePayload is the body of the connect.challenge event the server
// emits immediately after the socket opens. Clients echo Nonce back inside
// the signed device payload.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ---------- connect request params ----------

type ConnectParams struct {
	MinProtocol int                   `json:"minProtocol"`
	MaxProtocol int                   `json:"maxProtocol"`
	Client      ClientInfo            `json:"client"`
	Role        string                `json:"role,omitempty"`
	Scopes      []string              `json:"scopes,omitempty"`
	Auth        *ConnectAuth          `json:"auth,omitempty"`
	Device      *DeviceConnectPayload `json:"device,omitempty"`
}

// DeviceConnectPayload carries cryptographic device identity in the connect request.
type DeviceConnectPayload struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"` // base64url-encoded raw 32-byte Ed25519 public key
	Signature string `json:"signature"` // base64url-encoded Ed25519 signature
	SignedAt  int64  `json:"signedAt"`  // milliseconds since epoch
	Nonce     string `json:"nonce"`     // server-issued challenge nonce
}

type ClientInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName,omitempty"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	DeviceFamily    string `json:"deviceFamily,omitempty"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
	Mode            string `json:"mode"`
}

type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ValidateConnect checks that the server's protocol version falls within
// the client's advertised [MinProtocol, MaxProtocol] range.
func ValidateConnect(params ConnectParams) error {
	if ServerProtocol < params.MinProtocol || ServerProtocol > params.MaxProtocol {
		return &FrameError{
			Code:    ErrProtocolMismatch,
			Message: fmt.Sprintf("server protocol %d not in client range [%d, %d]", ServerProtocol, params.MinProtocol, params.MaxProtocol),
		}
	}
	return nil
}

// ---------- hello-ok response ----------

type HelloOk struct {
	Type     string         `json:"type"`
	Protocol int            `json:"protocol"`
	Server   ServerInfo     `json:"server"`
	Features Features       `json:"features"`
	Snapshot Snapshot       `json:"snapshot"`
	Auth     *HelloAuthInfo `json:"auth,omitempty"`
	Policy   Policy         `json:"policy"`
}

type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// HelloAuthInfo carries the minted device token and the granted role/scopes
// in the hello-ok response.
type HelloAuthInfo struct {
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	IssuedAtMs  int64    `json:"issuedAtMs,omitempty"`
}

type Snapshot struct {
	Presence []PresenceEntry `json:"presence"`
	UptimeMs int64           `json:"uptimeMs"`
}

// PresenceEntry is one row of the connected-client table included in the
// hello snapshot.
type PresenceEntry struct {
	ConnID      string `json:"connId"`
	DeviceID    string `json:"deviceId,omitempty"`
	ClientID    string `json:"clientId"`
	Role        string `json:"role"`
	Mode        string `json:"mode,omitempty"`
	ConnectedAt int64  `json:"connectedAtMs"`
	Version     uint64 `json:"version"`
}

type Policy struct {
	MaxPayloadBytes  int `json:"maxPayloadBytes"`
	MaxBufferedBytes int `json:"maxBufferedBytes"`
	TickIntervalMs   int `json:"tickIntervalMs"`
}
