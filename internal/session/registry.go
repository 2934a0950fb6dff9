package session

import (
	"sync"
)

// Session represents an authenticated client connection.
type Session struct {
	ClientID    string
	ConnID      string
	DeviceID    string
	DisplayName string
	Platform    string
	Version     string
	Role        string
	Scopes      []string
	sendFunc    func(event string, payload any) error
}

// Send dispatches an event to this session's underlying connection.
func (s *Session) Send(event string, payload any) error {
	return s.sendFunc(event, payload)
}

// New creates a Session with the given send function.
func New(clientID, connID, deviceID, displayName, platform, version, role string, scopes []string, send func(string, any) error) *Session {
	return &Session{
		ClientID:    clientID,
		ConnID:      connID,
		DeviceID:    deviceID,
		DisplayName: displayName,
		Platform:    platform,
		Version:     version,
		Role:        role,
		Scopes:      scopes,
		sendFunc:    send,
	}
}

// Registry is a thread-safe store of live sessions. A client reconnecting
// under the same clientID replaces its previous session.
type Registry struct {
	byClientID map[string]*Session
	byConnID   map[string]string // connID → clientID
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byClientID: make(map[string]*Session),
		byConnID:   make(map[string]string),
	}
}

// Register adds or replaces a session.
func (r *Registry) Register(session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// If this clientID already exists, clean up the old connID mapping.
	if old, exists := r.byClientID[session.ClientID]; exists {
		delete(r.byConnID, old.ConnID)
	}

	r.byClientID[session.ClientID] = session
	r.byConnID[session.ConnID] = session.ClientID
	return nil
}

// Get retrieves a session by clientID.
func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byClientID[clientID]
	return s, ok
}

// Unregister removes a session by connID. Returns the clientID and true
// if found, or empty string and false if not.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clientID, ok := r.byConnID[connID]
	if !ok {
		return "", false
	}

	delete(r.byClientID, clientID)
	delete(r.byConnID, connID)
	return clientID, true
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byClientID))
	for _, s := range r.byClientID {
		out = append(out, s)
	}
	return out
}
