package host

import "sync"

// SessionStore holds per-node state that must survive between invocations
// for the lifetime of one host session, such as the last run a node
// produced. It replaces process-global trackers.
type SessionStore struct {
	values sync.Map
}

// NewSessionStore creates an empty store
func NewSessionStore() *SessionStore {
	return &SessionStore{}
}

type sessionKey struct {
	nodeID string
	key    string
}

// Get gets a value stored for nodeID
func (s *SessionStore) Get(nodeID, key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	return s.values.Load(sessionKey{nodeID, key})
}

// GetString gets a string value stored for nodeID
func (s *SessionStore) GetString(nodeID, key string) string {
	v, ok := s.Get(nodeID, key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Set stores a value for nodeID
func (s *SessionStore) Set(nodeID, key string, value any) {
	if s == nil {
		return
	}
	s.values.Store(sessionKey{nodeID, key}, value)
}
