package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry remembers which MCP session each user last acted from, so
// notifications can be pushed to them. A user has at most one session; a
// session may carry several users.
type SessionRegistry struct {
	mu      sync.RWMutex
	byUser  map[string]string
	members map[string][]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byUser: map[string]string{}, members: map[string][]string{}}
}

// Register binds userID to sessionID, moving it off any earlier session.
func (r *SessionRegistry) Register(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok {
		if prev == sessionID {
			return
		}
		r.detach(prev, userID)
	}
	r.byUser[userID] = sessionID
	r.members[sessionID] = append(r.members[sessionID], userID)
}

func (r *SessionRegistry) detach(sessionID, userID string) {
	rest := slices.DeleteFunc(r.members[sessionID], func(u string) bool { return u == userID })
	if len(rest) == 0 {
		delete(r.members, sessionID)
		return
	}
	r.members[sessionID] = rest
}

func (r *SessionRegistry) SessionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byUser[userID]
	return sid, ok
}

// Users returns the users bound to sessionID.
func (r *SessionRegistry) Users(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.members[sessionID])
}

// Remove forgets sessionID and unbinds all of its users.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.members[sessionID] {
		delete(r.byUser, u)
	}
	delete(r.members, sessionID)
}

// Len is the number of users with a live session.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
