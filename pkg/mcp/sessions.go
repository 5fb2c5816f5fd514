package mcp

import "sync"

// SessionRegistry tracks which MCP session follows which runtime task. A task
// has at most one follower; a session may follow many tasks.
type SessionRegistry struct {
	mu        sync.RWMutex
	follower  map[string]string              // task id -> session id
	following map[string]map[string]struct{} // session id -> task ids
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		follower:  make(map[string]string),
		following: make(map[string]map[string]struct{}),
	}
}

// Register makes sessionID the follower of taskID, taking over from any
// previous follower.
func (r *SessionRegistry) Register(taskID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.follower[taskID]; ok {
		if prev == sessionID {
			return
		}
		r.unfollow(prev, taskID)
	}
	r.follower[taskID] = sessionID
	tasks := r.following[sessionID]
	if tasks == nil {
		tasks = make(map[string]struct{})
		r.following[sessionID] = tasks
	}
	tasks[taskID] = struct{}{}
}

func (r *SessionRegistry) SessionFor(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.follower[taskID]
	return sid, ok
}

// Remove forgets a session that went away, along with every task it followed.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID := range r.following[sessionID] {
		delete(r.follower, taskID)
	}
	delete(r.following, sessionID)
}

func (r *SessionRegistry) unfollow(sessionID, taskID string) {
	tasks := r.following[sessionID]
	delete(tasks, taskID)
	if len(tasks) == 0 {
		delete(r.following, sessionID)
	}
}
