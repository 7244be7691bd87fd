package shadowban

// Registry is the process-wide set of shadow-banned user ids, loaded from
// configuration at startup and immutable afterwards, so membership tests
// need no locking. Enforcement of the "silently accept but never surface"
// policy belongs to the write path, not this core.
type Registry struct {
	users map[string]struct{}
}

func NewRegistry(userIDs []string) *Registry {
	users := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			users[id] = struct{}{}
		}
	}
	return &Registry{users: users}
}

// IsBanned reports membership; an empty user id is never banned.
func (r *Registry) IsBanned(userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := r.users[userID]
	return ok
}

// Len reports the number of banned users.
func (r *Registry) Len() int { return len(r.users) }
