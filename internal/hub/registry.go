package hub

import "sync"

type membership struct {
	userID string
	rooms  map[string]struct{}
}

// Registry tracks which connections belong to which user and which
// conversation rooms they joined. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[*Client]*membership
	users   map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[*Client]*membership),
		users:   make(map[string]map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

func addTo(set map[string]map[*Client]struct{}, key string, c *Client) {
	members, ok := set[key]
	if !ok {
		members = make(map[*Client]struct{})
		set[key] = members
	}
	members[c] = struct{}{}
}

func removeFrom(set map[string]map[*Client]struct{}, key string, c *Client) {
	members, ok := set[key]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(set, key)
	}
}

// Add registers an unauthenticated connection
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		r.clients[c] = &membership{rooms: make(map[string]struct{})}
	}
}

// Authenticate binds the connection to userID. Rebinding to another user
// drops the room memberships of the previous identity.
func (r *Registry) Authenticate(c *Client, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.clients[c]
	if !ok {
		return false
	}
	if m.userID == userID {
		return true
	}
	if m.userID != "" {
		removeFrom(r.users, m.userID, c)
		for room := range m.rooms {
			removeFrom(r.rooms, room, c)
		}
		m.rooms = make(map[string]struct{})
	}
	m.userID = userID
	addTo(r.users, userID, c)
	return true
}

// UserOf returns the user bound to the connection, or ""
func (r *Registry) UserOf(c *Client) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.clients[c]; ok {
		return m.userID
	}
	return ""
}

// Join adds the connection to a room
func (r *Registry) Join(c *Client, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.clients[c]
	if !ok {
		return false
	}
	m.rooms[room] = struct{}{}
	addTo(r.rooms, room, c)
	return true
}

// Leave removes the connection from a room
func (r *Registry) Leave(c *Client, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.clients[c]; ok {
		delete(m.rooms, room)
	}
	removeFrom(r.rooms, room, c)
}

// Remove forgets the connection entirely. It reports whether it was known.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.clients[c]
	if !ok {
		return false
	}
	if m.userID != "" {
		removeFrom(r.users, m.userID, c)
	}
	for room := range m.rooms {
		removeFrom(r.rooms, room, c)
	}
	delete(r.clients, c)
	return true
}

func snapshot(members map[*Client]struct{}) []*Client {
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// UserClients returns the live connections of userID
func (r *Registry) UserClients(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[userID])
}

// RoomClients returns the connections that joined room
func (r *Registry) RoomClients(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[room])
}

// Clients returns every registered connection
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Online reports whether userID has at least one live connection
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Stats returns the number of connections, users and rooms
func (r *Registry) Stats() (clients, users, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients), len(r.users), len(r.rooms)
}
