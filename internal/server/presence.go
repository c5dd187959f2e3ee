package server

import (
	"sort"
	"strconv"
)

// presenceRegistry maps a user id to its live connections. A user is online
// iff it has at least one registered connection. The registry is owned by the
// hub loop; only ChatServer.Run mutates it, so no locking is required.
type presenceRegistry struct {
	users map[int]map[*Client]struct{}
}

func newPresenceRegistry() *presenceRegistry {
	return &presenceRegistry{
		users: make(map[int]map[*Client]struct{}),
	}
}

// register adds a connection handle under userId. It is idempotent per
// handle and returns true if the user transitioned from offline to online.
func (p *presenceRegistry) register(userId int, c *Client) bool {
	conns, ok := p.users[userId]
	if !ok {
		conns = make(map[*Client]struct{})
		p.users[userId] = conns
	}

	conns[c] = struct{}{}
	return !ok
}

// unregister removes a connection handle and returns true if the user
// transitioned to offline. Unregistering an unknown handle is a no-op, which
// absorbs disconnection races.
func (p *presenceRegistry) unregister(userId int, c *Client) bool {
	conns, ok := p.users[userId]
	if !ok {
		return false
	}

	if _, ok := conns[c]; !ok {
		return false
	}

	delete(conns, c)
	if len(conns) == 0 {
		delete(p.users, userId)
		return true
	}

	return false
}

func (p *presenceRegistry) isOnline(userId int) bool {
	return len(p.users[userId]) > 0
}

// snapshot returns the stringified ids of all online users, sorted for
// stable output.
func (p *presenceRegistry) snapshot() []string {
	ids := make([]string, 0, len(p.users))
	for userId := range p.users {
		ids = append(ids, strconv.Itoa(userId))
	}
	sort.Strings(ids)

	return ids
}

// clientsFor returns the live connections of a user. Callers must not retain
// the map beyond the current hub iteration.
func (p *presenceRegistry) clientsFor(userId int) map[*Client]struct{} {
	return p.users[userId]
}
