package devicehub

import "sync"

// Routing group names.
func userGroup(userID string) string     { return "Users:" + userID }
func deviceGroup(deviceID string) string { return "Device:" + deviceID }

// groups maps routing group names to the live sessions in them.
type groups struct {
	mu      sync.RWMutex
	members map[string]map[string]*session // group -> conn_id -> session
}

func newGroups() *groups {
	return &groups{members: make(map[string]map[string]*session)}
}

func (g *groups) add(group string, s *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[group]
	if !ok {
		m = make(map[string]*session)
		g.members[group] = m
	}
	m[s.id] = s
}

func (g *groups) remove(group, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.members[group]; ok {
		delete(m, connID)
		if len(m) == 0 {
			delete(g.members, group)
		}
	}
}

// snapshot returns the sessions in group at the time of the call.
func (g *groups) snapshot(group string) []*session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m := g.members[group]
	out := make([]*session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func (g *groups) size(group string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members[group])
}
