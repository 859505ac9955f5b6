package services

import (
	"sort"
	"sync"
	"time"

	"github.com/graph8/agent-gateway/internal/core/ports"
	"github.com/graph8/agent-gateway/internal/domain"
	"github.com/graph8/agent-gateway/internal/infrastructure/logger"
)

var _ ports.ConnectionRegistry = (*ConnectionRegistry)(nil)

type registryEntry struct {
	conn         ports.AgentConn
	identity     *domain.AgentIdentity
	status       domain.AgentStatus
	connectedAt  time.Time
	registeredAt time.Time
	lastSeenAt   time.Time
}

// ConnectionRegistry tracks live agent connections and the identity bound to
// each. An agent id maps to at most one connection; a later registration for
// the same agent takes the mapping over without closing the older socket.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	conns   map[string]*registryEntry
	byAgent map[string]string
	logger  *logger.Logger
	now     func() time.Time
}

func NewConnectionRegistry(log *logger.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:   make(map[string]*registryEntry),
		byAgent: make(map[string]string),
		logger:  log,
		now:     time.Now,
	}
}

// Add tracks a connection that has not registered yet. Adding a known
// connection is a no-op.
func (r *ConnectionRegistry) Add(conn ports.AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return
	}
	now := r.now()
	r.conns[conn.ID()] = &registryEntry{
		conn:        conn,
		status:      domain.AgentStatusConnected,
		connectedAt: now,
		lastSeenAt:  now,
	}
}

func (r *ConnectionRegistry) Register(conn ports.AgentConn, identity domain.AgentIdentity) error {
	if identity.AgentID == "" || identity.UserID == "" {
		return ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.conns[conn.ID()]
	if !ok {
		entry = &registryEntry{conn: conn, status: domain.AgentStatusConnected, connectedAt: now}
		r.conns[conn.ID()] = entry
	}
	if entry.identity != nil && *entry.identity != identity {
		return ErrIdentityImmutable
	}

	if prev, ok := r.byAgent[identity.AgentID]; ok && prev != conn.ID() {
		r.logger.Warnw("agent_registration_superseded",
			"agent_id", identity.AgentID,
			"previous_connection_id", prev,
			"connection_id", conn.ID(),
		)
	}

	id := identity
	entry.identity = &id
	entry.registeredAt = now
	entry.lastSeenAt = now
	r.byAgent[identity.AgentID] = conn.ID()
	return nil
}

// Unregister forgets conn. An agent mapping that has since moved to a newer
// connection is left alone.
func (r *ConnectionRegistry) Unregister(conn ports.AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[conn.ID()]
	if !ok {
		return
	}
	delete(r.conns, conn.ID())
	if entry.identity != nil && r.byAgent[entry.identity.AgentID] == conn.ID() {
		delete(r.byAgent, entry.identity.AgentID)
	}
}

func (r *ConnectionRegistry) Lookup(agentID string) (ports.AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.byAgent[agentID]
	if !ok {
		return nil, false
	}
	entry, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

func (r *ConnectionRegistry) Identity(conn ports.AgentConn) (domain.AgentIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[conn.ID()]
	if !ok || entry.identity == nil {
		return domain.AgentIdentity{}, false
	}
	return *entry.identity, true
}

// SetStatus records the last status an agent reported. Unknown values are dropped.
func (r *ConnectionRegistry) SetStatus(conn ports.AgentConn, status domain.AgentStatus) {
	if !status.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.conns[conn.ID()]; ok {
		entry.status = status
		entry.lastSeenAt = r.now()
	}
}

func (r *ConnectionRegistry) Touch(conn ports.AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.conns[conn.ID()]; ok {
		entry.lastSeenAt = r.now()
	}
}

// Agents lists the connection currently bound to each agent id, ordered by
// agent id.
func (r *ConnectionRegistry) Agents() []domain.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]domain.AgentInfo, 0, len(r.byAgent))
	for agentID, connID := range r.byAgent {
		entry := r.conns[connID]
		if entry == nil || entry.identity == nil {
			continue
		}
		agents = append(agents, domain.AgentInfo{
			ConnectionID: connID,
			AgentID:      agentID,
			UserID:       entry.identity.UserID,
			Status:       entry.status,
			RemoteAddr:   entry.conn.RemoteAddr(),
			ConnectedAt:  entry.connectedAt,
			RegisteredAt: entry.registeredAt,
			LastSeenAt:   entry.lastSeenAt,
		})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents
}

// Count returns the number of live connections, registered or not.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
