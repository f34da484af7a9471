// Package state keeps the registry of mesh nodes heard by the bridge.
// It holds a hot in-memory index and persists through the store package.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/store"
)

// Node is a known mesh participant.
type Node struct {
	NodeID      uint32    `json:"node_id"`
	NodeIDHex   string    `json:"id"` // e.g. "!deadbeef"
	LongName    string    `json:"long_name,omitempty"`
	ShortName   string    `json:"short_name,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	LastChannel int       `json:"last_channel"`
	Messages    int       `json:"messages"` // text messages heard this session
}

// Manager holds the node registry. All exported methods are safe for
// concurrent use.
type Manager struct {
	db    *store.DB // nil keeps the registry in memory only
	log   *zap.Logger
	now   func() time.Time
	mu    sync.RWMutex
	nodes map[uint32]*Node
}

// New creates a Manager and hydrates the node cache from db.
func New(ctx context.Context, db *store.DB, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		db:    db,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		nodes: make(map[uint32]*Node),
	}
	if db != nil {
		if err := m.loadNodes(ctx); err != nil {
			return nil, fmt.Errorf("state: load nodes: %w", err)
		}
	}
	return m, nil
}

// NodeIDHex formats a node number the way Meshtastic displays it.
func NodeIDHex(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// UpsertNode records identity data announced by the device.
func (m *Manager) UpsertNode(ctx context.Context, num uint32, longName, shortName string) error {
	if num == 0 {
		return fmt.Errorf("state: node ID must not be zero")
	}
	m.mu.Lock()
	n := m.nodeLocked(num)
	if longName != "" {
		n.LongName = longName
	}
	if shortName != "" {
		n.ShortName = shortName
	}
	n.LastSeen = m.now()
	snap := *n
	m.mu.Unlock()

	return m.persist(ctx, snap)
}

// ObserveText records that num sent a text message on channel.
func (m *Manager) ObserveText(ctx context.Context, num uint32, channel int) error {
	if num == 0 {
		return nil
	}
	m.mu.Lock()
	n := m.nodeLocked(num)
	n.LastSeen = m.now()
	n.LastChannel = channel
	n.Messages++
	snap := *n
	m.mu.Unlock()

	return m.persist(ctx, snap)
}

// GetNode retrieves a node by numeric ID.
func (m *Manager) GetNode(nodeID uint32) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// ListNodes returns a snapshot of all known nodes, most recently heard first.
func (m *Manager) ListNodes() []Node {
	m.mu.RLock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// NodeCount returns how many nodes are currently known.
func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// ── internal ──────────────────────────────────────────────────────────────

func (m *Manager) nodeLocked(num uint32) *Node {
	n, ok := m.nodes[num]
	if !ok {
		n = &Node{NodeID: num, NodeIDHex: NodeIDHex(num)}
		m.nodes[num] = n
		m.log.Debug("state: new node", zap.String("node", n.NodeIDHex))
	}
	return n
}

func (m *Manager) persist(ctx context.Context, n Node) error {
	if m.db == nil {
		return nil
	}
	return m.db.UpsertPeer(ctx, store.Peer{
		NodeID:      n.NodeIDHex,
		LongName:    n.LongName,
		ShortName:   n.ShortName,
		LastSeen:    n.LastSeen,
		LastChannel: n.LastChannel,
	})
}

func (m *Manager) loadNodes(ctx context.Context) error {
	peers, err := m.db.ListPeers(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range peers {
		var num uint32
		if _, err := fmt.Sscanf(p.NodeID, "!%x", &num); err != nil || num == 0 {
			m.log.Warn("state: skipping malformed peer", zap.String("node", p.NodeID))
			continue
		}
		m.nodes[num] = &Node{
			NodeID:      num,
			NodeIDHex:   p.NodeID,
			LongName:    p.LongName,
			ShortName:   p.ShortName,
			LastSeen:    p.LastSeen,
			LastChannel: p.LastChannel,
		}
	}
	return nil
}
