package lxmf

import (
	"sort"
	"sync"
	"time"
)

// SelectionMode chooses how a PropagationManager picks among candidates.
type SelectionMode int

const (
	// Auto ranks candidates by last-seen and link-quality heuristics and
	// picks the best one (mirrors the weighted-candidate ranking in
	// Reticulum's own path selection).
	Auto SelectionMode = iota
	// Pinned always returns the operator-configured node, if registered.
	Pinned
)

// PropagationNode is a transport-enabled peer willing to store-and-forward
// LXMF messages on a destination's behalf.
type PropagationNode struct {
	Name       string
	DestHash   [16]byte
	LastSeen   time.Time
	LinkQuality float64 // 0..1, e.g. recent delivery success ratio
}

// PropagationManager ranks and selects a propagation node for messages
// that exhaust direct delivery.
type PropagationManager struct {
	mu    sync.Mutex
	mode  SelectionMode
	pinned string
	nodes map[string]*PropagationNode
}

// NewPropagationManager creates a manager in Auto mode with no nodes.
func NewPropagationManager() *PropagationManager {
	return &PropagationManager{
		mode:  Auto,
		nodes: make(map[string]*PropagationNode),
	}
}

// Register adds or refreshes a known propagation node.
func (m *PropagationManager) Register(n *PropagationNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.Name] = n
}

// Pin switches to Pinned mode, always preferring the named node.
func (m *PropagationManager) Pin(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = Pinned
	m.pinned = name
}

// Auto switches back to automatic ranking.
func (m *PropagationManager) Auto() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = Auto
}

// score combines recency and link quality, weighting quality higher since
// a stale-but-reliable node beats a freshly-seen flaky one.
func score(n *PropagationNode, now time.Time) float64 {
	recency := clampf(1-now.Sub(n.LastSeen).Minutes()/30, 0, 1)
	return 0.7*n.LinkQuality + 0.3*recency
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Select returns the chosen propagation node, or nil if none is available.
func (m *PropagationManager) Select() *PropagationNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == Pinned {
		return m.nodes[m.pinned]
	}

	now := time.Now()
	candidates := make([]*PropagationNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return score(candidates[i], now) > score(candidates[j], now)
	})
	return candidates[0]
}

// Ranked returns every known node ordered best-to-worst, for diagnostics.
func (m *PropagationManager) Ranked() []*PropagationNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]*PropagationNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return score(out[i], now) > score(out[j], now)
	})
	return out
}
