// Package graph maintains the undirected identity graph: accounts are
// nodes, and an edge joins two accounts whenever they share a hashed
// address that is not classified as a proxy.
//
// The graph is a derived structure. It is fully reconstructible from the
// address history plus the reputation cache, so it may legitimately be
// empty and rebuilt at any time.
package graph

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ravenclaw-b/deepalts/internal/iphash"
)

// Graph is the in-memory adjacency structure. A single reader/writer lock
// guards all access: mutation takes the write lock, queries take the read
// lock, so readers never observe a partially applied update or rebuild.
type Graph struct {
	mu  sync.RWMutex
	adj map[uuid.UUID]map[uuid.UUID]struct{}

	rebuilds atomic.Int64
	queries  atomic.Int64
}

// New creates an empty identity graph.
func New() *Graph {
	return &Graph{
		adj: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Connect inserts the undirected edge (a, b). Idempotent; a == b is a no-op.
func (g *Graph) Connect(a, b uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectLocked(a, b)
}

func (g *Graph) connectLocked(a, b uuid.UUID) {
	if a == b {
		return
	}
	if _, ok := g.adj[a]; !ok {
		g.adj[a] = make(map[uuid.UUID]struct{})
	}
	if _, ok := g.adj[b]; !ok {
		g.adj[b] = make(map[uuid.UUID]struct{})
	}
	g.adj[a][b] = struct{}{}
	g.adj[b][a] = struct{}{}
}

// UpdateOnLogin connects the account to every other account whose history
// contains the given hashed address. Proxy-classified addresses never
// create edges; the address still lives in the account's history, it just
// carries no identity weight.
func (g *Graph) UpdateOnLogin(account uuid.UUID, hashed string, snapshot map[uuid.UUID]map[string]struct{}, isProxy bool) {
	if isProxy {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for other, hashes := range snapshot {
		if other == account {
			continue
		}
		if _, ok := hashes[hashed]; ok {
			g.connectLocked(account, other)
		}
	}
}

// RebuildStats summarizes a full rebuild.
type RebuildStats struct {
	Nodes        int `json:"nodes"`
	Connections  int `json:"connections"`
	ProxySkipped int `json:"proxy_skipped"`
	Unknown      int `json:"unknown"`
}

// Rebuild discards the graph and reconstructs it from a history snapshot.
// lookup answers (isProxy, known) for a hashed address from the reputation
// cache; an unknown address is treated as not-proxy and logged, so a
// rebuild never blocks waiting for classifications.
//
// Grouping accounts by shared address and fully connecting each group is
// O(sum of group size squared). Address-sharing groups are expected to be
// small relative to the total population; that is a scaling assumption,
// not an accident.
//
// Classification happens before the write lock is taken, so the lock is
// held only for the in-memory swap.
func (g *Graph) Rebuild(snapshot map[uuid.UUID]map[string]struct{}, lookup func(hashed string) (isProxy, known bool)) RebuildStats {
	var stats RebuildStats

	// Group accounts by non-proxy hashed address.
	byHash := make(map[string][]uuid.UUID)
	proxySkipped := make(map[string]struct{})
	for account, hashes := range snapshot {
		for hashed := range hashes {
			isProxy, known := lookup(hashed)
			switch {
			case !known:
				stats.Unknown++
				log.Warn().
					Str("hash", iphash.Abbrev(hashed)).
					Msg("graph: classification unknown, treating as not proxy")
				byHash[hashed] = append(byHash[hashed], account)
			case isProxy:
				proxySkipped[hashed] = struct{}{}
			default:
				byHash[hashed] = append(byHash[hashed], account)
			}
		}
	}
	stats.ProxySkipped = len(proxySkipped)

	adj := make(map[uuid.UUID]map[uuid.UUID]struct{})
	connect := func(a, b uuid.UUID) {
		if _, ok := adj[a]; !ok {
			adj[a] = make(map[uuid.UUID]struct{})
		}
		if _, ok := adj[b]; !ok {
			adj[b] = make(map[uuid.UUID]struct{})
		}
		adj[a][b] = struct{}{}
		adj[b][a] = struct{}{}
	}
	for _, group := range byHash {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if group[i] != group[j] {
					connect(group[i], group[j])
					stats.Connections++
				}
			}
		}
	}

	g.mu.Lock()
	g.adj = adj
	g.mu.Unlock()
	g.rebuilds.Add(1)

	stats.Nodes = len(adj)
	log.Info().
		Int("nodes", stats.Nodes).
		Int("connections", stats.Connections).
		Int("proxy_skipped", stats.ProxySkipped).
		Int("unknown", stats.Unknown).
		Msg("graph: rebuild completed")
	return stats
}

// ReachableFrom returns every account connected to start by any chain of
// shared non-proxy addresses, via breadth-first traversal. The result
// excludes start itself.
func (g *Graph) ReachableFrom(start uuid.UUID) map[uuid.UUID]struct{} {
	g.queries.Add(1)

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[uuid.UUID]struct{}{start: {}}
	queue := []uuid.UUID{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for neighbor := range g.adj[current] {
			if _, seen := visited[neighbor]; !seen {
				visited[neighbor] = struct{}{}
				queue = append(queue, neighbor)
			}
		}
	}

	delete(visited, start)
	return visited
}

// Size returns the number of accounts with at least one edge.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj)
}

// Edges returns the number of undirected edges.
func (g *Graph) Edges() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, neighbors := range g.adj {
		total += len(neighbors)
	}
	return total / 2
}

// RemoveAccount deletes an account and all its edges. Administrative only.
func (g *Graph) RemoveAccount(account uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for neighbor := range g.adj[account] {
		delete(g.adj[neighbor], account)
		if len(g.adj[neighbor]) == 0 {
			delete(g.adj, neighbor)
		}
	}
	delete(g.adj, account)
}

// Clear discards all nodes and edges.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adj = make(map[uuid.UUID]map[uuid.UUID]struct{})
}

// Snapshot returns the adjacency as account -> sorted neighbor list, the
// shape the persistent store writes.
func (g *Graph) Snapshot() map[uuid.UUID][]uuid.UUID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[uuid.UUID][]uuid.UUID, len(g.adj))
	for account, neighbors := range g.adj {
		list := make([]uuid.UUID, 0, len(neighbors))
		for neighbor := range neighbors {
			list = append(list, neighbor)
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i].String() < list[j].String()
		})
		out[account] = list
	}
	return out
}

// Restore replaces the graph with loaded adjacency lists. Edges are
// re-inserted symmetrically, so a half-recorded edge in stored data still
// satisfies the symmetry invariant after load.
func (g *Graph) Restore(adjacency map[uuid.UUID][]uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.adj = make(map[uuid.UUID]map[uuid.UUID]struct{}, len(adjacency))
	for account, neighbors := range adjacency {
		for _, neighbor := range neighbors {
			g.connectLocked(account, neighbor)
		}
	}
}

// Stats is a snapshot of graph counters for status reporting.
type Stats struct {
	Nodes    int   `json:"nodes"`
	Edges    int   `json:"edges"`
	Rebuilds int64 `json:"rebuilds"`
	Queries  int64 `json:"queries"`
}

// StatsSnapshot returns current graph statistics.
func (g *Graph) StatsSnapshot() Stats {
	return Stats{
		Nodes:    g.Size(),
		Edges:    g.Edges(),
		Rebuilds: g.rebuilds.Load(),
		Queries:  g.queries.Load(),
	}
}
