// Package service is the ingestion coordinator: it ties the address ledger,
// identity graph, reputation cache, and persistence layer together behind a
// single API consumed by the admin server and the daemon entrypoint.
package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ravenclaw-b/deepalts/internal/config"
	"github.com/ravenclaw-b/deepalts/internal/graph"
	"github.com/ravenclaw-b/deepalts/internal/history"
	"github.com/ravenclaw-b/deepalts/internal/observability"
	"github.com/ravenclaw-b/deepalts/internal/reputation"
	"github.com/ravenclaw-b/deepalts/internal/store"
)

// LoginEvent is one observed login.
type LoginEvent struct {
	Account uuid.UUID `json:"account"`
	RawAddr string    `json:"address"`
	Denied  bool      `json:"denied,omitempty"`
}

// Outcome says what the detector did with a login event.
type Outcome string

const (
	OutcomeRecorded Outcome = "recorded"
	OutcomeSkipped  Outcome = "skipped"
)

// IngestResult summarizes one processed login. RawAddr never leaves the
// detector; only the hashed form appears here.
type IngestResult struct {
	Account    uuid.UUID `json:"account"`
	HashedAddr string    `json:"hashed_addr,omitempty"`
	Proxy      bool      `json:"proxy"`
	NewAddress bool      `json:"new_address"`
	Outcome    Outcome   `json:"outcome"`
	At         time.Time `json:"at"`
}

// StatusReport is the operational snapshot served by the admin API.
type StatusReport struct {
	InstanceID      string                `json:"instance_id"`
	TrackedAccounts int                   `json:"tracked_accounts"`
	Graph           graph.Stats           `json:"graph"`
	CacheSize       int                   `json:"cache_size"`
	Rate            reputation.RateStatus `json:"rate"`
	Privacy         string                `json:"privacy"`
}

// privacyNote is included in every status report as an operator reminder.
const privacyNote = "addresses are stored as SHA-256 hashes; raw addresses are never persisted"

// Detector is the alt-account detection service.
type Detector struct {
	cfg      *config.Config
	ledger   *history.Ledger
	graph    *graph.Graph
	cache    *reputation.Cache
	store    store.Store
	registry *observability.Registry

	saver *saver

	subMu sync.Mutex
	subs  map[int]chan IngestResult
	subID int

	started bool
	mu      sync.Mutex
}

// New wires a Detector from its collaborators. The cache's dirty callback is
// claimed here so reputation writes flow into the debounced saver.
func New(
	cfg *config.Config,
	ledger *history.Ledger,
	g *graph.Graph,
	cache *reputation.Cache,
	st store.Store,
	registry *observability.Registry,
) *Detector {
	if registry == nil {
		registry = observability.NewRegistry()
	}
	observability.RegisterDetectorSet(registry)
	d := &Detector{
		cfg:      cfg,
		ledger:   ledger,
		graph:    g,
		cache:    cache,
		store:    st,
		registry: registry,
		subs:     make(map[int]chan IngestResult),
	}
	d.saver = newSaver(d, cfg.Persistence)
	cache.SetOnDirty(func() { d.saver.markDirty(dirtyReputation) })
	return d
}

// Start launches background loops: the rate-budget reset poller and the
// debounced save worker. Both stop when ctx is cancelled; the saver performs
// a final flush on the way out.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.cache.Start(ctx)
	go d.saver.run(ctx)

	log.Info().Str("instance", d.cfg.General.InstanceID).Msg("detector started")
}

// HandleLogin ingests one login event. Denied logins and blank addresses are
// skipped; successful logins are classified, recorded, and folded into the
// identity graph.
func (d *Detector) HandleLogin(ctx context.Context, ev LoginEvent) IngestResult {
	result := IngestResult{Account: ev.Account, At: time.Now().UTC()}

	if ev.Denied {
		result.Outcome = OutcomeSkipped
		d.registry.GetCounter(observability.MetricLoginsSkipped).Inc()
		return result
	}
	if strings.TrimSpace(ev.RawAddr) == "" {
		log.Warn().Str("account", ev.Account.String()).Msg("service: login without address, skipping")
		result.Outcome = OutcomeSkipped
		d.registry.GetCounter(observability.MetricLoginsSkipped).Inc()
		return result
	}

	// Classify first: the raw address must not survive past this point.
	classified := d.cache.Classify(ctx, ev.RawAddr)
	result.HashedAddr = classified.Hash
	result.Proxy = classified.Proxy

	result.NewAddress = d.ledger.Record(ev.Account, classified.Hash)
	d.updateGraph(ev.Account, classified.Hash, classified.Proxy)

	result.Outcome = OutcomeRecorded
	d.registry.GetCounter(observability.MetricLoginsIngested).Inc()
	d.saver.markDirty(dirtyIdentity | dirtyGraph)
	d.refreshGauges()
	d.publish(result)
	return result
}

// updateGraph folds one classified login into the graph. A panic in graph
// maintenance must not take down login handling, so it is confined here.
func (d *Detector) updateGraph(account uuid.UUID, hashed string, isProxy bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("account", account.String()).
				Msg("service: graph update panicked")
		}
	}()
	d.graph.UpdateOnLogin(account, hashed, d.ledger.SnapshotSets(), isProxy)
}

// Alts returns accounts whose most recent address matches the target's most
// recent address. No proxy filtering; this is the shallow check.
func (d *Detector) Alts(account uuid.UUID) []uuid.UUID {
	return d.ledger.SharedLatest(account)
}

// DeepAlts returns every account connected to the target through the
// identity graph, breadth-first, excluding the target itself.
func (d *Detector) DeepAlts(account uuid.UUID) []uuid.UUID {
	reachable := d.graph.ReachableFrom(account)
	out := make([]uuid.UUID, 0, len(reachable))
	for id := range reachable {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Known reports whether the account has any recorded address history.
func (d *Detector) Known(account uuid.UUID) bool {
	return d.ledger.Known(account)
}

// RebuildGraph discards the identity graph and reconstructs it from the full
// address history, consulting only the reputation cache (never the oracle).
func (d *Detector) RebuildGraph() graph.RebuildStats {
	stats := d.graph.Rebuild(d.ledger.SnapshotSets(), func(hashed string) (bool, bool) {
		return d.cache.Lookup(hashed)
	})
	d.registry.GetCounter(observability.MetricGraphRebuilds).Inc()
	d.saver.markDirty(dirtyGraph)
	d.refreshGauges()
	log.Info().
		Int("nodes", stats.Nodes).
		Int("connections", stats.Connections).
		Int("proxy_skipped", stats.ProxySkipped).
		Int("unknown", stats.Unknown).
		Msg("service: graph rebuilt")
	return stats
}

// SaveAll flushes every section to the store immediately.
func (d *Detector) SaveAll() error {
	return d.saver.flush(dirtyIdentity | dirtyGraph | dirtyReputation)
}

// Reload replaces in-memory state with whatever the store holds. If address
// history exists but the stored graph is empty, the graph is rebuilt from
// history so older data directories come up with full deep-alt coverage.
func (d *Detector) Reload() error {
	historyData, latest, err := d.store.LoadIdentity()
	if err != nil {
		return err
	}
	adjacency, err := d.store.LoadGraph()
	if err != nil {
		return err
	}
	entries, err := d.store.LoadReputation()
	if err != nil {
		return err
	}

	d.ledger.Restore(historyData, latest)
	d.graph.Restore(adjacency)
	d.cache.Restore(entries)

	log.Info().
		Int("accounts", len(historyData)).
		Int("graph_nodes", d.graph.Size()).
		Int("reputation_entries", len(entries)).
		Msg("service: state loaded")

	if d.graph.Size() == 0 && len(historyData) > 0 {
		log.Info().Msg("service: graph empty with existing history, rebuilding")
		d.RebuildGraph()
	}
	d.refreshGauges()
	return nil
}

// ClearCache drops every cached reputation entry.
func (d *Detector) ClearCache() {
	d.cache.Clear()
	d.saver.markDirty(dirtyReputation)
}

// ResetAccount forgets an account's address history and detaches it from the
// identity graph.
func (d *Detector) ResetAccount(account uuid.UUID) {
	d.ledger.Reset(account)
	d.graph.RemoveAccount(account)
	d.saver.markDirty(dirtyIdentity | dirtyGraph)
	d.refreshGauges()
	log.Info().Str("account", account.String()).Msg("service: account reset")
}

// Status returns the operational snapshot.
func (d *Detector) Status() StatusReport {
	return StatusReport{
		InstanceID:      d.cfg.General.InstanceID,
		TrackedAccounts: d.ledger.Accounts(),
		Graph:           d.graph.StatsSnapshot(),
		CacheSize:       d.cache.Size(),
		Rate:            d.cache.RateStatus(),
		Privacy:         privacyNote,
	}
}

// Subscribe registers a live feed of ingest results. The returned cancel
// function must be called to release the subscription. Slow consumers lose
// events rather than blocking ingestion.
func (d *Detector) Subscribe() (<-chan IngestResult, func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	id := d.subID
	d.subID++
	ch := make(chan IngestResult, 64)
	d.subs[id] = ch

	cancel := func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (d *Detector) publish(result IngestResult) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- result:
		default: // drop for slow consumers
		}
	}
}

func (d *Detector) refreshGauges() {
	stats := d.graph.StatsSnapshot()
	d.registry.GetGauge(observability.MetricGraphNodes).Set(int64(stats.Nodes))
	d.registry.GetGauge(observability.MetricGraphEdges).Set(int64(stats.Edges))
	d.registry.GetGauge(observability.MetricTrackedAccounts).Set(int64(d.ledger.Accounts()))
	d.registry.GetGauge(observability.MetricRateTokens).Set(d.cache.RemainingTokens())
}
