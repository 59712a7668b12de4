package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravenclaw-b/deepalts/internal/config"
	"github.com/ravenclaw-b/deepalts/internal/graph"
	"github.com/ravenclaw-b/deepalts/internal/history"
	"github.com/ravenclaw-b/deepalts/internal/iphash"
	"github.com/ravenclaw-b/deepalts/internal/observability"
	"github.com/ravenclaw-b/deepalts/internal/reputation"
	"github.com/ravenclaw-b/deepalts/internal/store"
)

func newTestDetector(t *testing.T, verdicts map[string]reputation.Verdict) *Detector {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	cfg.Persistence.DebounceMs = 10
	cfg.Persistence.MaxDelayMs = 50

	st, err := store.OpenFile(cfg.Storage.Dir)
	require.NoError(t, err)

	oracle := reputation.NewStubOracle(verdicts)
	cache := reputation.NewCache(reputation.DefaultCacheConfig(), oracle, observability.NewRegistry())

	return New(cfg, history.NewLedger(), graph.New(), cache, st, observability.DetectorMetrics())
}

func ingest(t *testing.T, d *Detector, account uuid.UUID, addr string) IngestResult {
	t.Helper()
	result := d.HandleLogin(context.Background(), LoginEvent{Account: account, RawAddr: addr})
	require.Equal(t, OutcomeRecorded, result.Outcome)
	return result
}

func TestSharedLatestAddressDetected(t *testing.T) {
	d := newTestDetector(t, nil)
	accountA := uuid.New()
	accountB := uuid.New()

	ingest(t, d, accountA, "203.0.113.7")
	ingest(t, d, accountB, "203.0.113.7")

	assert.Equal(t, []uuid.UUID{accountB}, d.Alts(accountA))
	assert.Equal(t, []uuid.UUID{accountA}, d.Alts(accountB))
}

func TestMovedAwayAccountLeavesShallowButStaysDeep(t *testing.T) {
	d := newTestDetector(t, nil)
	accountA := uuid.New()
	accountB := uuid.New()

	ingest(t, d, accountA, "203.0.113.7")
	ingest(t, d, accountB, "203.0.113.7")
	ingest(t, d, accountB, "198.51.100.9")

	// Latest addresses diverged: the shallow check no longer links them.
	assert.Empty(t, d.Alts(accountA))

	// The historical overlap keeps them connected in the graph.
	assert.Equal(t, []uuid.UUID{accountB}, d.DeepAlts(accountA))
}

func TestDeepAltsTransitiveChain(t *testing.T) {
	d := newTestDetector(t, nil)
	accountP := uuid.New()
	accountQ := uuid.New()
	accountR := uuid.New()
	accountS := uuid.New()

	ingest(t, d, accountP, "203.0.113.1")
	ingest(t, d, accountQ, "203.0.113.1")
	ingest(t, d, accountR, "203.0.113.1")
	ingest(t, d, accountR, "203.0.113.2")
	ingest(t, d, accountS, "203.0.113.2")

	deep := d.DeepAlts(accountP)
	assert.Len(t, deep, 3)
	assert.Contains(t, deep, accountQ)
	assert.Contains(t, deep, accountR)
	assert.Contains(t, deep, accountS)

	// The shallow check only sees the shared-latest set.
	assert.NotContains(t, d.Alts(accountP), accountS)
}

func TestProxyAddressNeverLinks(t *testing.T) {
	d := newTestDetector(t, map[string]reputation.Verdict{
		"203.0.113.66": {Proxy: true},
	})
	accountA := uuid.New()
	accountB := uuid.New()

	resultA := ingest(t, d, accountA, "203.0.113.66")
	assert.True(t, resultA.Proxy)
	ingest(t, d, accountB, "203.0.113.66")

	// The login is still recorded and the shallow check still fires, but
	// no graph edge forms through a flagged address.
	assert.Equal(t, []uuid.UUID{accountB}, d.Alts(accountA))
	assert.Empty(t, d.DeepAlts(accountA))
}

func TestDeniedAndBlankLoginsSkipped(t *testing.T) {
	d := newTestDetector(t, nil)
	account := uuid.New()

	denied := d.HandleLogin(context.Background(), LoginEvent{
		Account: account, RawAddr: "203.0.113.7", Denied: true,
	})
	assert.Equal(t, OutcomeSkipped, denied.Outcome)
	assert.Empty(t, denied.HashedAddr)

	blank := d.HandleLogin(context.Background(), LoginEvent{Account: account})
	assert.Equal(t, OutcomeSkipped, blank.Outcome)

	assert.False(t, d.Known(account))
	skipped := d.registry.GetCounter(observability.MetricLoginsSkipped)
	assert.Equal(t, int64(2), skipped.Value())
}

func TestWhitespaceAddressesNeverLinkAccounts(t *testing.T) {
	d := newTestDetector(t, nil)
	accountA := uuid.New()
	accountB := uuid.New()

	for _, addr := range []string{"  ", "\t", "\n"} {
		result := d.HandleLogin(context.Background(), LoginEvent{Account: accountA, RawAddr: addr})
		assert.Equal(t, OutcomeSkipped, result.Outcome)
		assert.Empty(t, result.HashedAddr)
	}
	d.HandleLogin(context.Background(), LoginEvent{Account: accountB, RawAddr: " "})

	// Blank addresses must not create history, a shared latest address,
	// or graph edges between otherwise unrelated accounts.
	assert.False(t, d.Known(accountA))
	assert.False(t, d.Known(accountB))
	assert.Empty(t, d.Alts(accountA))
	assert.Empty(t, d.DeepAlts(accountA))
}

func TestIngestResultCarriesHashOnly(t *testing.T) {
	d := newTestDetector(t, nil)
	account := uuid.New()

	result := ingest(t, d, account, "203.0.113.7")
	assert.Equal(t, iphash.Hash("203.0.113.7"), result.HashedAddr)
	assert.True(t, result.NewAddress)

	again := ingest(t, d, account, "203.0.113.7")
	assert.False(t, again.NewAddress)
}

func TestRebuildGraphUsesCacheOnly(t *testing.T) {
	d := newTestDetector(t, map[string]reputation.Verdict{
		"203.0.113.66": {Proxy: true},
	})
	accountA := uuid.New()
	accountB := uuid.New()
	accountC := uuid.New()

	ingest(t, d, accountA, "203.0.113.1")
	ingest(t, d, accountB, "203.0.113.1")
	ingest(t, d, accountC, "203.0.113.66")
	ingest(t, d, accountA, "203.0.113.66")

	stats := d.RebuildGraph()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.ProxySkipped)
	assert.Equal(t, []uuid.UUID{accountB}, d.DeepAlts(accountA))
	assert.Empty(t, d.DeepAlts(accountC))
}

func TestSaveAllAndReloadRoundTrip(t *testing.T) {
	d := newTestDetector(t, nil)
	accountA := uuid.New()
	accountB := uuid.New()

	ingest(t, d, accountA, "203.0.113.7")
	ingest(t, d, accountB, "203.0.113.7")
	require.NoError(t, d.SaveAll())

	// Fresh detector over the same store directory.
	fresh := New(d.cfg, history.NewLedger(), graph.New(),
		reputation.NewCache(reputation.DefaultCacheConfig(), reputation.NewStubOracle(nil), observability.NewRegistry()),
		d.store, observability.DetectorMetrics())
	require.NoError(t, fresh.Reload())

	assert.True(t, fresh.Known(accountA))
	assert.Equal(t, []uuid.UUID{accountB}, fresh.Alts(accountA))
	assert.Equal(t, []uuid.UUID{accountB}, fresh.DeepAlts(accountA))
}

func TestReloadRebuildsWhenGraphMissing(t *testing.T) {
	d := newTestDetector(t, nil)
	accountA := uuid.New()
	accountB := uuid.New()

	ingest(t, d, accountA, "203.0.113.7")
	ingest(t, d, accountB, "203.0.113.7")

	// Persist only the identity section, as an older data directory would
	// have it.
	require.NoError(t, d.store.SaveIdentity(d.ledger.SnapshotHistory(), d.ledger.SnapshotLatest()))

	fresh := New(d.cfg, history.NewLedger(), graph.New(),
		reputation.NewCache(reputation.DefaultCacheConfig(), reputation.NewStubOracle(nil), observability.NewRegistry()),
		d.store, observability.DetectorMetrics())
	require.NoError(t, fresh.Reload())

	assert.Equal(t, []uuid.UUID{accountB}, fresh.DeepAlts(accountA))
}

func TestResetAccount(t *testing.T) {
	d := newTestDetector(t, nil)
	accountA := uuid.New()
	accountB := uuid.New()

	ingest(t, d, accountA, "203.0.113.7")
	ingest(t, d, accountB, "203.0.113.7")

	d.ResetAccount(accountA)

	assert.False(t, d.Known(accountA))
	assert.Empty(t, d.DeepAlts(accountB))
	assert.Empty(t, d.Alts(accountB))
}

func TestStatusReport(t *testing.T) {
	d := newTestDetector(t, nil)
	accountA := uuid.New()
	accountB := uuid.New()

	ingest(t, d, accountA, "203.0.113.7")
	ingest(t, d, accountB, "203.0.113.7")

	status := d.Status()
	assert.Equal(t, 2, status.TrackedAccounts)
	assert.Equal(t, 2, status.Graph.Nodes)
	assert.Equal(t, 1, status.Graph.Edges)
	assert.Equal(t, 1, status.CacheSize)
	assert.Equal(t, int64(45), status.Rate.Budget)
}

func TestSubscribeReceivesIngestResults(t *testing.T) {
	d := newTestDetector(t, nil)
	account := uuid.New()

	ch, cancel := d.Subscribe()
	defer cancel()

	ingest(t, d, account, "203.0.113.7")

	select {
	case result := <-ch:
		assert.Equal(t, account, result.Account)
		assert.Equal(t, OutcomeRecorded, result.Outcome)
	case <-time.After(time.Second):
		t.Fatal("no ingest result published")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	d := newTestDetector(t, nil)

	ch, cancel := d.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
}

func TestSaverCoalescesBursts(t *testing.T) {
	d := newTestDetector(t, nil)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	d.Start(ctx)

	for i := 0; i < 10; i++ {
		ingest(t, d, uuid.New(), "203.0.113.7")
	}

	require.Eventually(t, func() bool {
		return d.registry.GetCounter(observability.MetricSaveFlushes).Value() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// A burst lands as a small number of flushes, not one per login.
	flushes := d.registry.GetCounter(observability.MetricSaveFlushes).Value()
	assert.LessOrEqual(t, flushes, int64(3))

	saved, _, err := d.store.LoadIdentity()
	require.NoError(t, err)
	assert.Len(t, saved, 10)
}

func TestFinalFlushOnShutdown(t *testing.T) {
	d := newTestDetector(t, nil)
	d.cfg.Persistence.DebounceMs = 60_000 // never fires on its own
	d.saver = newSaver(d, d.cfg.Persistence)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.saver.run(ctx)
		close(done)
	}()

	ingest(t, d, uuid.New(), "203.0.113.7")
	stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("saver did not exit")
	}

	saved, _, err := d.store.LoadIdentity()
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}
