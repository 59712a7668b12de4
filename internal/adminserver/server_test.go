package adminserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravenclaw-b/deepalts/internal/config"
	"github.com/ravenclaw-b/deepalts/internal/graph"
	"github.com/ravenclaw-b/deepalts/internal/history"
	"github.com/ravenclaw-b/deepalts/internal/observability"
	"github.com/ravenclaw-b/deepalts/internal/reputation"
	"github.com/ravenclaw-b/deepalts/internal/service"
	"github.com/ravenclaw-b/deepalts/internal/store"
)

type fixture struct {
	server   *Server
	detector *service.Detector
	resolver *service.StaticResolver
	alice    uuid.UUID
	bob      uuid.UUID
}

func newFixture(t *testing.T, adminCfg config.AdminConfig) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()

	st, err := store.OpenFile(cfg.Storage.Dir)
	require.NoError(t, err)

	registry := observability.DetectorMetrics()
	cache := reputation.NewCache(reputation.DefaultCacheConfig(), reputation.NewStubOracle(nil), registry)
	detector := service.New(cfg, history.NewLedger(), graph.New(), cache, st, registry)

	alice := uuid.New()
	bob := uuid.New()
	resolver := service.NewStaticResolver(map[string]uuid.UUID{
		"Alice": alice,
		"Bob":   bob,
	})

	return &fixture{
		server:   New(adminCfg, detector, resolver, registry),
		detector: detector,
		resolver: resolver,
		alice:    alice,
		bob:      bob,
	}
}

func (f *fixture) login(t *testing.T, account uuid.UUID, addr string) {
	t.Helper()
	result := f.detector.HandleLogin(context.Background(), service.LoginEvent{
		Account: account, RawAddr: addr,
	})
	require.Equal(t, service.OutcomeRecorded, result.Outcome)
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) post(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeAlts(t *testing.T, rec *httptest.ResponseRecorder) altsResponse {
	t.Helper()
	var resp altsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAltsByName(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	f.login(t, f.alice, "203.0.113.7")
	f.login(t, f.bob, "203.0.113.7")

	rec := f.get(t, "/v1/alts/Alice")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAlts(t, rec)
	assert.Equal(t, "Alice", resp.Target)
	assert.Equal(t, []string{"Bob"}, resp.Alts)
	assert.Empty(t, resp.Message)
}

func TestAltsByRawID(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	f.login(t, f.alice, "203.0.113.7")
	f.login(t, f.bob, "203.0.113.7")

	rec := f.get(t, "/v1/alts/"+f.alice.String())
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAlts(t, rec)
	assert.Equal(t, "Alice", resp.Target)
	assert.Equal(t, []string{"Bob"}, resp.Alts)
}

func TestAltsForceUUIDs(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	f.login(t, f.alice, "203.0.113.7")
	f.login(t, f.bob, "203.0.113.7")

	rec := f.get(t, "/v1/alts/Alice?uuid=true")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAlts(t, rec)
	assert.Equal(t, f.alice.String(), resp.Target)
	assert.Equal(t, []string{f.bob.String()}, resp.Alts)
}

func TestAltsNoneFound(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	f.login(t, f.alice, "203.0.113.7")

	rec := f.get(t, "/v1/alts/Alice")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAlts(t, rec)
	assert.Empty(t, resp.Alts)
	assert.Equal(t, "no alts found", resp.Message)
}

func TestAltsUnknownTarget(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})

	rec := f.get(t, "/v1/alts/Nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "player not found")

	// Known name, but no recorded history and not online.
	rec = f.get(t, "/v1/alts/Alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAltsOnlineButUnrecordedTarget(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	f.resolver.Online[f.alice] = true

	rec := f.get(t, "/v1/alts/Alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no alts found", decodeAlts(t, rec).Message)
}

func TestDeepAlts(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	carol := uuid.New()

	f.login(t, f.alice, "203.0.113.1")
	f.login(t, f.bob, "203.0.113.1")
	f.login(t, f.bob, "203.0.113.2")
	f.login(t, carol, "203.0.113.2")

	rec := f.get(t, "/v1/deepalts/Alice")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeAlts(t, rec)
	assert.Len(t, resp.Alts, 2)
	assert.Contains(t, resp.Alts, "Bob")
	assert.Contains(t, resp.Alts, carol.String()) // not in the name table

	// Shallow query only sees Bob's first address era — nobody shares
	// Alice's latest address now.
	rec = f.get(t, "/v1/alts/Alice")
	assert.Equal(t, "no alts found", decodeAlts(t, rec).Message)
}

func TestIngestEndpoint(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})

	body, err := json.Marshal(service.LoginEvent{Account: f.alice, RawAddr: "203.0.113.7"})
	require.NoError(t, err)

	rec := f.post(t, "/v1/ingest", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var result service.IngestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, service.OutcomeRecorded, result.Outcome)
	assert.True(t, result.NewAddress)
	assert.NotContains(t, rec.Body.String(), "203.0.113.7")

	rec = f.post(t, "/v1/ingest", []byte(`{"address":"203.0.113.7"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.post(t, "/v1/ingest", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMaintenanceEndpoints(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	f.login(t, f.alice, "203.0.113.7")
	f.login(t, f.bob, "203.0.113.7")

	rec := f.post(t, "/v1/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats graph.RebuildStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Connections)

	rec = f.post(t, "/v1/save", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(t, "/v1/reload", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(t, "/v1/cache/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(t, "/v1/reset/Alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.detector.Known(f.alice))
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	f.login(t, f.alice, "203.0.113.7")

	rec := f.get(t, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status service.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.TrackedAccounts)
	assert.Equal(t, 1, status.CacheSize)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})
	f.login(t, f.alice, "203.0.113.7")

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deepalts_logins_ingested_total 1")
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t, config.AdminConfig{AuthToken: "sekrit"})

	rec := f.get(t, "/v1/status")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-Auth-Token", "sekrit")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLiveFeed(t *testing.T) {
	f := newFixture(t, config.AdminConfig{})

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered by the handler goroutine after the
	// handshake, so keep emitting logins until one comes through.
	var result service.IngestResult
	require.Eventually(t, func() bool {
		f.login(t, f.alice, "203.0.113.7")
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		return conn.ReadJSON(&result) == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, f.alice, result.Account)
	assert.Equal(t, service.OutcomeRecorded, result.Outcome)
}
