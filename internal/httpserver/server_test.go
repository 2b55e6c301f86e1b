package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/beacon/internal/config"
	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/httpserver/deps"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/registry"
	"github.com/MrSnakeDoc/beacon/internal/sources/placement"
	"github.com/MrSnakeDoc/beacon/internal/store/memory"
)

type fixture struct {
	handler  http.Handler
	registry *registry.Registry
	health   *metrics.Health
	reload   chan struct{}
}

func newFixture(t *testing.T, mutate ...func(*deps.Deps)) *fixture {
	t.Helper()
	reg := registry.New(memory.New(), logger.NewNop())
	health := metrics.NewHealth()
	reload := make(chan struct{}, 1)

	d := deps.Deps{
		Logger:         logger.NewNop(),
		StartTime:      time.Now(),
		Version:        "test",
		TimeNow:        time.Now,
		AdminRateBurst: 1000,
		AdminRatePerIP: 1000,
		Registry:       reg,
		Health:         health,
		Placement:      placement.NewTable(placement.Static("dyn.example.com.", 60)),
		PlacementFile:  "/etc/beacon/placement.yaml",
		ReloadTrigger:  reload,
	}
	for _, m := range mutate {
		m(&d)
	}

	srv := New(&config.Config{HTTPAddr: ":0"}, logger.NewNop(), d)
	return &fixture{handler: srv.Handler(), registry: reg, health: health, reload: reload}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seed(t *testing.T, name, ip string, sync domain.SyncStatus) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.registry.Upsert(context.Background(), &domain.Host{
		Hostname:      name,
		IPAddress:     ip,
		Status:        domain.StatusOnline,
		RegisteredAt:  now,
		LastSeen:      now,
		DNSZone:       "dyn.example.com.",
		DNSFQDN:       domain.FQDN(name, "dyn.example.com."),
		DNSTTL:        60,
		DNSSyncStatus: sync,
		DNSRecordType: "A",
	}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	f.health.Set(metrics.ComponentTCP, true, "listening")

	rec := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])

	f.health.Set(metrics.ComponentSyncWorker, false, "stopped")
	rec = f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rec)["status"])
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["ready"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	metrics.Heartbeats.Inc()

	rec := f.do(t, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "beacon_heartbeats_total")
}

func TestListAndFilterHosts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a1", "10.0.0.1", domain.SyncSynced)
	f.seed(t, "b2", "10.0.0.2", domain.SyncFailed)

	rec := f.do(t, http.MethodGet, "/api/hosts")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[hostsBody](t, rec)
	assert.Equal(t, 2, all.Count)

	rec = f.do(t, http.MethodGet, "/api/hosts?sync=failed")
	failed := decode[hostsBody](t, rec)
	require.Equal(t, 1, failed.Count)
	assert.Equal(t, "b2", failed.Hosts[0].Hostname)
}

type hostsBody struct {
	Count int            `json:"count"`
	Hosts []*domain.Host `json:"hosts"`
}

func TestGetHost(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a1", "10.0.0.1", domain.SyncSynced)

	rec := f.do(t, http.MethodGet, "/api/hosts/A1")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[domain.Host](t, rec)
	assert.Equal(t, "a1", h.Hostname)
	assert.Equal(t, "a1.dyn.example.com.", h.DNSFQDN)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/hosts/nope").Code)
}

func TestInvalidHostnameIsBadRequest(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/hosts/bad_name").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/hosts/bad_name/resync").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/hosts/bad_name").Code)
}

func TestResyncHost(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a1", "10.0.0.1", domain.SyncFailed)

	rec := f.do(t, http.MethodPost, "/api/hosts/a1/resync")
	require.Equal(t, http.StatusAccepted, rec.Code)

	h, err := f.registry.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, h.DNSSyncStatus)
	require.NotNil(t, h.SyncTask)
	assert.Equal(t, domain.OpUpdate, h.SyncTask.Operation)
	assert.Zero(t, h.SyncTask.AttemptCount)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/hosts/nope/resync").Code)
}

func TestDeregisterHost(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a1", "10.0.0.1", domain.SyncSynced)

	rec := f.do(t, http.MethodDelete, "/api/hosts/a1")
	require.Equal(t, http.StatusAccepted, rec.Code)

	h, err := f.registry.Get(context.Background(), "a1")
	require.NoError(t, err, "the row stays until the delete task succeeds")
	require.NotNil(t, h.SyncTask)
	assert.Equal(t, domain.OpDelete, h.SyncTask.Operation)
}

func TestInfra(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a1", "10.0.0.1", domain.SyncSynced)
	f.health.Set(metrics.ComponentTCP, true, "")

	rec := f.do(t, http.MethodGet, "/api/infra")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode  string `json:"mode"`
		Hosts struct {
			Total  int            `json:"total"`
			BySync map[string]int `json:"by_sync_status"`
		} `json:"hosts"`
		Placement struct {
			Zones []string `json:"zones"`
		} `json:"placement"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "operational", body.Mode)
	assert.Equal(t, 1, body.Hosts.Total)
	assert.Equal(t, 1, body.Hosts.BySync["synced"])
	assert.Equal(t, []string{"dyn.example.com."}, body.Placement.Zones)

	f.health.Set(metrics.ComponentDNS, false, "zone missing")
	assert.Equal(t, "degraded", decode[map[string]any](t, f.do(t, http.MethodGet, "/api/infra"))["mode"])
}

func TestPlacementReload(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/placement/reload").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/placement/reload").Code)
	<-f.reload

	noFile := newFixture(t, func(d *deps.Deps) { d.ReloadTrigger = nil })
	assert.Equal(t, http.StatusNotFound, noFile.do(t, http.MethodPost, "/api/placement/reload").Code)
}

func TestAdminAllowList(t *testing.T) {
	f := newFixture(t, func(d *deps.Deps) { d.AllowedCIDRS = []string{"10.0.0.0/8"} })

	// httptest requests come from 192.0.2.1.
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/hosts").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/metrics").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz").Code, "liveness stays open")
}

func TestAdminRateLimit(t *testing.T) {
	f := newFixture(t, func(d *deps.Deps) {
		d.AdminRateBurst = 2
		d.AdminRatePerIP = 1
	})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/hosts").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/hosts").Code)
	rec := f.do(t, http.MethodGet, "/api/hosts")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
