package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-ai/pilothouse/pkg/agents"
	"github.com/pilothouse-ai/pilothouse/pkg/auth"
	"github.com/pilothouse-ai/pilothouse/pkg/cache"
	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/collab"
	"github.com/pilothouse-ai/pilothouse/pkg/config"
	"github.com/pilothouse-ai/pilothouse/pkg/insights"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
	"github.com/pilothouse-ai/pilothouse/pkg/queue"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
	"github.com/pilothouse-ai/pilothouse/pkg/tenant"
)

const testPassword = "Sup3r-Secret-Pass!"

// echoAgent answers every task kind it owns without touching providers
type echoAgent struct{ kind models.AgentKind }

func (a *echoAgent) Describe() models.AgentDescriptor {
	return models.AgentDescriptor{Kind: a.kind, Capabilities: agents.TaskKinds[a.kind], Status: models.AgentIdle}
}
func (a *echoAgent) OnControl(models.ControlOp) error { return nil }
func (a *echoAgent) Handle(ctx context.Context, task *models.Task, tc *agents.Toolkit) (models.JSONMap, error) {
	return models.JSONMap{"handled": task.Kind}, nil
}

type testEnv struct {
	server     *Server
	store      store.Store
	clk        *clock.Fake
	auth       *auth.Service
	tenants    *tenant.Service
	dispatcher *queue.Dispatcher
	recorder   *insights.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetricsClient()
	st := store.NewMemory()

	auditor := auth.NewAuditor(st, clk, clk, logger)
	tenants := tenant.NewService(st, clk, clk, logger, auditor)
	authSvc, err := auth.NewService(st, clk, clk, logger, metrics, auditor, auth.Config{
		TokenSecret: "test-secret",
		Argon:       auth.Argon2Params{MemoryKiB: 8, Time: 1, Threads: 1},
	})
	require.NoError(t, err)

	local, err := cache.NewLocal(cache.Config{Shards: 2, MaxEntries: 256, MaxBytes: 1 << 20, SweepInterval: time.Hour}, clk, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	pr := providers.NewRegistry(time.Second, logger, metrics)
	registry := agents.NewRegistry(st, clk, clk, logger, metrics,
		&agents.Toolkit{Cache: local, Models: pr, Logger: logger, Metrics: metrics})
	for _, kind := range models.AgentKinds() {
		registry.Install(kind, &echoAgent{kind: kind})
	}

	recorder := insights.NewRecorder(st, clk, clk, logger)
	dispatcher := queue.NewDispatcher(st, tenants, registry, recorder, clk, clk, logger, metrics, queue.Config{
		BackoffBase: 5 * time.Millisecond, BackoffCap: 20 * time.Millisecond, JitterPercent: 1,
	})
	t.Cleanup(func() { _ = dispatcher.Close() })

	collabs := collab.NewService(st, dispatcher, clk, clk, logger, auditor)
	engine := insights.NewEngine(st, clk, clk, logger)

	server := NewServer(config.APIConfig{ListenAddress: ":0"}, false, Deps{
		Auth:       authSvc,
		Tenants:    tenants,
		Agents:     registry,
		Dispatcher: dispatcher,
		Collabs:    collabs,
		Insights:   engine,
		Cache:      local,
		Providers:  pr,
		Clock:      clk,
		Logger:     logger,
		Metrics:    metrics,
	})

	return &testEnv{
		server:     server,
		store:      st,
		clk:        clk,
		auth:       authSvc,
		tenants:    tenants,
		dispatcher: dispatcher,
		recorder:   recorder,
	}
}

// seedTenant provisions a tenant with one user per requested role and
// returns the tenant plus a token per role.
func (e *testEnv) seedTenant(t *testing.T, domain string, roles ...models.Role) (*models.Tenant, map[models.Role]string) {
	t.Helper()
	ctx := context.Background()
	ten, err := e.tenants.Create(ctx, uuid.New(), tenant.CreateParams{
		DisplayName:   domain,
		PrimaryDomain: domain,
		Tier:          models.TierProfessional,
		Branding:      models.JSONMap{"logo_url": "https://" + domain + "/logo.png"},
	})
	require.NoError(t, err)

	tokens := make(map[models.Role]string, len(roles))
	for _, role := range roles {
		email := fmt.Sprintf("%s@%s", role, domain)
		_, err := e.auth.CreateUser(ctx, uuid.New(), ten.ID, email, testPassword, role)
		require.NoError(t, err)
		_, token, err := e.auth.Authenticate(ctx, ten.ID, email, testPassword)
		require.NoError(t, err)
		tokens[role] = token
	}
	return ten, tokens
}

type response struct {
	Code     int
	Envelope envelope
}

func (r response) data(t *testing.T) map[string]interface{} {
	t.Helper()
	m, ok := r.Envelope.Data.(map[string]interface{})
	require.True(t, ok, "data is not an object: %#v", r.Envelope.Data)
	return m
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "non-envelope body: %s", rec.Body.String())
	return response{Code: rec.Code, Envelope: env}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, resp.Envelope.Success)
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	ten, _ := e.seedTenant(t, "login.test", models.RoleTenantAdmin)

	t.Run("valid credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/login",
			bytes.NewReader(mustJSON(t, obj{"email": "tenant_admin@login.test", "password": testPassword})))
		req.Header.Set("X-Tenant", ten.ID.String())
		rec := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var env envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		data := env.Data.(map[string]interface{})
		assert.NotEmpty(t, data["token"])
	})

	t.Run("wrong password", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/login",
			bytes.NewReader(mustJSON(t, obj{"email": "tenant_admin@login.test", "password": "Wrong-Passw0rd!"})))
		req.Header.Set("X-Tenant", ten.ID.String())
		rec := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var env envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.False(t, env.Success)
	})

	t.Run("missing tenant header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/login",
			bytes.NewReader(mustJSON(t, obj{"email": "x@y.z", "password": testPassword})))
		rec := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/agents/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = e.do(t, http.MethodGet, "/agents/status", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSubmitAndFetchTask(t *testing.T) {
	e := newTestEnv(t)
	_, tokens := e.seedTenant(t, "tasks.test", models.RoleTenantAdmin)
	admin := tokens[models.RoleTenantAdmin]

	resp := e.do(t, http.MethodPost, "/agents/operations/tasks", admin, obj{
		"kind":    "process_invoice",
		"payload": obj{"invoice": obj{"number": "INV-9"}},
	})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Envelope.Message)
	taskID := resp.data(t)["id"].(string)

	require.Eventually(t, func() bool {
		got := e.do(t, http.MethodGet, "/tasks/"+taskID, admin, nil)
		return got.Code == http.StatusOK && got.data(t)["state"] == string(models.TaskStateSucceeded)
	}, 3*time.Second, 10*time.Millisecond)

	t.Run("history lists it", func(t *testing.T) {
		got := e.do(t, http.MethodGet, "/agents/tasks/history?limit=10", admin, nil)
		require.Equal(t, http.StatusOK, got.Code)
		tasks := got.Envelope.Data.([]interface{})
		assert.NotEmpty(t, tasks)
	})

	t.Run("unknown agent kind", func(t *testing.T) {
		got := e.do(t, http.MethodPost, "/agents/janitor/tasks", admin, obj{"kind": "sweep"})
		assert.Equal(t, http.StatusBadRequest, got.Code)
	})
}

// Tasks must be invisible across tenant boundaries, answered as absent
// rather than forbidden.
func TestTenantIsolation(t *testing.T) {
	e := newTestEnv(t)
	_, tokensA := e.seedTenant(t, "tenant-a.test", models.RoleTenantAdmin)
	_, tokensB := e.seedTenant(t, "tenant-b.test", models.RoleTenantAdmin)

	resp := e.do(t, http.MethodPost, "/agents/sales/tasks", tokensA[models.RoleTenantAdmin], obj{
		"kind":    "qualify_lead",
		"payload": obj{"lead": obj{"name": "Dana"}},
	})
	require.Equal(t, http.StatusAccepted, resp.Code)
	taskID := resp.data(t)["id"].(string)

	got := e.do(t, http.MethodGet, "/tasks/"+taskID, tokensB[models.RoleTenantAdmin], nil)
	assert.Equal(t, http.StatusNotFound, got.Code)
	assert.False(t, got.Envelope.Success)
}

// A role without agent.submit is refused with the missing permission
// named, no task is persisted, and the denial is audited.
func TestPermissionDenialPath(t *testing.T) {
	e := newTestEnv(t)
	ten, tokens := e.seedTenant(t, "denial.test", models.RoleViewer, models.RoleTenantAdmin)

	resp := e.do(t, http.MethodPost, "/agents/sales/tasks", tokens[models.RoleViewer], obj{
		"kind":    "qualify_lead",
		"payload": obj{"lead": obj{"name": "Eve"}},
	})
	require.Equal(t, http.StatusForbidden, resp.Code)
	assert.False(t, resp.Envelope.Success)
	assert.Equal(t, string(auth.PermAgentSubmit), resp.data(t)["missing"])

	var tasks []models.Task
	require.NoError(t, e.store.Query(context.Background(), store.ColTasks,
		store.Query{Filters: []store.Filter{store.Eq("tenant_id", ten.ID.String())}}, &tasks))
	assert.Empty(t, tasks, "no task may be persisted on denial")

	events := e.do(t, http.MethodGet, "/audit?limit=50", tokens[models.RoleTenantAdmin], nil)
	require.Equal(t, http.StatusOK, events.Code)
	denied := false
	for _, raw := range events.Envelope.Data.([]interface{}) {
		event := raw.(map[string]interface{})
		if event["outcome"] == string(models.AuditDenied) {
			denied = true
		}
	}
	assert.True(t, denied, "denial must leave an audit event")
}

func TestAgentStatusAndControl(t *testing.T) {
	e := newTestEnv(t)
	_, tokens := e.seedTenant(t, "control.test", models.RoleTenantAdmin)
	admin := tokens[models.RoleTenantAdmin]

	resp := e.do(t, http.MethodPost, "/agents/marketing/control", admin, obj{"op": "pause"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Envelope.Message)
	assert.Equal(t, string(models.AgentPaused), resp.data(t)["status"])

	status := e.do(t, http.MethodGet, "/agents/status", admin, nil)
	require.Equal(t, http.StatusOK, status.Code)
	agentList := status.data(t)["agents"].([]interface{})
	assert.Len(t, agentList, len(models.AgentKinds()))

	t.Run("invalid op", func(t *testing.T) {
		got := e.do(t, http.MethodPost, "/agents/marketing/control", admin, obj{"op": "explode"})
		assert.Equal(t, http.StatusBadRequest, got.Code)
	})
}

func TestCollaborationFlow(t *testing.T) {
	e := newTestEnv(t)
	_, tokens := e.seedTenant(t, "collab.test", models.RoleTenantAdmin)
	admin := tokens[models.RoleTenantAdmin]

	resp := e.do(t, http.MethodPost, "/collaborations", admin, obj{
		"goal":         "ship the launch announcement",
		"participants": []string{"content", "marketing"},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Envelope.Message)
	collabID := resp.data(t)["id"].(string)

	step := e.do(t, http.MethodPost, "/collaborations/"+collabID+"/steps", admin, obj{
		"agent_kind": "content",
		"kind":       "generate_content",
		"payload":    obj{"topic": "launch", "format": "blog_post"},
	})
	require.Equal(t, http.StatusAccepted, step.Code, step.Envelope.Message)

	require.Eventually(t, func() bool {
		got := e.do(t, http.MethodGet, "/collaborations/"+collabID, admin, nil)
		return got.Code == http.StatusOK && got.data(t)["status"] == string(models.CollabSucceeded)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCacheEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, tokens := e.seedTenant(t, "cache.test", models.RoleTenantAdmin, models.RoleOperator)

	stats := e.do(t, http.MethodGet, "/cache/stats", tokens[models.RoleTenantAdmin], nil)
	assert.Equal(t, http.StatusOK, stats.Code)

	t.Run("clear requires cache.clear", func(t *testing.T) {
		got := e.do(t, http.MethodPost, "/cache/clear", tokens[models.RoleOperator], obj{})
		assert.Equal(t, http.StatusForbidden, got.Code)
		assert.Equal(t, string(auth.PermCacheClear), got.data(t)["missing"])
	})

	t.Run("admin clears tenant scope", func(t *testing.T) {
		got := e.do(t, http.MethodPost, "/cache/clear", tokens[models.RoleTenantAdmin], obj{"prefix": "agent"})
		require.Equal(t, http.StatusOK, got.Code)
		assert.Contains(t, got.data(t), "dropped")
	})
}

func TestInsightEndpoints(t *testing.T) {
	e := newTestEnv(t)
	ten, tokens := e.seedTenant(t, "insights.test", models.RoleAnalyst)
	analyst := tokens[models.RoleAnalyst]
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		e.recorder.Record(ctx, models.MetricSample{
			TenantID:  ten.ID,
			AgentKind: models.AgentSales,
			Name:      models.MetricTaskOutcome,
			Value:     1,
			Labels:    map[string]string{"outcome": string(models.TaskStateFailed)},
			Timestamp: e.clk.Now().Add(-time.Duration(i+1) * time.Minute),
		})
	}

	summary := e.do(t, http.MethodGet, "/insights/summary?window=1h", analyst, nil)
	require.Equal(t, http.StatusOK, summary.Code)
	assert.NotEmpty(t, summary.data(t)["agents"])

	analyze := e.do(t, http.MethodPost, "/insights/analyze?window=1h", analyst, obj{})
	require.Equal(t, http.StatusOK, analyze.Code)
	assert.NotEmpty(t, analyze.data(t)["anomalies"])

	list := e.do(t, http.MethodGet, "/insights?kind=anomaly", analyst, nil)
	require.Equal(t, http.StatusOK, list.Code)

	t.Run("window validation", func(t *testing.T) {
		got := e.do(t, http.MethodGet, "/insights/summary?window=banana", analyst, nil)
		assert.Equal(t, http.StatusBadRequest, got.Code)
	})

	t.Run("analyst cannot submit tasks", func(t *testing.T) {
		got := e.do(t, http.MethodPost, "/agents/sales/tasks", analyst, obj{"kind": "qualify_lead"})
		assert.Equal(t, http.StatusForbidden, got.Code)
	})
}

func TestBrandingIsPublic(t *testing.T) {
	e := newTestEnv(t)
	ten, _ := e.seedTenant(t, "brand.test", models.RoleTenantAdmin)

	resp := e.do(t, http.MethodGet, "/tenants/"+ten.ID.String()+"/branding", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	branding := resp.data(t)["branding"].(map[string]interface{})
	assert.Equal(t, "https://brand.test/logo.png", branding["logo_url"])

	t.Run("absent tenant", func(t *testing.T) {
		got := e.do(t, http.MethodGet, "/tenants/"+uuid.NewString()+"/branding", "", nil)
		assert.Equal(t, http.StatusNotFound, got.Code)
	})
}

func TestTenantAdminCannotCreateTenants(t *testing.T) {
	e := newTestEnv(t)
	_, tokens := e.seedTenant(t, "limited.test", models.RoleTenantAdmin)

	resp := e.do(t, http.MethodPost, "/tenants", tokens[models.RoleTenantAdmin], obj{
		"display_name": "Rogue", "primary_domain": "rogue.test", "subscription_tier": "starter",
	})
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, string(auth.PermTenantWrite), resp.data(t)["missing"])
}

// obj keeps request body literals short
type obj = map[string]interface{}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
