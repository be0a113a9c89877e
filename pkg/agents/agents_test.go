package agents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-ai/pilothouse/pkg/cache"
	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

// echoInvoker answers every model with a deterministic echo and counts calls
type echoInvoker struct {
	calls int
	fail  providers.FailKind
}

func (e *echoInvoker) Provider() string { return "echo" }

func (e *echoInvoker) Invoke(ctx context.Context, model string, req providers.Request) (*providers.Response, *providers.Usage, error) {
	e.calls++
	if e.fail != "" {
		return nil, nil, providers.Fail(e.fail, model, fmt.Errorf("scripted"))
	}
	return &providers.Response{Text: "echo: " + req.Prompt, Model: model},
		&providers.Usage{InputTokens: 10, OutputTokens: 20}, nil
}

type fixture struct {
	registry *Registry
	store    store.Store
	echo     *echoInvoker
	clk      *clock.Fake
	tenantID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetricsClient()

	st := store.NewMemory()

	local, err := cache.NewLocal(cache.Config{Shards: 2, MaxEntries: 256, MaxBytes: 1 << 20, SweepInterval: time.Hour}, clk, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	echo := &echoInvoker{}
	pr := providers.NewRegistry(time.Second, logger, metrics)
	pr.RegisterInvoker(echo)
	for _, cap := range []providers.Capability{providers.CapText, providers.CapReasoning, providers.CapCode, providers.CapLongContext} {
		pr.Register(providers.Entry{
			Name: "echo-" + string(cap), Provider: "echo", Model: "echo-1",
			Capabilities: []providers.Capability{cap}, Available: true,
		})
	}

	tk := &Toolkit{Cache: local, Models: pr, Logger: logger, Metrics: metrics}
	return &fixture{
		registry: NewRegistry(st, clk, clk, logger, metrics, tk),
		store:    st,
		echo:     echo,
		clk:      clk,
		tenantID: uuid.New(),
	}
}

func (f *fixture) task(agent models.AgentKind, kind string, payload models.JSONMap) *models.Task {
	return &models.Task{
		ID:        uuid.New(),
		TenantID:  f.tenantID,
		AgentKind: agent,
		Kind:      kind,
		State:     models.TaskStateRunning,
		Payload:   payload,
		CreatedAt: f.clk.Now(),
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		agent   models.AgentKind
		kind    string
		payload models.JSONMap
		ok      bool
	}{
		{"valid lead", models.AgentSales, "qualify_lead",
			models.JSONMap{"lead": map[string]interface{}{"name": "Acme CTO"}}, true},
		{"lead missing name", models.AgentSales, "qualify_lead",
			models.JSONMap{"lead": map[string]interface{}{"company": "Acme"}}, false},
		{"valid content", models.AgentContent, "generate_content",
			models.JSONMap{"topic": "onboarding", "format": "blog_post"}, true},
		{"bad content format", models.AgentContent, "generate_content",
			models.JSONMap{"topic": "onboarding", "format": "billboard"}, false},
		{"kind on wrong agent", models.AgentSales, "generate_content",
			models.JSONMap{"topic": "x", "format": "email"}, false},
		{"unknown kind", models.AgentSales, "levitate",
			models.JSONMap{}, false},
		{"valid invoice", models.AgentOperations, "process_invoice",
			models.JSONMap{"invoice": map[string]interface{}{"number": "INV-9", "amount": 120.5}}, true},
		{"negative invoice amount", models.AgentOperations, "process_invoice",
			models.JSONMap{"invoice": map[string]interface{}{"number": "INV-9", "amount": -3.0}}, false},
		{"empty dataset", models.AgentAnalytics, "analyze_data",
			models.JSONMap{"dataset": []interface{}{}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(tc.agent, tc.kind, tc.payload)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsValidation(err))
			}
		})
	}
}

func TestAgentForCoversEveryKind(t *testing.T) {
	for agent, kinds := range TaskKinds {
		for _, kind := range kinds {
			owner, ok := AgentFor(kind)
			require.True(t, ok, kind)
			assert.Equal(t, agent, owner, kind)
			assert.Contains(t, payloadSchemas, kind, "every task kind carries a schema")
		}
	}
}

func TestHandleRoutesTaskKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		agent     models.AgentKind
		kind      string
		payload   models.JSONMap
		resultKey string
	}{
		{models.AgentSales, "qualify_lead",
			models.JSONMap{"lead": map[string]interface{}{"name": "Dana"}}, "assessment"},
		{models.AgentSales, "analyze_pipeline",
			models.JSONMap{"deals": []interface{}{map[string]interface{}{"name": "D1", "stage": "proposal"}}}, "analysis"},
		{models.AgentSales, "generate_proposal",
			models.JSONMap{"client": "Acme", "scope": "platform build"}, "proposal"},
		{models.AgentMarketing, "create_campaign",
			models.JSONMap{"objective": "signups", "audience": "SMBs"}, "campaign"},
		{models.AgentMarketing, "optimize_campaign",
			models.JSONMap{"campaign": "spring", "metrics": map[string]interface{}{"ctr": 0.02}}, "recommendations"},
		{models.AgentContent, "generate_content",
			models.JSONMap{"topic": "retention", "format": "email"}, "content"},
		{models.AgentAnalytics, "analyze_data",
			models.JSONMap{"dataset": []interface{}{map[string]interface{}{"v": 1.0}}}, "analysis"},
		{models.AgentOperations, "automate_workflow",
			models.JSONMap{"workflow": map[string]interface{}{"steps": []interface{}{map[string]interface{}{"action": "notify"}}}}, "automation"},
		{models.AgentOperations, "process_invoice",
			models.JSONMap{"invoice": map[string]interface{}{"number": "INV-1", "amount": 10.0}}, "review"},
		{models.AgentOperations, "onboard_client",
			models.JSONMap{"client": map[string]interface{}{"name": "Globex"}}, "plan"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			require.NoError(t, ValidatePayload(tc.agent, tc.kind, tc.payload))
			agent, err := f.registry.Agent(tc.agent)
			require.NoError(t, err)

			result, err := agent.Handle(ctx, f.task(tc.agent, tc.kind, tc.payload), f.registry.Toolkit())
			require.NoError(t, err)
			text, _ := result[tc.resultKey].(string)
			assert.Contains(t, text, "echo:", "result carries the model output")
			assert.Equal(t, false, result["cached"])
		})
	}
}

func TestHandleRejectsForeignKind(t *testing.T) {
	f := newFixture(t)
	agent, err := f.registry.Agent(models.AgentContent)
	require.NoError(t, err)

	_, err = agent.Handle(context.Background(), f.task(models.AgentContent, "qualify_lead", models.JSONMap{}), f.registry.Toolkit())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestGenerateCachesByPayloadFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, err := f.registry.Agent(models.AgentSales)
	require.NoError(t, err)

	payload := models.JSONMap{"lead": map[string]interface{}{"name": "Dana"}}

	first, err := agent.Handle(ctx, f.task(models.AgentSales, "qualify_lead", payload), f.registry.Toolkit())
	require.NoError(t, err)
	assert.Equal(t, false, first["cached"])
	assert.Equal(t, 1, f.echo.calls)

	// Same payload on a distinct task shares the cached completion
	second, err := agent.Handle(ctx, f.task(models.AgentSales, "qualify_lead", payload), f.registry.Toolkit())
	require.NoError(t, err)
	assert.Equal(t, true, second["cached"])
	assert.Equal(t, 1, f.echo.calls)
	assert.Equal(t, first["assessment"], second["assessment"])

	// A different payload misses
	other := models.JSONMap{"lead": map[string]interface{}{"name": "Lee"}}
	_, err = agent.Handle(ctx, f.task(models.AgentSales, "qualify_lead", other), f.registry.Toolkit())
	require.NoError(t, err)
	assert.Equal(t, 2, f.echo.calls)
}

func TestFingerprintStable(t *testing.T) {
	a := models.JSONMap{"b": 2.0, "a": "x"}
	b := models.JSONMap{"a": "x", "b": 2.0}
	assert.Equal(t, Fingerprint(a), Fingerprint(b), "key order does not change the fingerprint")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(models.JSONMap{"a": "y", "b": 2.0}))
}

func TestGeneratePropagatesProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.echo.fail = providers.FailRejected

	agent, err := f.registry.Agent(models.AgentSales)
	require.NoError(t, err)
	_, err = agent.Handle(context.Background(),
		f.task(models.AgentSales, "qualify_lead", models.JSONMap{"lead": map[string]interface{}{"name": "Dana"}}),
		f.registry.Toolkit())
	require.Error(t, err)
	assert.Equal(t, providers.FailRejected, providers.FailKindOf(err))
}

func TestDescriptorSingletonPerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.registry.Descriptor(ctx, f.tenantID, models.AgentSales)
	require.NoError(t, err)
	assert.Equal(t, models.AgentIdle, first.Status)
	assert.Equal(t, TaskKinds[models.AgentSales], first.Capabilities)

	again, err := f.registry.Descriptor(ctx, f.tenantID, models.AgentSales)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "same tenant gets the same descriptor")

	otherTenant := uuid.New()
	foreign, err := f.registry.Descriptor(ctx, otherTenant, models.AgentSales)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, foreign.ID, "descriptors are tenant-scoped")

	all, err := f.registry.Descriptors(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Len(t, all, len(models.AgentKinds()))
}

func TestControlLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	desc, err := f.registry.Control(ctx, f.tenantID, models.AgentSales, models.ControlPause)
	require.NoError(t, err)
	assert.Equal(t, models.AgentPaused, desc.Status)

	paused, err := f.registry.IsPaused(ctx, f.tenantID, models.AgentSales)
	require.NoError(t, err)
	assert.True(t, paused)

	desc, err = f.registry.Control(ctx, f.tenantID, models.AgentSales, models.ControlResume)
	require.NoError(t, err)
	assert.Equal(t, models.AgentIdle, desc.Status)

	t.Run("pause is idempotent", func(t *testing.T) {
		_, err := f.registry.Control(ctx, f.tenantID, models.AgentSales, models.ControlPause)
		require.NoError(t, err)
		_, err = f.registry.Control(ctx, f.tenantID, models.AgentSales, models.ControlPause)
		assert.NoError(t, err)
		_, err = f.registry.Control(ctx, f.tenantID, models.AgentSales, models.ControlResume)
		require.NoError(t, err)
	})

	t.Run("unknown op rejected", func(t *testing.T) {
		_, err := f.registry.Control(ctx, f.tenantID, models.AgentSales, models.ControlOp("explode"))
		assert.True(t, errors.IsValidation(err))
	})
}

func TestResetZeroesMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.RecordOutcome(ctx, f.tenantID, models.AgentSales, true, 120*time.Millisecond))
	require.NoError(t, f.registry.RecordOutcome(ctx, f.tenantID, models.AgentSales, false, 80*time.Millisecond))

	desc, err := f.registry.Descriptor(ctx, f.tenantID, models.AgentSales)
	require.NoError(t, err)
	assert.Equal(t, int64(1), desc.Metrics.Completed)
	assert.Equal(t, int64(1), desc.Metrics.Failed)
	assert.InDelta(t, 100, desc.Metrics.AvgLatencyMs, 0.01)
	assert.InDelta(t, 0.5, desc.Metrics.SuccessRate(), 0.001)

	desc, err = f.registry.Control(ctx, f.tenantID, models.AgentSales, models.ControlReset)
	require.NoError(t, err)
	assert.Zero(t, desc.Metrics.Completed)
	assert.Zero(t, desc.Metrics.Failed)
	assert.Zero(t, desc.Metrics.AvgLatencyMs)
	assert.Equal(t, models.AgentIdle, desc.Status)
}
