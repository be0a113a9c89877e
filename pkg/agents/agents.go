// Package agents implements the five domain agents and their per-tenant
// registry. Agents are pure task handlers: everything they need at run
// time arrives through the Toolkit, so they never touch the store or the
// queue directly and stay trivially testable.
package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/cache"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
)

// Agent is the contract every domain agent implements
type Agent interface {
	// Describe returns the agent's template descriptor: kind and
	// capabilities. Tenant identity and live status belong to the registry.
	Describe() models.AgentDescriptor

	// Handle executes one task and returns its result payload. Handle is
	// single-attempt; retry policy lives with the dispatcher.
	Handle(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error)

	// OnControl lets an agent react to a control-plane operation
	OnControl(op models.ControlOp) error
}

// SampleSink receives telemetry points for the stored metric stream.
// Implementations fill in sample identity and timestamps.
type SampleSink interface {
	Record(ctx context.Context, sample models.MetricSample)
}

// Toolkit carries the runtime collaborators an agent may use
type Toolkit struct {
	Cache   cache.Cache
	Models  *providers.Registry
	Logger  observability.Logger
	Metrics observability.MetricsClient

	// Samples is optional; when set, provider call and fallback samples
	// are recorded for the insights engine
	Samples SampleSink
}

// GenerateResult is one model completion, possibly served from cache
type GenerateResult struct {
	Text  string          `json:"text"`
	Model string          `json:"model"`
	Usage providers.Usage `json:"usage"`

	// Fallbacks lists the chain hops taken; empty for cache hits
	Fallbacks []providers.FallbackEvent `json:"-"`
	Cached    bool                      `json:"-"`
}

// Fingerprint hashes a payload into a stable cache segment. JSON
// marshalling sorts map keys, so equal payloads fingerprint equally.
func Fingerprint(payload models.JSONMap) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Generate selects a fallback chain for the capability, consults the
// cache keyed by the task's payload fingerprint and the chain's
// composition, and invokes the chain on a miss. Two tasks with the same
// payload share a result only while the same models could have answered.
func (tc *Toolkit) Generate(ctx context.Context, task *models.Task, capability providers.Capability, req providers.Request, ttl time.Duration) (*GenerateResult, error) {
	chain, err := tc.Models.Select(capability, nil)
	if err != nil {
		return nil, err
	}

	key := cache.Key(task.TenantID.String(),
		"agent", string(task.AgentKind), task.Kind, Fingerprint(task.Payload), chain.ID())

	var events []providers.FallbackEvent
	invoked := false
	var result GenerateResult
	err = tc.Cache.GetOrCompute(ctx, key, ttl, func(cctx context.Context) (interface{}, error) {
		invoked = true
		resp, usage, evs, err := chain.Invoke(cctx, req)
		if err != nil {
			return nil, err
		}
		events = evs
		r := GenerateResult{Text: resp.Text, Model: resp.Model}
		if usage != nil {
			r.Usage = *usage
		}
		return r, nil
	}, &result)
	if err != nil {
		return nil, err
	}

	result.Fallbacks = events
	result.Cached = !invoked
	if invoked && tc.Samples != nil {
		tc.Samples.Record(ctx, models.MetricSample{
			TenantID: task.TenantID, AgentKind: task.AgentKind,
			Name: models.MetricProviderCall, Value: 1,
			Labels: map[string]string{"model": result.Model, "kind": task.Kind},
		})
		for _, ev := range events {
			tc.Samples.Record(ctx, models.MetricSample{
				TenantID: task.TenantID, AgentKind: task.AgentKind,
				Name: models.MetricProviderFall, Value: 1,
				Labels: map[string]string{"from": ev.From, "to": ev.To},
			})
		}
	}
	if result.Cached {
		tc.Metrics.IncrementCounterWithLabels("agent_cache_hits_total", 1, map[string]string{
			"agent": string(task.AgentKind), "kind": task.Kind,
		})
	}
	return &result, nil
}

// errUnknownTaskKind builds the canonical rejection for a task kind the
// agent does not serve
func errUnknownTaskKind(agent models.AgentKind, taskKind string) error {
	return errors.Newf(errors.KindValidation, "agent %s does not handle task kind %q", agent, taskKind).
		WithField("kind", taskKind)
}

// descriptorTemplate builds the shared Describe skeleton
func descriptorTemplate(kind models.AgentKind, capabilities []string) models.AgentDescriptor {
	return models.AgentDescriptor{
		Kind:         kind,
		Capabilities: capabilities,
		Status:       models.AgentIdle,
	}
}
