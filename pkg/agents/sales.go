package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
)

// Sales handles lead qualification, pipeline analysis, and proposals
type Sales struct{}

// NewSales creates the sales agent
func NewSales() *Sales { return &Sales{} }

// Describe implements Agent.Describe
func (a *Sales) Describe() models.AgentDescriptor {
	return descriptorTemplate(models.AgentSales, TaskKinds[models.AgentSales])
}

// OnControl implements Agent.OnControl. The sales agent keeps no local
// state, so control ops are acknowledged without work.
func (a *Sales) OnControl(op models.ControlOp) error { return nil }

// Handle implements Agent.Handle
func (a *Sales) Handle(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	switch task.Kind {
	case "qualify_lead":
		return a.qualifyLead(ctx, task, tc)
	case "analyze_pipeline":
		return a.analyzePipeline(ctx, task, tc)
	case "generate_proposal":
		return a.generateProposal(ctx, task, tc)
	default:
		return nil, errUnknownTaskKind(models.AgentSales, task.Kind)
	}
}

func (a *Sales) qualifyLead(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	lead, _ := task.Payload["lead"].(map[string]interface{})
	criteria := stringSlice(task.Payload["criteria"])

	var b strings.Builder
	fmt.Fprintf(&b, "Qualify the following sales lead and score it 0-100.\n")
	fmt.Fprintf(&b, "Lead: %v\n", lead)
	if len(criteria) > 0 {
		fmt.Fprintf(&b, "Qualification criteria: %s\n", strings.Join(criteria, "; "))
	}
	b.WriteString("Return a short assessment covering fit, urgency, and recommended next action.")

	res, err := tc.Generate(ctx, task, providers.CapReasoning, providers.Request{
		System: "You are a B2B sales qualification analyst. Be concise and decisive.",
		Prompt: b.String(),
	}, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"assessment": res.Text,
		"lead":       models.JSONMap(lead).GetString("name"),
		"model":      res.Model,
		"cached":     res.Cached,
	}, nil
}

func (a *Sales) analyzePipeline(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	deals, _ := task.Payload["deals"].([]interface{})
	period := task.Payload.GetString("period")

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this sales pipeline of %d deals", len(deals))
	if period != "" {
		fmt.Fprintf(&b, " for the period %s", period)
	}
	b.WriteString(".\n")
	for _, d := range deals {
		fmt.Fprintf(&b, "- %v\n", d)
	}
	b.WriteString("Identify stalled deals, stage conversion risks, and the projected close value.")

	res, err := tc.Generate(ctx, task, providers.CapReasoning, providers.Request{
		System: "You are a revenue operations analyst reviewing a sales pipeline.",
		Prompt: b.String(),
	}, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"analysis":   res.Text,
		"deal_count": len(deals),
		"model":      res.Model,
		"cached":     res.Cached,
	}, nil
}

func (a *Sales) generateProposal(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	client := task.Payload.GetString("client")
	scope := task.Payload.GetString("scope")
	tone := task.Payload.GetString("tone")
	if tone == "" {
		tone = "formal"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Draft a %s project proposal for %s.\nScope: %s\n", tone, client, scope)
	if budget, ok := task.Payload["budget"].(float64); ok {
		fmt.Fprintf(&b, "Budget: %.2f\n", budget)
	}
	b.WriteString("Include an executive summary, deliverables, timeline, and pricing structure.")

	res, err := tc.Generate(ctx, task, providers.CapText, providers.Request{
		System:    "You write winning business proposals. Structure the output with clear headings.",
		Prompt:    b.String(),
		MaxTokens: 2048,
	}, time.Hour)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"proposal": res.Text,
		"client":   client,
		"model":    res.Model,
		"cached":   res.Cached,
	}, nil
}

// stringSlice coerces a decoded JSON array into strings, skipping
// anything mistyped
func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
