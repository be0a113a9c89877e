package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
)

// Marketing handles campaign creation and optimization
type Marketing struct{}

// NewMarketing creates the marketing agent
func NewMarketing() *Marketing { return &Marketing{} }

// Describe implements Agent.Describe
func (a *Marketing) Describe() models.AgentDescriptor {
	return descriptorTemplate(models.AgentMarketing, TaskKinds[models.AgentMarketing])
}

// OnControl implements Agent.OnControl
func (a *Marketing) OnControl(op models.ControlOp) error { return nil }

// Handle implements Agent.Handle
func (a *Marketing) Handle(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	switch task.Kind {
	case "create_campaign":
		return a.createCampaign(ctx, task, tc)
	case "optimize_campaign":
		return a.optimizeCampaign(ctx, task, tc)
	default:
		return nil, errUnknownTaskKind(models.AgentMarketing, task.Kind)
	}
}

func (a *Marketing) createCampaign(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	objective := task.Payload.GetString("objective")
	audience := task.Payload.GetString("audience")
	channels := stringSlice(task.Payload["channels"])

	var b strings.Builder
	fmt.Fprintf(&b, "Design a marketing campaign.\nObjective: %s\nTarget audience: %s\n", objective, audience)
	if len(channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(channels, ", "))
	}
	if budget, ok := task.Payload["budget"].(float64); ok {
		fmt.Fprintf(&b, "Budget: %.2f\n", budget)
	}
	b.WriteString("Produce the campaign concept, key messages per channel, and a launch checklist.")

	res, err := tc.Generate(ctx, task, providers.CapText, providers.Request{
		System:    "You are a senior marketing strategist. Answer with an actionable campaign plan.",
		Prompt:    b.String(),
		MaxTokens: 2048,
	}, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"campaign":  res.Text,
		"objective": objective,
		"channels":  channels,
		"model":     res.Model,
		"cached":    res.Cached,
	}, nil
}

func (a *Marketing) optimizeCampaign(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	campaign := task.Payload.GetString("campaign")
	metrics, _ := task.Payload["metrics"].(map[string]interface{})
	goal := task.Payload.GetString("goal")

	var b strings.Builder
	fmt.Fprintf(&b, "Review the performance of campaign %q and recommend optimizations.\n", campaign)
	fmt.Fprintf(&b, "Observed metrics: %v\n", metrics)
	if goal != "" {
		fmt.Fprintf(&b, "Optimization goal: %s\n", goal)
	}
	b.WriteString("Rank the recommendations by expected impact and note which are quick wins.")

	res, err := tc.Generate(ctx, task, providers.CapReasoning, providers.Request{
		System: "You are a performance marketing analyst grounded in the numbers you are given.",
		Prompt: b.String(),
	}, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"recommendations": res.Text,
		"campaign":        campaign,
		"model":           res.Model,
		"cached":          res.Cached,
	}, nil
}
