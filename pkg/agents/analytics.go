package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
)

// Analytics handles ad-hoc data analysis over caller-supplied datasets
type Analytics struct{}

// NewAnalytics creates the analytics agent
func NewAnalytics() *Analytics { return &Analytics{} }

// Describe implements Agent.Describe
func (a *Analytics) Describe() models.AgentDescriptor {
	return descriptorTemplate(models.AgentAnalytics, TaskKinds[models.AgentAnalytics])
}

// OnControl implements Agent.OnControl
func (a *Analytics) OnControl(op models.ControlOp) error { return nil }

// Handle implements Agent.Handle
func (a *Analytics) Handle(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	if task.Kind != "analyze_data" {
		return nil, errUnknownTaskKind(models.AgentAnalytics, task.Kind)
	}

	dataset, _ := task.Payload["dataset"].([]interface{})
	questions := stringSlice(task.Payload["questions"])

	// Datasets ride in the prompt; cap what we inline so one oversized
	// submission cannot blow the context window.
	sample := dataset
	truncated := false
	if len(sample) > 200 {
		sample = sample[:200]
		truncated = true
	}
	raw, err := json.Marshal(sample)
	if err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this dataset of %d records", len(dataset))
	if truncated {
		fmt.Fprintf(&b, " (first %d shown)", len(sample))
	}
	b.WriteString(":\n")
	b.Write(raw)
	b.WriteString("\n")
	if len(questions) > 0 {
		b.WriteString("Answer these questions:\n")
		for _, q := range questions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	} else {
		b.WriteString("Surface the most significant trends, outliers, and correlations.\n")
	}

	res, err := tc.Generate(ctx, task, providers.CapReasoning, providers.Request{
		System:    "You are a data analyst. Ground every claim in the supplied records; never invent numbers.",
		Prompt:    b.String(),
		MaxTokens: 2048,
	}, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"analysis":     res.Text,
		"record_count": len(dataset),
		"truncated":    truncated,
		"model":        res.Model,
		"cached":       res.Cached,
	}, nil
}
