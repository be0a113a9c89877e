package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
)

// Content handles long-form and short-form content generation
type Content struct{}

// NewContent creates the content agent
func NewContent() *Content { return &Content{} }

// Describe implements Agent.Describe
func (a *Content) Describe() models.AgentDescriptor {
	return descriptorTemplate(models.AgentContent, TaskKinds[models.AgentContent])
}

// OnControl implements Agent.OnControl
func (a *Content) OnControl(op models.ControlOp) error { return nil }

// lengthTokens maps the requested length to a generation budget
var lengthTokens = map[string]int{
	"short":  512,
	"medium": 1536,
	"long":   4096,
}

// Handle implements Agent.Handle
func (a *Content) Handle(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	if task.Kind != "generate_content" {
		return nil, errUnknownTaskKind(models.AgentContent, task.Kind)
	}

	topic := task.Payload.GetString("topic")
	format := task.Payload.GetString("format")
	keywords := stringSlice(task.Payload["keywords"])
	length := task.Payload.GetString("length")
	if length == "" {
		length = "medium"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s %s about: %s\n", length, strings.ReplaceAll(format, "_", " "), topic)
	if len(keywords) > 0 {
		fmt.Fprintf(&b, "Work in these keywords naturally: %s\n", strings.Join(keywords, ", "))
	}
	b.WriteString("Match the register of the format and end with a clear call to action where appropriate.")

	capability := providers.CapText
	if length == "long" {
		capability = providers.CapLongContext
	}

	res, err := tc.Generate(ctx, task, capability, providers.Request{
		System:    "You are a professional content writer producing publication-ready copy.",
		Prompt:    b.String(),
		MaxTokens: lengthTokens[length],
	}, time.Hour)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"content": res.Text,
		"topic":   topic,
		"format":  format,
		"model":   res.Model,
		"cached":  res.Cached,
	}, nil
}
