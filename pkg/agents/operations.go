package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilothouse-ai/pilothouse/pkg/models"
	"github.com/pilothouse-ai/pilothouse/pkg/providers"
)

// Operations handles workflow automation, invoice processing, and
// client onboarding
type Operations struct{}

// NewOperations creates the operations agent
func NewOperations() *Operations { return &Operations{} }

// Describe implements Agent.Describe
func (a *Operations) Describe() models.AgentDescriptor {
	return descriptorTemplate(models.AgentOperations, TaskKinds[models.AgentOperations])
}

// OnControl implements Agent.OnControl
func (a *Operations) OnControl(op models.ControlOp) error { return nil }

// Handle implements Agent.Handle
func (a *Operations) Handle(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	switch task.Kind {
	case "automate_workflow":
		return a.automateWorkflow(ctx, task, tc)
	case "process_invoice":
		return a.processInvoice(ctx, task, tc)
	case "onboard_client":
		return a.onboardClient(ctx, task, tc)
	default:
		return nil, errUnknownTaskKind(models.AgentOperations, task.Kind)
	}
}

func (a *Operations) automateWorkflow(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	workflow, _ := task.Payload["workflow"].(map[string]interface{})
	steps, _ := workflow["steps"].([]interface{})
	trigger := task.Payload.GetString("trigger")

	var b strings.Builder
	fmt.Fprintf(&b, "Turn this workflow of %d steps into an executable automation script.\n", len(steps))
	fmt.Fprintf(&b, "Workflow: %v\n", workflow)
	if trigger != "" {
		fmt.Fprintf(&b, "Trigger: %s\n", trigger)
	}
	b.WriteString("Emit the automation as annotated pseudocode plus the failure handling for each step.")

	res, err := tc.Generate(ctx, task, providers.CapCode, providers.Request{
		System:    "You are an automation engineer who writes robust, idempotent workflows.",
		Prompt:    b.String(),
		MaxTokens: 2048,
	}, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"automation": res.Text,
		"step_count": len(steps),
		"model":      res.Model,
		"cached":     res.Cached,
	}, nil
}

func (a *Operations) processInvoice(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	invoice, _ := task.Payload["invoice"].(map[string]interface{})

	var b strings.Builder
	fmt.Fprintf(&b, "Process this invoice for approval routing: %v\n", invoice)
	b.WriteString("Extract vendor, amount, and due date; flag anomalies against typical invoice patterns; recommend approve, review, or reject.")

	res, err := tc.Generate(ctx, task, providers.CapReasoning, providers.Request{
		System: "You are an accounts payable reviewer. Flag anything unusual rather than waving it through.",
		Prompt: b.String(),
	}, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"review": res.Text,
		"number": models.JSONMap(invoice).GetString("number"),
		"model":  res.Model,
		"cached": res.Cached,
	}, nil
}

func (a *Operations) onboardClient(ctx context.Context, task *models.Task, tc *Toolkit) (models.JSONMap, error) {
	client, _ := task.Payload["client"].(map[string]interface{})
	checklist := stringSlice(task.Payload["checklist"])

	var b strings.Builder
	fmt.Fprintf(&b, "Build an onboarding plan for the new client: %v\n", client)
	if len(checklist) > 0 {
		fmt.Fprintf(&b, "Required checklist items: %s\n", strings.Join(checklist, "; "))
	}
	b.WriteString("Lay out a week-by-week plan with owners, milestones, and the first success checkpoint.")

	res, err := tc.Generate(ctx, task, providers.CapText, providers.Request{
		System:    "You are a customer success manager designing onboarding journeys.",
		Prompt:    b.String(),
		MaxTokens: 2048,
	}, time.Hour)
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"plan":   res.Text,
		"client": models.JSONMap(client).GetString("name"),
		"model":  res.Model,
		"cached": res.Cached,
	}, nil
}
