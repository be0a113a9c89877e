package providers

import (
	"context"
	"fmt"
	"strings"
)

// Static is the safe default adapter: a deterministic template responder
// with no external dependency, so the tail of every chain always answers.
type Static struct{}

// NewStatic creates the static adapter
func NewStatic() *Static { return &Static{} }

// Provider implements Invoker.Provider
func (s *Static) Provider() string { return "static" }

// Invoke implements Invoker.Invoke with a canned acknowledgement built
// from the prompt. Degraded output beats no output.
func (s *Static) Invoke(ctx context.Context, model string, req Request) (*Response, *Usage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, Fail(FailTimeout, model, err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, nil, Fail(FailRejected, model, fmt.Errorf("empty prompt"))
	}

	summary := req.Prompt
	if len(summary) > 160 {
		summary = summary[:160] + "…"
	}
	text := fmt.Sprintf(
		"Automated baseline response (degraded mode). Request acknowledged: %s. "+
			"A full model-generated answer was not available; please retry later for richer output.",
		summary)

	return &Response{Text: text, Model: model},
		&Usage{InputTokens: len(req.Prompt) / 4, OutputTokens: len(text) / 4},
		nil
}
