package providers

import (
	"context"
	stderrors "errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicMessages captures the subset of the Anthropic SDK used by the
// adapter. It is satisfied by *sdk.MessageService so tests can pass a
// fake without a network.
type AnthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic adapts the Claude Messages API to the Invoker contract
type Anthropic struct {
	messages AnthropicMessages
}

// NewAnthropic builds the adapter from a Messages client
func NewAnthropic(messages AnthropicMessages) *Anthropic {
	return &Anthropic{messages: messages}
}

// NewAnthropicFromAPIKey builds the adapter on the default SDK client
func NewAnthropicFromAPIKey(apiKey string) *Anthropic {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&client.Messages)
}

// Provider implements Invoker.Provider
func (a *Anthropic) Provider() string { return "anthropic" }

// Invoke implements Invoker.Invoke
func (a *Anthropic) Invoke(ctx context.Context, model string, req Request) (*Response, *Usage, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := a.messages.New(ctx, params)
	if err != nil {
		return nil, nil, classifyAnthropic(model, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{Text: text.String(), Model: model},
		&Usage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)},
		nil
}

// classifyAnthropic maps SDK failures into the closed classification.
// Model-not-found answers Unavailable so the chain degrades instead of
// surfacing provider detail.
func classifyAnthropic(model string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return Fail(FailTimeout, model, err)
	}
	var apierr *sdk.Error
	if stderrors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return Fail(FailQuotaExceeded, model, err)
		case apierr.StatusCode == 400:
			return Fail(FailRejected, model, err)
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return Fail(FailFatal, model, err)
		case apierr.StatusCode == 404 || apierr.StatusCode >= 500:
			return Fail(FailUnavailable, model, err)
		}
	}
	return Fail(FailUnavailable, model, err)
}
