package providers

import (
	"context"
	stderrors "errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIChat captures the subset of the OpenAI SDK used by the adapter,
// satisfied by *sdk.ChatCompletionService.
type OpenAIChat interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// OpenAI adapts the Chat Completions API to the Invoker contract
type OpenAI struct {
	chat OpenAIChat
}

// NewOpenAI builds the adapter from a chat completion client
func NewOpenAI(chat OpenAIChat) *OpenAI {
	return &OpenAI{chat: chat}
}

// NewOpenAIFromAPIKey builds the adapter on the default SDK client
func NewOpenAIFromAPIKey(apiKey string) *OpenAI {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAI(&client.Chat.Completions)
}

// Provider implements Invoker.Provider
func (o *OpenAI) Provider() string { return "openai" }

// Invoke implements Invoker.Invoke
func (o *OpenAI) Invoke(ctx context.Context, model string, req Request) (*Response, *Usage, error) {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	messages = append(messages, sdk.UserMessage(req.Prompt))

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	completion, err := o.chat.New(ctx, params)
	if err != nil {
		return nil, nil, classifyOpenAI(model, err)
	}
	if len(completion.Choices) == 0 {
		return nil, nil, Fail(FailUnavailable, model, stderrors.New("empty completion"))
	}
	return &Response{Text: completion.Choices[0].Message.Content, Model: model},
		&Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
		nil
}

func classifyOpenAI(model string, err error) error {
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
