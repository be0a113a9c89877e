package providers

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// BedrockConverse captures the subset of the Bedrock runtime client used
// by the adapter, satisfied by *bedrockruntime.Client.
type BedrockConverse interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock adapts the AWS Bedrock Converse API to the Invoker contract
type Bedrock struct {
	runtime BedrockConverse
}

// NewBedrock builds the adapter from a Converse client
func NewBedrock(runtime BedrockConverse) *Bedrock {
	return &Bedrock{runtime: runtime}
}

// NewBedrockFromRegion builds the adapter on the default AWS credential
// chain for the given region.
func NewBedrockFromRegion(ctx context.Context, region string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewBedrock(bedrockruntime.NewFromConfig(cfg)), nil
}

// Provider implements Invoker.Provider
func (b *Bedrock) Provider() string { return "bedrock" }

// Invoke implements Invoker.Invoke
func (b *Bedrock) Invoke(ctx context.Context, model string, req Request) (*Response, *Usage, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []brtypes.Message{{
			Role: brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: req.Prompt},
			},
		}},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	infer := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		infer.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		infer.Temperature = aws.Float32(float32(req.Temperature))
	}
	input.InferenceConfig = infer

	out, err := b.runtime.Converse(ctx, input)
	if err != nil {
		return nil, nil, classifyBedrock(model, err)
	}

	var text strings.Builder
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text.WriteString(t.Value)
			}
		}
	}
	usage := &Usage{}
	if out.Usage != nil {
		usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return &Response{Text: text.String(), Model: model}, usage, nil
}

func classifyBedrock(model string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return Fail(FailTimeout, model, err)
	}
	var apierr smithy.APIError
	if stderrors.As(err, &apierr) {
		switch apierr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return Fail(FailQuotaExceeded, model, err)
		case "ValidationException":
			return Fail(FailRejected, model, err)
		case "AccessDeniedException", "UnauthorizedException":
			return Fail(FailFatal, model, err)
		case "ResourceNotFoundException", "ModelNotReadyException",
			"ServiceUnavailableException", "ModelTimeoutException", "InternalServerException":
			return Fail(FailUnavailable, model, err)
		}
	}
	return Fail(FailUnavailable, model, err)
}
