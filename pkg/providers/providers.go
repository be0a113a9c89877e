// Package providers implements the model provider registry: a catalogue
// of model entries keyed by capability, deterministic selection into
// fallback chains ending in an always-available safe default, and
// invocation through per-provider circuit breakers with normalised
// failure classification. Provider names never reach callers; the chain
// degrades instead.
package providers

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Capability tags what a model entry can do
type Capability string

const (
	CapText        Capability = "text"
	CapVision      Capability = "vision"
	CapReasoning   Capability = "reasoning"
	CapCode        Capability = "code"
	CapMultimodal  Capability = "multimodal"
	CapLongContext Capability = "long_context"
)

// IsValid returns true for a known capability tag
func (c Capability) IsValid() bool {
	switch c {
	case CapText, CapVision, CapReasoning, CapCode, CapMultimodal, CapLongContext:
		return true
	default:
		return false
	}
}

// Entry is one catalogued model
type Entry struct {
	// Name is the stable entry name callers and metrics reference
	Name string `json:"name"`
	// Provider keys the adapter that serves this entry
	Provider      string       `json:"provider"`
	Model         string       `json:"model"`
	Capabilities  []Capability `json:"capabilities"`
	ContextWindow int          `json:"context_window"`
	// CostWeight orders equally-preferred entries, cheapest first
	CostWeight float64 `json:"cost_weight"`
	Available  bool    `json:"available"`
}

// HasCapability reports whether the entry carries a capability
func (e Entry) HasCapability(c Capability) bool {
	for _, cap := range e.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// Request is a provider-agnostic completion request
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is a provider-agnostic completion
type Response struct {
	Text string
	// Model echoes the concrete model that answered
	Model string
}

// Usage reports token consumption for quota and cost accounting
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Invoker is the adapter contract, one implementation per provider
type Invoker interface {
	// Provider returns the adapter's provider id
	Provider() string
	// Invoke performs one completion; single attempt, no internal retry
	Invoke(ctx context.Context, model string, req Request) (*Response, *Usage, error)
}

// FailKind is the closed classification of provider failures
type FailKind string

const (
	// FailUnavailable marks transient provider trouble; the chain walks on
	FailUnavailable FailKind = "unavailable"
	// FailTimeout marks an invocation that outran its deadline; walks on
	FailTimeout FailKind = "timeout"
	// FailRejected marks request validation failures; propagates
	FailRejected FailKind = "rejected"
	// FailQuotaExceeded marks provider-side throttling; propagates
	FailQuotaExceeded FailKind = "quota_exceeded"
	// FailFatal marks unrecoverable adapter failures; propagates
	FailFatal FailKind = "fatal"
)

// InvokeError is a classified provider failure. The entry name, not the
// provider, is what surfaces in messages.
type InvokeError struct {
	Kind  FailKind
	Entry string
	cause error
}

// Fail builds a classified invocation error
func Fail(kind FailKind, entry string, cause error) *InvokeError {
	return &InvokeError{Kind: kind, Entry: entry, cause: cause}
}

// Error implements the error interface
func (e *InvokeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("model %s %s: %v", e.Entry, e.Kind, e.cause)
	}
	return fmt.Sprintf("model %s %s", e.Entry, e.Kind)
}

// Unwrap returns the underlying provider error
func (e *InvokeError) Unwrap() error { return e.cause }

// FailKindOf extracts the classification from an error chain, FailFatal
// when the chain carries no InvokeError.
func FailKindOf(err error) FailKind {
	var ie *InvokeError
	if stderrors.As(err, &ie) {
		return ie.Kind
	}
	return FailFatal
}

// FallsOver reports whether the chain should try the next entry
func FallsOver(err error) bool {
	switch FailKindOf(err) {
	case FailUnavailable, FailTimeout:
		return true
	default:
		return false
	}
}
