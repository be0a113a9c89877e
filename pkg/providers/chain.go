package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
)

// Chain is an ordered fallback sequence of model entries ending in the
// safe default. Chains are immutable once selected.
type Chain struct {
	entries  []Entry
	registry *Registry
}

// Entries returns the chain's entries in invocation order
func (c *Chain) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// ID is a stable fingerprint of the chain's composition, used to key
// cached results that depend on which models could have answered.
func (c *Chain) ID() string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	sum := sha256.Sum256([]byte(strings.Join(names, "|")))
	return hex.EncodeToString(sum[:8])
}

// FallbackEvent records one hop down the chain
type FallbackEvent struct {
	From string
	To   string
}

// Invoke walks the chain. Unavailable and Timeout failures fall over to
// the next entry and are returned as fallback events; Rejected, Fatal,
// and QuotaExceeded propagate immediately.
func (c *Chain) Invoke(ctx context.Context, req Request) (*Response, *Usage, []FallbackEvent, error) {
	if len(c.entries) == 0 {
		return nil, nil, nil, errors.New(errors.KindInternal, "empty model chain")
	}

	var events []FallbackEvent
	var lastErr error
	for i, entry := range c.entries {
		resp, usage, err := c.registry.invoke(ctx, entry, req)
		if err == nil {
			c.registry.metrics.IncrementCounterWithLabels("provider_calls_total", 1, map[string]string{
				"entry": entry.Name, "outcome": "ok",
			})
			return resp, usage, events, nil
		}
		lastErr = err
		c.registry.metrics.IncrementCounterWithLabels("provider_calls_total", 1, map[string]string{
			"entry": entry.Name, "outcome": string(FailKindOf(err)),
		})

		if !FallsOver(err) || i == len(c.entries)-1 {
			return nil, nil, events, err
		}

		next := c.entries[i+1]
		events = append(events, FallbackEvent{From: entry.Name, To: next.Name})
		c.registry.metrics.IncrementCounterWithLabels("provider_fallbacks_total", 1, map[string]string{
			"from": entry.Name, "to": next.Name,
		})
		c.registry.logger.Warn("model fallback", map[string]interface{}{
			"from": entry.Name, "to": next.Name, "cause": string(FailKindOf(err)),
		})
	}
	return nil, nil, events, lastErr
}
