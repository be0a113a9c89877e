package providers

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
)

// SafeDefaultName is the entry every chain ends in. It is backed by the
// static adapter and can never be marked unavailable.
const SafeDefaultName = "safe-default"

// Registry catalogues model entries and their adapters. Reads are
// lock-free against a copy-on-write snapshot; mutations swap a new one.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[snapshot]

	invokers map[string]Invoker
	breakers map[string]*gobreaker.CircuitBreaker

	invokeTimeout time.Duration
	logger        observability.Logger
	metrics       observability.MetricsClient
}

type snapshot struct {
	entries []Entry
}

// NewRegistry creates a registry pre-seeded with the safe default entry
func NewRegistry(invokeTimeout time.Duration, logger observability.Logger, metrics observability.MetricsClient) *Registry {
	if invokeTimeout == 0 {
		invokeTimeout = 60 * time.Second
	}
	r := &Registry{
		invokers:      make(map[string]Invoker),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		invokeTimeout: invokeTimeout,
		logger:        logger.WithPrefix("providers"),
		metrics:       metrics,
	}
	r.snapshot.Store(&snapshot{})

	static := NewStatic()
	r.RegisterInvoker(static)
	r.Register(Entry{
		Name:          SafeDefaultName,
		Provider:      static.Provider(),
		Model:         "static-template",
		Capabilities:  []Capability{CapText},
		ContextWindow: 8192,
		CostWeight:    0,
		Available:     true,
	})
	return r
}

// RegisterInvoker installs an adapter and its circuit breaker
func (r *Registry) RegisterInvoker(inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := inv.Provider()
	r.invokers[name] = inv
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejections and provider-side quota answers are not provider
		// health signals; only transport-level trouble trips the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch FailKindOf(err) {
			case FailRejected, FailQuotaExceeded:
				return true
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("provider breaker state change", map[string]interface{}{
				"provider": name, "from": from.String(), "to": to.String(),
			})
		},
	})
}

// Register adds or replaces an entry by name
func (r *Registry) Register(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot.Load()
	next := make([]Entry, 0, len(cur.entries)+1)
	for _, e := range cur.entries {
		if e.Name != entry.Name {
			next = append(next, e)
		}
	}
	next = append(next, entry)
	r.snapshot.Store(&snapshot{entries: next})
}

// SetAvailability flips an entry's availability flag. The safe default
// cannot be taken down.
func (r *Registry) SetAvailability(name string, available bool) error {
	if name == SafeDefaultName && !available {
		return errors.New(errors.KindValidation, "the safe default entry cannot be made unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot.Load()
	next := make([]Entry, len(cur.entries))
	copy(next, cur.entries)
	for i := range next {
		if next[i].Name == name {
			next[i].Available = available
			r.snapshot.Store(&snapshot{entries: next})
			return nil
		}
	}
	return errors.Newf(errors.KindNotFound, "model entry %s not registered", name)
}

// Entries returns the current catalogue snapshot
func (r *Registry) Entries() []Entry {
	cur := r.snapshot.Load()
	out := make([]Entry, len(cur.entries))
	copy(out, cur.entries)
	return out
}

// Select builds the fallback chain for a capability requirement and an
// ordered preference list. The chain is deterministic for a snapshot:
// preferred entries first in preference order, then remaining candidates
// by cost then name, always terminated by the safe default.
func (r *Registry) Select(requirement Capability, prefs []string) (*Chain, error) {
	if !requirement.IsValid() {
		return nil, errors.Newf(errors.KindValidation, "unknown capability %q", requirement)
	}
	cur := r.snapshot.Load()

	var candidates []Entry
	var safeDefault *Entry
	for _, e := range cur.entries {
		if e.Name == SafeDefaultName {
			e := e
			safeDefault = &e
			continue
		}
		if e.Available && e.HasCapability(requirement) {
			candidates = append(candidates, e)
		}
	}
	if safeDefault == nil {
		return nil, errors.New(errors.KindInternal, "safe default entry missing from registry")
	}

	preferred := make([]Entry, 0, len(prefs))
	rest := make([]Entry, 0, len(candidates))
	for _, c := range candidates {
		if idx := indexOf(prefs, c.Name); idx >= 0 {
			preferred = append(preferred, c)
		} else {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(preferred, func(i, j int) bool {
		return indexOf(prefs, preferred[i].Name) < indexOf(prefs, preferred[j].Name)
	})
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].CostWeight != rest[j].CostWeight {
			return rest[i].CostWeight < rest[j].CostWeight
		}
		return rest[i].Name < rest[j].Name
	})

	entries := append(preferred, rest...)
	entries = append(entries, *safeDefault)
	return &Chain{entries: entries, registry: r}, nil
}

// invoke runs one entry through its provider's breaker with the
// registry's invocation timeout, normalising breaker and context
// failures into the closed classification.
func (r *Registry) invoke(ctx context.Context, entry Entry, req Request) (*Response, *Usage, error) {
	r.mu.Lock()
	inv := r.invokers[entry.Provider]
	cb := r.breakers[entry.Provider]
	r.mu.Unlock()
	if inv == nil {
		return nil, nil, Fail(FailUnavailable, entry.Name, errors.Newf(errors.KindInternal, "no adapter for provider %s", entry.Provider))
	}

	ictx, cancel := context.WithTimeout(ctx, r.invokeTimeout)
	defer cancel()

	type result struct {
		resp  *Response
		usage *Usage
	}
	out, err := cb.Execute(func() (interface{}, error) {
		resp, usage, err := inv.Invoke(ictx, entry.Model, req)
		if err != nil {
			return nil, err
		}
		return result{resp: resp, usage: usage}, nil
	})
	if err != nil {
		switch {
		case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
			return nil, nil, Fail(FailUnavailable, entry.Name, err)
		case ictx.Err() == context.DeadlineExceeded:
			return nil, nil, Fail(FailTimeout, entry.Name, err)
		case ctx.Err() == context.Canceled:
			return nil, nil, Fail(FailTimeout, entry.Name, err)
		}
		if _, ok := err.(*InvokeError); ok {
			return nil, nil, err
		}
		return nil, nil, Fail(FailFatal, entry.Name, err)
	}
	res := out.(result)
	return res.resp, res.usage, nil
}

func indexOf(list []string, name string) int {
	for i, s := range list {
		if s == name {
			return i
		}
	}
	return -1
}
