// Package clock provides the time and identifier ports. Services take
// these by construction so tests can pin time and get deterministic ids.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies wall time
type Clock interface {
	Now() time.Time
}

// IDSource supplies opaque unique identifiers
type IDSource interface {
	NewID() uuid.UUID
}

// System is the production Clock and IDSource
type System struct{}

// NewSystem creates the production clock and id source
func NewSystem() *System { return &System{} }

// Now implements Clock
func (s *System) Now() time.Time { return time.Now() }

// NewID implements IDSource
func (s *System) NewID() uuid.UUID { return uuid.New() }

// Fake is a settable Clock and sequential IDSource for tests
type Fake struct {
	mu  sync.Mutex
	now time.Time
	seq uint32
}

// NewFake creates a fake pinned to the given instant
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now implements Clock
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to an instant
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// NewID implements IDSource with stable sequential ids
func (f *Fake) NewID() uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	var id uuid.UUID
	id[0] = byte(f.seq >> 24)
	id[1] = byte(f.seq >> 16)
	id[2] = byte(f.seq >> 8)
	id[3] = byte(f.seq)
	// Keep the variant bits plausible so String() round-trips
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}
