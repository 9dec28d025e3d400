package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock reads so expiration logic is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the process-wide wall clock. All timestamps are UTC.
func System() Clock { return systemClock{} }

// NewID mints a fresh opaque identifier for sessions, messages and memory records.
func NewID() string { return uuid.New().String() }

// Frozen is a manually-advanced clock for tests.
type Frozen struct {
	mu sync.Mutex
	t  time.Time
}

// NewFrozen returns a Frozen clock pinned at t (converted to UTC).
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{t: t.UTC()}
}

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Set pins the frozen clock at t.
func (f *Frozen) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t.UTC()
}
