package testutil

import (
	"fmt"
	"sync"
	"time"

	"rv-go/internal/rv"
)

var (
	_ rv.Clock       = (*StubClock)(nil)
	_ rv.IDGenerator = (*StubIDGenerator)(nil)
)

// StubClock is a manually driven rv.Clock. The database stores whole
// seconds, so the clock never carries sub-second precision either.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t.UTC().Truncate(time.Second)}
}

// FixedClock is set to 2024-01-15 10:30:00 UTC, the time encoded in the
// filelist names the tests use.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward, e.g. past a delete grace period.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d).Truncate(time.Second)
}

// GraceDeadline is the moment a grace period of d started now expires.
func (c *StubClock) GraceDeadline(d time.Duration) time.Time {
	return c.Now().Add(d)
}

// StubIDGenerator hands out operation ids "op-1", "op-2", ... and remembers
// them so tests can look up the records written under each one.
type StubIDGenerator struct {
	mu     sync.Mutex
	issued []string
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("op-%d", len(g.issued)+1)
	g.issued = append(g.issued, id)
	return id
}

// Issued returns every id handed out so far, oldest first.
func (g *StubIDGenerator) Issued() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.issued...)
}
