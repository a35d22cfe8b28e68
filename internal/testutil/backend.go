package testutil

import (
	"context"
	"io"
	"sync"

	"rv-go/internal/rv"
	"rv-go/internal/vault"
)

// Call is one recorded backend invocation.
type Call struct {
	Op   string // list, get, put, delete, createfolder, test, dns, quota
	Name string
}

// Gate holds a backend call until released.
type Gate struct {
	started     chan struct{}
	release     chan struct{}
	startOnce   sync.Once
	releaseOnce sync.Once
}

// Started is closed once a call reached the gate.
func (g *Gate) Started() <-chan struct{} { return g.started }

// Release lets the held call (and any later one) continue.
func (g *Gate) Release() { g.releaseOnce.Do(func() { close(g.release) }) }

func (g *Gate) wait(ctx context.Context) error {
	g.startOnce.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordingBackend wraps a MemoryVault, records every call in order and lets
// tests inject failures, hold calls open and override the listing.
type RecordingBackend struct {
	*vault.MemoryVault

	mu       sync.Mutex
	calls    []Call
	failures map[Call][]error
	gates    map[Call]*Gate
	listing  []rv.FileEntry
	listSet  bool
	dnsNames []string
}

var (
	_ rv.Backend      = (*RecordingBackend)(nil)
	_ rv.QuotaBackend = (*RecordingBackend)(nil)
)

func NewRecordingBackend() *RecordingBackend {
	return &RecordingBackend{
		MemoryVault: vault.NewMemoryVault("test-vault"),
		failures:    make(map[Call][]error),
		gates:       make(map[Call]*Gate),
	}
}

// FailNext makes the next len(errs) calls of op on name fail with errs, in
// order. An empty name matches any name.
func (b *RecordingBackend) FailNext(op, name string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := Call{Op: op, Name: name}
	b.failures[k] = append(b.failures[k], errs...)
}

// Block holds calls of op on name until the returned gate is released.
// An empty name matches any name.
func (b *RecordingBackend) Block(op, name string) *Gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := &Gate{started: make(chan struct{}), release: make(chan struct{})}
	b.gates[Call{Op: op, Name: name}] = g
	return g
}

// SetListing makes List return files instead of the stored content.
func (b *RecordingBackend) SetListing(files []rv.FileEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listing = files
	b.listSet = true
}

// SetDNSNames sets the hostnames reported by DNSNames.
func (b *RecordingBackend) SetDNSNames(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dnsNames = names
}

// Calls returns every recorded call in order.
func (b *RecordingBackend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Count returns how many times op was called.
func (b *RecordingBackend) Count(op string) int {
	n := 0
	for _, c := range b.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Names returns the names op was called with, in order.
func (b *RecordingBackend) Names(op string) []string {
	var names []string
	for _, c := range b.Calls() {
		if c.Op == op {
			names = append(names, c.Name)
		}
	}
	return names
}

// enter records the call, waits on a matching gate and returns an injected
// failure if one is pending.
func (b *RecordingBackend) enter(ctx context.Context, op, name string) error {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Op: op, Name: name})
	g := b.gates[Call{Op: op, Name: name}]
	if g == nil {
		g = b.gates[Call{Op: op}]
	}
	var injected error
	for _, k := range []Call{{Op: op, Name: name}, {Op: op}} {
		if errs := b.failures[k]; len(errs) > 0 {
			injected = errs[0]
			b.failures[k] = errs[1:]
			break
		}
	}
	b.mu.Unlock()

	if g != nil {
		if err := g.wait(ctx); err != nil {
			return err
		}
	}
	return injected
}

func (b *RecordingBackend) List(ctx context.Context) ([]rv.FileEntry, error) {
	if err := b.enter(ctx, "list", ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.listSet {
		files := append([]rv.FileEntry(nil), b.listing...)
		b.mu.Unlock()
		return files, nil
	}
	b.mu.Unlock()
	return b.MemoryVault.List(ctx)
}

func (b *RecordingBackend) Get(ctx context.Context, name string, w io.Writer) error {
	if err := b.enter(ctx, "get", name); err != nil {
		return err
	}
	return b.MemoryVault.Get(ctx, name, w)
}

func (b *RecordingBackend) Put(ctx context.Context, name string, r io.Reader) error {
	if err := b.enter(ctx, "put", name); err != nil {
		return err
	}
	return b.MemoryVault.Put(ctx, name, r)
}

func (b *RecordingBackend) Delete(ctx context.Context, name string) error {
	if err := b.enter(ctx, "delete", name); err != nil {
		return err
	}
	return b.MemoryVault.Delete(ctx, name)
}

func (b *RecordingBackend) CreateFolder(ctx context.Context) error {
	if err := b.enter(ctx, "createfolder", ""); err != nil {
		return err
	}
	return b.MemoryVault.CreateFolder(ctx)
}

func (b *RecordingBackend) Test(ctx context.Context) error {
	if err := b.enter(ctx, "test", ""); err != nil {
		return err
	}
	return b.MemoryVault.Test(ctx)
}

func (b *RecordingBackend) DNSNames(ctx context.Context) ([]string, error) {
	if err := b.enter(ctx, "dns", ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dnsNames, nil
}

func (b *RecordingBackend) QuotaInfo(ctx context.Context) (*rv.QuotaInfo, error) {
	if err := b.enter(ctx, "quota", ""); err != nil {
		return nil, err
	}
	return b.MemoryVault.QuotaInfo(ctx)
}
