package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"rv-go/internal/rv"
)

type memoryFile struct {
	data     []byte
	modTime  time.Time
	archived bool
}

// MemoryVault is an in-memory implementation of the rv.Backend interface.
// It is useful for testing. This implementation is safe for concurrent use.
type MemoryVault struct {
	name    string
	files   map[string]*memoryFile
	created bool
	quota   *rv.QuotaInfo
	mu      sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:    name,
		files:   make(map[string]*memoryFile),
		created: true,
	}
}

// SetFolderMissing simulates a missing target container.
func (m *MemoryVault) SetFolderMissing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = false
}

// SetQuota sets the quota reported by QuotaInfo. nil means unsupported.
func (m *MemoryVault) SetQuota(q *rv.QuotaInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota = q
}

// SetArchived marks a stored file as moved to cold storage.
func (m *MemoryVault) SetArchived(name string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, rv.ErrFileMissing)
	}
	f.archived = archived
	return nil
}

// Has reports whether name is stored.
func (m *MemoryVault) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[name]
	return ok
}

func (m *MemoryVault) checkFolder() error {
	if !m.created {
		return fmt.Errorf("vault %s: %w", m.name, rv.ErrFolderMissing)
	}
	return nil
}

// List returns all stored files sorted by name.
func (m *MemoryVault) List(ctx context.Context) ([]rv.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkFolder(); err != nil {
		return nil, err
	}

	entries := make([]rv.FileEntry, 0, len(m.files))
	for name, f := range m.files {
		entries = append(entries, rv.FileEntry{
			Name:         name,
			Size:         int64(len(f.data)),
			LastModified: f.modTime,
			IsArchived:   f.archived,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Get writes the content of name to w.
func (m *MemoryVault) Get(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	if err := m.checkFolder(); err != nil {
		m.mu.RUnlock()
		return err
	}
	f, ok := m.files[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, rv.ErrFileMissing)
	}

	if _, err := io.Copy(w, contextReader(ctx, bytes.NewReader(f.data))); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// Put stores everything read from r under name.
func (m *MemoryVault) Put(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(contextReader(ctx, r))
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFolder(); err != nil {
		return err
	}
	m.files[name] = &memoryFile{data: data, modTime: time.Now()}
	return nil
}

// Delete removes name.
func (m *MemoryVault) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return fmt.Errorf("%s: %w", name, rv.ErrFileMissing)
	}
	delete(m.files, name)
	return nil
}

// CreateFolder creates the container.
func (m *MemoryVault) CreateFolder(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = true
	return nil
}

// Test always succeeds for an existing in-memory vault.
func (m *MemoryVault) Test(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkFolder()
}

// DNSNames returns nothing; an in-memory vault has no hosts.
func (m *MemoryVault) DNSNames(ctx context.Context) ([]string, error) {
	return nil, nil
}

// QuotaInfo returns the quota set with SetQuota.
func (m *MemoryVault) QuotaInfo(ctx context.Context) (*rv.QuotaInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.quota == nil {
		return nil, rv.ErrQuotaUnsupported
	}
	q := *m.quota
	return &q, nil
}

// Rename moves oldName to newName.
func (m *MemoryVault) Rename(ctx context.Context, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[oldName]
	if !ok {
		return fmt.Errorf("%s: %w", oldName, rv.ErrFileMissing)
	}
	delete(m.files, oldName)
	m.files[newName] = f
	return nil
}

// Compile-time checks that MemoryVault implements the backend interfaces
var (
	_ rv.Backend       = (*MemoryVault)(nil)
	_ rv.QuotaBackend  = (*MemoryVault)(nil)
	_ rv.RenameBackend = (*MemoryVault)(nil)
)
