package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rv-go/internal/rv"
)

const tempPrefix = ".tmp-"

// FileSystemVault stores remote volumes as flat files in a directory:
//
//	<root>/
//	  <prefix>-b<guid>.dblock.zip.age
//	  <prefix>-20240115T103000Z.dlist.zip.age
//	  ...
//
// The root is not created until CreateFolder is called, so a missing root is
// reported as rv.ErrFolderMissing.
type FileSystemVault struct {
	name string
	root string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	return &FileSystemVault{name: name, root: abs}, nil
}

func (v *FileSystemVault) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid remote file name: %q", name)
	}
	return filepath.Join(v.root, name), nil
}

// List returns the regular files in the root. In-progress uploads are skipped.
func (v *FileSystemVault) List(ctx context.Context) ([]rv.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(v.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("vault root %s: %w", v.root, rv.ErrFolderMissing)
		}
		return nil, fmt.Errorf("reading vault root: %w", err)
	}

	entries := make([]rv.FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", de.Name(), err)
		}
		entries = append(entries, rv.FileEntry{
			Name:         de.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
			IsFolder:     info.IsDir(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Get writes the content of name to w.
func (v *FileSystemVault) Get(ctx context.Context, name string, w io.Writer) error {
	p, err := v.path(name)
	if err != nil {
		return err
	}
	return v.readFile(ctx, p, w)
}

// Put stores r under name using an atomic write.
func (v *FileSystemVault) Put(ctx context.Context, name string, r io.Reader) error {
	p, err := v.path(name)
	if err != nil {
		return err
	}
	return v.writeFile(ctx, p, r)
}

// Delete removes name.
func (v *FileSystemVault) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := v.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, rv.ErrFileMissing)
		}
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// CreateFolder creates the vault root.
func (v *FileSystemVault) CreateFolder(ctx context.Context) error {
	if err := os.MkdirAll(v.root, 0755); err != nil {
		return fmt.Errorf("failed to create vault root: %w", err)
	}
	return nil
}

// Test verifies that the vault root is an accessible directory.
func (v *FileSystemVault) Test(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("vault root %s: %w", v.root, rv.ErrFolderMissing)
		}
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}
	return nil
}

// DNSNames returns nothing for a local directory.
func (v *FileSystemVault) DNSNames(ctx context.Context) ([]string, error) {
	return nil, nil
}

// Rename moves oldName to newName within the root.
func (v *FileSystemVault) Rename(ctx context.Context, oldName, newName string) error {
	from, err := v.path(oldName)
	if err != nil {
		return err
	}
	to, err := v.path(newName)
	if err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", oldName, rv.ErrFileMissing)
		}
		return fmt.Errorf("failed to rename %s: %w", oldName, err)
	}
	return nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(ctx context.Context, destPath string, r io.Reader) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("vault root %s: %w", dir, rv.ErrFolderMissing)
		}
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, contextReader(ctx, r)); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// readFile reads from the specified path and writes to w.
func (v *FileSystemVault) readFile(ctx context.Context, srcPath string, w io.Writer) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", filepath.Base(srcPath), rv.ErrFileMissing)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, contextReader(ctx, f)); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	return nil
}

// Compile-time checks that FileSystemVault implements the backend interfaces
var (
	_ rv.Backend       = (*FileSystemVault)(nil)
	_ rv.QuotaBackend  = (*FileSystemVault)(nil)
	_ rv.RenameBackend = (*FileSystemVault)(nil)
)
