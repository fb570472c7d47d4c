// Package schema resolves versioned XML rule schemas and validates inbound
// documents against them.
package schema

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	dferrors "github.com/drblury/docflow/internal/runtime/errors"
)

// ErrInvalidVersion is returned for version strings that cannot name a schema resource.
var ErrInvalidVersion = errors.New("docflow: invalid schema version")

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Store resolves a version string to raw schema bytes. Absence is reported with
// errors.Is(err, ErrSchemaNotFound).
type Store interface {
	Load(ctx context.Context, version string) ([]byte, error)
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, version string) ([]byte, error)

// Load implements Store.
func (f StoreFunc) Load(ctx context.Context, version string) ([]byte, error) {
	return f(ctx, version)
}

func checkVersion(version string) error {
	if !versionPattern.MatchString(version) || version == "." || version == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}

func notFound(version string) error {
	return fmt.Errorf("%w: %q", dferrors.ErrSchemaNotFound, version)
}

// DirStore reads schemas from <Dir>/<version>.xml.
type DirStore struct {
	Dir string
}

// NewDirStore returns a DirStore rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{Dir: dir}
}

// Load implements Store.
func (s *DirStore) Load(ctx context.Context, version string) ([]byte, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.Dir, version+".xml"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(version)
	}
	if err != nil {
		return nil, fmt.Errorf("read schema %q: %w", version, err)
	}
	return raw, nil
}

// MemoryStore keeps schemas in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[string][]byte
}

// NewMemoryStore returns a store seeded with the given version/bytes pairs.
func NewMemoryStore(seed map[string][]byte) *MemoryStore {
	s := &MemoryStore{schemas: make(map[string][]byte, len(seed))}
	for version, raw := range seed {
		s.schemas[version] = append([]byte(nil), raw...)
	}
	return s
}

// Put stores raw under version, replacing any previous content.
func (s *MemoryStore) Put(version string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[version] = append([]byte(nil), raw...)
}

// Delete removes version.
func (s *MemoryStore) Delete(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schemas, version)
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, version string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.schemas[version]
	if !ok {
		return nil, notFound(version)
	}
	return append([]byte(nil), raw...), nil
}
