package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
)

// MemRepository keeps package sources in memory.
type MemRepository struct {
	mu   sync.RWMutex
	pkgs map[pkgcache.PackageID]*Package
}

func NewMemRepository() *MemRepository {
	return &MemRepository{pkgs: make(map[pkgcache.PackageID]*Package)}
}

// Set replaces all entries of id.
func (m *MemRepository) Set(id pkgcache.PackageID, entries ...Entry) {
	p := NewPackage(id, entries...).Clone()
	m.mu.Lock()
	m.pkgs[id] = p
	m.mu.Unlock()
}

// SetEntry adds or replaces a single entry of id.
func (m *MemRepository) SetEntry(id pkgcache.PackageID, name string, code []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pkgs[id]
	if !ok {
		p = &Package{ID: id}
	} else {
		p = p.Clone()
	}
	e := Entry{Name: name, Code: append([]byte(nil), code...)}
	for i := range p.Entries {
		if p.Entries[i].Name == name {
			p.Entries[i] = e
			m.pkgs[id] = p
			return
		}
	}
	p.Entries = append(p.Entries, e)
	p.sortEntries()
	m.pkgs[id] = p
}

func (m *MemRepository) Remove(id pkgcache.PackageID) {
	m.mu.Lock()
	delete(m.pkgs, id)
	m.mu.Unlock()
}

func (m *MemRepository) Lookup(ctx context.Context, id pkgcache.PackageID) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	p, ok := m.pkgs[id]
	m.mu.RUnlock()

	if !ok || len(p.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, id)
	}
	return p.Clone(), nil
}

var _ Repository = (*MemRepository)(nil)
