// Package source resolves package identifiers to raw source files.
//
// A [Repository] is what the compiler driver consults on a cache miss. The
// package ships three implementations: [MemRepository] for tests and
// playground sessions, [FSRepository] on a go-billy filesystem and
// [KVRepository] on any [kv.Store], e.g. a NATS JetStream bucket.
package source

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
)

var (
	ErrPackageNotFound = errors.New("package not found")
	ErrEntryNotFound   = errors.New("source entry not found")
)

type Repository interface {
	// Lookup returns all source entries of id. It returns an error wrapping
	// ErrPackageNotFound if the package does not exist or has no entries.
	Lookup(ctx context.Context, id pkgcache.PackageID) (*Package, error)
}

// Entry is a single source file of a package.
type Entry struct {
	Name string `json:"name"`
	Code []byte `json:"code"`
}

type Package struct {
	ID      pkgcache.PackageID `json:"id"`
	Entries []Entry            `json:"entries"`
}

func NewPackage(id pkgcache.PackageID, entries ...Entry) *Package {
	p := &Package{ID: id, Entries: slices.Clone(entries)}
	p.sortEntries()
	return p
}

// Entry returns the source entry with the given name.
func (p *Package) Entry(name string) (Entry, bool) {
	for _, e := range p.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// EntryNames lists entry names in lexical order.
func (p *Package) EntryNames() []string {
	names := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		names[i] = e.Name
	}
	slices.Sort(names)
	return names
}

// Clone returns a deep copy, so callers may hand out packages without
// sharing code buffers.
func (p *Package) Clone() *Package {
	out := &Package{ID: p.ID, Entries: make([]Entry, len(p.Entries))}
	for i, e := range p.Entries {
		out.Entries[i] = Entry{Name: e.Name, Code: slices.Clone(e.Code)}
	}
	return out
}

// Digest fingerprints the package content. It does not depend on entry
// order.
func (p *Package) Digest() Digest {
	entries := slices.Clone(p.Entries)
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })

	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, e := range entries {
		h.Write([]byte(e.Name))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(n[:], uint64(len(e.Code)))
		h.Write(n[:])
		h.Write(e.Code)
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func (p *Package) sortEntries() {
	slices.SortFunc(p.Entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
}

// Digest is a blake2b-256 content fingerprint.
type Digest [blake2b.Size256]byte

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }
