package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/codewandler/pkgcache-go/core/pkgcache"
)

// DefaultExtension is the file suffix of source entries.
const DefaultExtension = ".src"

type fsConfig struct {
	ext string
}

type FSOption func(*fsConfig)

// WithExtension sets the suffix a file needs to count as a source entry.
func WithExtension(ext string) FSOption {
	return func(c *fsConfig) {
		if ext != "" {
			c.ext = ext
		}
	}
}

// FSRepository reads packages from a directory tree laid out as
// <org>/<name>/<version>/<entry><ext>. Empty id parts are skipped and the
// default package lives at the root itself. Only regular files directly
// inside the package directory are entries.
type FSRepository struct {
	fs  billy.Filesystem
	ext string
}

func NewFSRepository(fs billy.Filesystem, opts ...FSOption) *FSRepository {
	cfg := fsConfig{ext: DefaultExtension}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FSRepository{fs: fs, ext: cfg.ext}
}

// NewOSRepository is a FSRepository rooted at dir on the local disk.
func NewOSRepository(dir string, opts ...FSOption) *FSRepository {
	return NewFSRepository(osfs.New(dir), opts...)
}

// PackageDir returns the directory of id relative to the repository root.
func (r *FSRepository) PackageDir(id pkgcache.PackageID) string {
	if id.IsDefault() {
		return "."
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{id.Org, id.Name, id.Version} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return path.Join(parts...)
}

// EntryNames lists the source entries of id without reading them.
func (r *FSRepository) EntryNames(ctx context.Context, id pkgcache.PackageID) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := r.PackageDir(id)
	infos, err := r.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, id)
		}
		return nil, fmt.Errorf("list package %s: %w", id, err)
	}

	var names []string
	for _, fi := range infos {
		if !fi.Mode().IsRegular() || !strings.HasSuffix(fi.Name(), r.ext) {
			continue
		}
		names = append(names, fi.Name())
	}
	return names, nil
}

func (r *FSRepository) Lookup(ctx context.Context, id pkgcache.PackageID) (*Package, error) {
	names, err := r.EntryNames(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s has no %s entries", ErrPackageNotFound, id, r.ext)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		e, err := r.readEntry(id, name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return NewPackage(id, entries...), nil
}

// LookupEntry returns a package holding only the named entry.
func (r *FSRepository) LookupEntry(ctx context.Context, id pkgcache.PackageID, name string) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := r.readEntry(id, name)
	if err != nil {
		return nil, err
	}
	return NewPackage(id, e), nil
}

// WriteEntry stores code as entry name of id, creating directories as needed.
func (r *FSRepository) WriteEntry(id pkgcache.PackageID, name string, code []byte) error {
	dir := r.PackageDir(id)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create package dir %s: %w", dir, err)
	}
	if err := util.WriteFile(r.fs, r.fs.Join(dir, name), code, 0o644); err != nil {
		return fmt.Errorf("write entry %s of %s: %w", name, id, err)
	}
	return nil
}

func (r *FSRepository) readEntry(id pkgcache.PackageID, name string) (Entry, error) {
	p := r.fs.Join(r.PackageDir(id), name)
	fi, err := r.fs.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, name, id)
		}
		return Entry{}, fmt.Errorf("stat entry %s of %s: %w", name, id, err)
	}
	if !fi.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("%w: %s in %s is not a regular file", ErrEntryNotFound, name, id)
	}
	code, err := util.ReadFile(r.fs, p)
	if err != nil {
		return Entry{}, fmt.Errorf("load source entry %s of %s: %w", name, id, err)
	}
	return Entry{Name: name, Code: code}, nil
}

var _ Repository = (*FSRepository)(nil)
