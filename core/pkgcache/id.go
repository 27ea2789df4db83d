package pkgcache

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPackageID = errors.New("invalid package id")

// PackageID identifies a compilable package. The zero value is the null
// identifier and is never stored.
type PackageID struct {
	Org     string `json:"org,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// DefaultPackage is the unnamed package of a source directory.
var DefaultPackage = PackageID{Name: "."}

func NewPackageID(org, name, version string) PackageID {
	return PackageID{Org: org, Name: name, Version: version}
}

// ParsePackageID parses the form produced by PackageID.String:
// [org/]name[:version].
func ParsePackageID(s string) (PackageID, error) {
	var id PackageID
	rest := s
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		id.Version = rest[i+1:]
		rest = rest[:i]
		if id.Version == "" {
			return PackageID{}, fmt.Errorf("%w: empty version in %q", ErrInvalidPackageID, s)
		}
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		id.Org = rest[:i]
		rest = rest[i+1:]
		if id.Org == "" {
			return PackageID{}, fmt.Errorf("%w: empty org in %q", ErrInvalidPackageID, s)
		}
	}
	id.Name = rest
	if id.Name == "" {
		return PackageID{}, fmt.Errorf("%w: empty name in %q", ErrInvalidPackageID, s)
	}
	return id, nil
}

func MustParsePackageID(s string) PackageID {
	id, err := ParsePackageID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id PackageID) IsZero() bool { return id == PackageID{} }

func (id PackageID) IsDefault() bool { return id == DefaultPackage }

// String returns the canonical alias used as cache key.
func (id PackageID) String() string {
	var b strings.Builder
	if id.Org != "" {
		b.WriteString(id.Org)
		b.WriteByte('/')
	}
	b.WriteString(id.Name)
	if id.Version != "" {
		b.WriteByte(':')
		b.WriteString(id.Version)
	}
	return b.String()
}
