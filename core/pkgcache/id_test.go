package pkgcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageID_String(t *testing.T) {
	tests := []struct {
		id   PackageID
		want string
	}{
		{NewPackageID("acme", "http", "1.2.0"), "acme/http:1.2.0"},
		{NewPackageID("acme", "http", ""), "acme/http"},
		{NewPackageID("", "http", "1.2.0"), "http:1.2.0"},
		{NewPackageID("", "http", ""), "http"},
		{DefaultPackage, "."},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.String())

			parsed, err := ParsePackageID(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}
}

func TestParsePackageID_Invalid(t *testing.T) {
	for _, s := range []string{"", "acme/", "/http", "http:", "acme/:1"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParsePackageID(s)
			require.ErrorIs(t, err, ErrInvalidPackageID)
		})
	}
}

func TestPackageID_Zero(t *testing.T) {
	assert.True(t, PackageID{}.IsZero())
	assert.False(t, DefaultPackage.IsZero())
	assert.True(t, DefaultPackage.IsDefault())
	assert.Panics(t, func() { MustParsePackageID("") })
}
