package fingerprint

import (
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Deterministic(t *testing.T) {
	gen := NewGenerator(nil)

	first, err := gen.Generate()
	require.NoError(t, err)

	gen.ClearCache()
	second, err := gen.Generate()
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID,
		"the fingerprint must be stable across recomputation")
	assert.Equal(t, first.Degraded, second.Degraded)
}

func TestGenerate_IDShape(t *testing.T) {
	fp, err := NewGenerator(nil).Generate()
	require.NoError(t, err)

	// sha256 hex digest.
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), fp.ID)
	assert.Equal(t, []string{AttrMachineID, AttrMAC, AttrHostname, AttrOS, AttrArch}, fp.DerivedFrom)
	assert.False(t, fp.GeneratedAt.IsZero())
}

func TestGenerate_CacheReturnsCopy(t *testing.T) {
	gen := NewGenerator(nil)

	first, err := gen.Generate()
	require.NoError(t, err)

	// Mutating the returned value must not poison the cache.
	first.ID = "mutated"

	second, err := gen.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", second.ID)
}

func TestGenerate_IndependentGeneratorsAgree(t *testing.T) {
	a, err := NewGenerator(nil).Generate()
	require.NoError(t, err)
	b, err := NewGenerator(nil).Generate()
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
}

func TestComponents(t *testing.T) {
	gen := NewGenerator(nil)
	components := gen.Components()

	assert.Equal(t, runtime.GOOS, components[AttrOS])
	assert.Equal(t, runtime.GOARCH, components[AttrArch])
	assert.Len(t, components, 5)

	// Raw attribute digests are fixed-width and never leak the raw value.
	for _, attr := range []string{AttrMachineID, AttrMAC, AttrHostname} {
		if components[attr] == "" {
			continue // unreadable on this host, covered by the fallback path
		}
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), components[attr])
	}
}

func TestHashAttribute(t *testing.T) {
	assert.Equal(t, hashAttribute("same"), hashAttribute("same"))
	assert.NotEqual(t, hashAttribute("one"), hashAttribute("two"))
	assert.Len(t, hashAttribute("anything"), 16)
}
