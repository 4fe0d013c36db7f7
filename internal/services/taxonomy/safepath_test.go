package taxonomy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/skillforge/internal/models"
)

func TestSanitizeAcceptsCanonicalPaths(t *testing.T) {
	for _, path := range []string{
		"devops",
		"devops/ci/retry-policy",
		"_core/safety",
		"a/b/c/d/e/f/g/h",
	} {
		p, err := Sanitize(path)
		require.NoError(t, err, path)
		assert.Equal(t, path, p.String())
	}
}

func TestSanitizeRejectsUnsafePaths(t *testing.T) {
	cases := []string{
		"",
		"/etc/passwd",
		"devops/../secrets",
		"devops/./ci",
		"devops//ci",
		"devops/Ci",
		"devops/c i",
		"a/b/c/d/e/f/g/h/i",
		"devops\\ci",
		"devops/ci\x00",
		strings.Repeat("a", 513),
	}
	for _, path := range cases {
		_, err := Sanitize(path)
		require.Error(t, err, "path %q must be rejected", path)
		assert.True(t, models.IsKind(err, models.KindPathUnsafe), path)
	}
}

func TestSanitizeAliasAllowsDots(t *testing.T) {
	p, err := SanitizeAlias("legacy/retry.v1")
	require.NoError(t, err)
	assert.Equal(t, "legacy/retry.v1", p.String())

	// Dots never license traversal.
	_, err = SanitizeAlias("legacy/..")
	assert.Error(t, err)

	// Canonical sanitation still rejects dots inside segments.
	_, err = Sanitize("legacy/retry.v1")
	assert.Error(t, err)
}

func TestUnderEnforcesContainment(t *testing.T) {
	p, err := Sanitize("devops/ci")
	require.NoError(t, err)

	abs, err := p.Under("/data/skills")
	require.NoError(t, err)
	assert.Equal(t, "/data/skills/devops/ci", abs)
}

func TestPathAccessors(t *testing.T) {
	p, err := Sanitize("devops/ci/retry-policy")
	require.NoError(t, err)

	assert.Equal(t, 3, p.Depth())
	assert.Equal(t, "retry-policy", p.Base())
	assert.Equal(t, "devops/ci", p.Parent().String())
	assert.True(t, p.Parent().Parent().Parent().IsZero())
}
