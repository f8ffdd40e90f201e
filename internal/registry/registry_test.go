package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paparats/paparats/internal/config"
	"github.com/paparats/paparats/internal/indexer"
)

func projectWithConfig(t *testing.T, group string) *config.Project {
	t.Helper()
	cfg, err := config.Resolve([]byte("group: " + group + "\nlanguage: [go]\n"))
	require.NoError(t, err)
	return cfg
}

func TestRegistry_GetMissingReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Get("g", "p")
	assert.False(t, ok)
}

func TestRegistry_RegisterThenGetRoundTrips(t *testing.T) {
	r := New()
	proj := indexer.Project{Group: "g", Name: "p", Root: "/tmp/p", Config: projectWithConfig(t, "g")}
	r.Register(proj)

	got, ok := r.Get("g", "p")
	require.True(t, ok)
	assert.Equal(t, "/tmp/p", got.Root)
}

func TestRegistry_RegisterReplacesExistingEntry(t *testing.T) {
	r := New()
	r.Register(indexer.Project{Group: "g", Name: "p", Root: "/old", Config: projectWithConfig(t, "g")})
	r.Register(indexer.Project{Group: "g", Name: "p", Root: "/new", Config: projectWithConfig(t, "g")})

	got, ok := r.Get("g", "p")
	require.True(t, ok)
	assert.Equal(t, "/new", got.Root)
}

func TestRegistry_DistinctProjectsDoNotCollide(t *testing.T) {
	r := New()
	r.Register(indexer.Project{Group: "g", Name: "p1", Config: projectWithConfig(t, "g")})
	r.Register(indexer.Project{Group: "g", Name: "p2", Config: projectWithConfig(t, "g")})

	assert.Equal(t, 2, r.Count())
}

func TestRegistry_ListReturnsAllEntries(t *testing.T) {
	r := New()
	r.Register(indexer.Project{Group: "g1", Name: "p1", Config: projectWithConfig(t, "g1")})
	r.Register(indexer.Project{Group: "g2", Name: "p2", Config: projectWithConfig(t, "g2")})

	assert.Len(t, r.List(), 2)
}

func TestRegistry_GroupsReturnsDistinctGroupNames(t *testing.T) {
	r := New()
	r.Register(indexer.Project{Group: "g1", Name: "p1", Config: projectWithConfig(t, "g1")})
	r.Register(indexer.Project{Group: "g1", Name: "p2", Config: projectWithConfig(t, "g1")})
	r.Register(indexer.Project{Group: "g2", Name: "p3", Config: projectWithConfig(t, "g2")})

	assert.ElementsMatch(t, []string{"g1", "g2"}, r.Groups())
}

func TestRegistry_EnsureDefault_RegistersSyntheticConfigWhenAbsent(t *testing.T) {
	r := New()
	proj, err := r.EnsureDefault("g", "p")
	require.NoError(t, err)
	assert.Equal(t, "g", proj.Group)
	assert.Equal(t, "p", proj.Name)
	require.NotNil(t, proj.Config)
	assert.NotEmpty(t, proj.Config.ResolvedPatterns)

	_, ok := r.Get("g", "p")
	assert.True(t, ok)
}

func TestRegistry_EnsureDefault_ReturnsExistingRegistration(t *testing.T) {
	r := New()
	existing := indexer.Project{Group: "g", Name: "p", Root: "/real/root", Config: projectWithConfig(t, "g")}
	r.Register(existing)

	proj, err := r.EnsureDefault("g", "p")
	require.NoError(t, err)
	assert.Equal(t, "/real/root", proj.Root)
}
