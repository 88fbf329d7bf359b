package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/freighter/internal/core/manifest"
)

func names(g *Graph, ids []ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.Service(id).Name)
	}
	return out
}

func mustLookup(t *testing.T, g *Graph, name string) *Service {
	t.Helper()
	svc, ok := g.Lookup(name)
	require.True(t, ok, "service %s", name)
	return svc
}

// =============================================================================
// Graph Construction Tests
// =============================================================================

func TestNewGraph_LinkCreatesBothEdges(t *testing.T) {
	g, err := NewGraph("itops", "web", map[string]manifest.ServiceConfig{
		"api":   {Build: "./", Links: manifest.StringList{"redis"}},
		"redis": {Image: "redis:latest"},
	})
	require.NoError(t, err)

	api := mustLookup(t, g, "api")
	redis := mustLookup(t, g, "redis")

	assert.Equal(t, []string{"redis"}, names(g, g.Dependencies(api.ID)))
	assert.Empty(t, g.Dependents(api.ID))
	assert.Equal(t, []string{"api"}, names(g, g.Dependents(redis.ID)))
	assert.Empty(t, g.Dependencies(redis.ID))
	assert.True(t, g.DependsOn(api.ID, redis.ID))
}

func TestNewGraph_VolumesFromWithPermission(t *testing.T) {
	g, err := NewGraph("itops", "web", map[string]manifest.ServiceConfig{
		"app":  {Image: "a/app", VolumesFrom: manifest.StringList{"data:ro"}},
		"data": {Image: "a/data"},
	})
	require.NoError(t, err)

	app := mustLookup(t, g, "app")
	data := mustLookup(t, g, "data")
	assert.Equal(t, []string{"data"}, names(g, g.Dependencies(app.ID)))
	assert.Equal(t, []string{"app"}, names(g, g.Dependents(data.ID)))
}

func TestNewGraph_ExternalLink(t *testing.T) {
	g, err := NewGraph("itops", "web", map[string]manifest.ServiceConfig{
		"app": {Image: "a/app", Links: manifest.StringList{"legacy-db:db"}},
	})
	require.NoError(t, err)

	app := mustLookup(t, g, "app")
	assert.Empty(t, g.Dependencies(app.ID))
}

func TestNewGraph_Errors(t *testing.T) {
	tests := []struct {
		name string
		defs map[string]manifest.ServiceConfig
		want error
	}{
		{
			name: "self link",
			defs: map[string]manifest.ServiceConfig{
				"app": {Image: "a/app", Links: manifest.StringList{"app"}},
			},
			want: ErrSelfLink,
		},
		{
			name: "self link with alias",
			defs: map[string]manifest.ServiceConfig{
				"app": {Image: "a/app", Links: manifest.StringList{"app:me"}},
			},
			want: ErrSelfLink,
		},
		{
			name: "self volume reference",
			defs: map[string]manifest.ServiceConfig{
				"app": {Image: "a/app", VolumesFrom: manifest.StringList{"app:rw"}},
			},
			want: ErrSelfVolumeReference,
		},
		{
			name: "two sided link",
			defs: map[string]manifest.ServiceConfig{
				"a": {Image: "x/a", Links: manifest.StringList{"b"}},
				"b": {Image: "x/b", Links: manifest.StringList{"a"}},
			},
			want: ErrCircularLink,
		},
		{
			name: "two sided volumes",
			defs: map[string]manifest.ServiceConfig{
				"a": {Image: "x/a", VolumesFrom: manifest.StringList{"b:ro"}},
				"b": {Image: "x/b", VolumesFrom: manifest.StringList{"a"}},
			},
			want: ErrCircularVolume,
		},
		{
			name: "invalid link",
			defs: map[string]manifest.ServiceConfig{
				"app": {Image: "a/app", Links: manifest.StringList{"nowhere"}},
			},
			want: ErrInvalidLink,
		},
		{
			name: "unknown volume source",
			defs: map[string]manifest.ServiceConfig{
				"app": {Image: "a/app", VolumesFrom: manifest.StringList{"nowhere"}},
			},
			want: ErrUnknownVolumeSource,
		},
		{
			name: "three node cycle",
			defs: map[string]manifest.ServiceConfig{
				"a": {Image: "x/a", Links: manifest.StringList{"b"}},
				"b": {Image: "x/b", Links: manifest.StringList{"c"}},
				"c": {Image: "x/c", Links: manifest.StringList{"a"}},
			},
			want: ErrDependencyCycle,
		},
		{
			name: "mixed link and volume cycle",
			defs: map[string]manifest.ServiceConfig{
				"a": {Image: "x/a", Links: manifest.StringList{"b"}},
				"b": {Image: "x/b", VolumesFrom: manifest.StringList{"a"}},
			},
			want: ErrDependencyCycle,
		},
		{
			name: "no services",
			defs: map[string]manifest.ServiceConfig{},
			want: ErrNoServices,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph("itops", "web", tt.defs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestNewGraph_CircularLinkRegardlessOfNames(t *testing.T) {
	// Construction order follows names; swapping them must not hide the error.
	for _, pair := range [][2]string{{"a", "z"}, {"z", "a"}} {
		_, err := NewGraph("t", "p", map[string]manifest.ServiceConfig{
			pair[0]: {Image: "x/one", Links: manifest.StringList{pair[1]}},
			pair[1]: {Image: "x/two", Links: manifest.StringList{pair[0]}},
		})
		assert.ErrorIs(t, err, ErrCircularLink)
	}
}

func TestNewGraph_CycleErrorNamesPath(t *testing.T) {
	_, err := NewGraph("t", "p", map[string]manifest.ServiceConfig{
		"a": {Image: "x/a", Links: manifest.StringList{"b"}},
		"b": {Image: "x/b", Links: manifest.StringList{"c"}},
		"c": {Image: "x/c", Links: manifest.StringList{"a"}},
	})
	var refErr *ReferenceError
	require.ErrorAs(t, err, &refErr)
	assert.Contains(t, refErr.Error(), "a -> b -> c -> a")
}

// =============================================================================
// Walk Tests
// =============================================================================

func chain(t *testing.T) *Graph {
	t.Helper()
	// web -> api -> db, worker -> db
	g, err := NewGraph("t", "p", map[string]manifest.ServiceConfig{
		"web":    {Image: "x/web", Links: manifest.StringList{"api"}},
		"api":    {Image: "x/api", Links: manifest.StringList{"db"}},
		"worker": {Image: "x/worker", VolumesFrom: manifest.StringList{"db"}},
		"db":     {Image: "x/db"},
	})
	require.NoError(t, err)
	return g
}

func TestWalk_AscendingVisitsDependenciesFirst(t *testing.T) {
	g := chain(t)
	web := mustLookup(t, g, "web")

	var visited []string
	require.NoError(t, g.Walk(web.ID, Ascending, func(s *Service) error {
		visited = append(visited, s.Name)
		return nil
	}))

	// worker is reached as another dependent of db before api is visited.
	assert.Equal(t, []string{"db", "worker", "api", "web"}, visited)
}

func TestWalk_DescendingVisitsDependentsFirst(t *testing.T) {
	g := chain(t)
	db := mustLookup(t, g, "db")

	var visited []string
	require.NoError(t, g.Walk(db.ID, Descending, func(s *Service) error {
		visited = append(visited, s.Name)
		return nil
	}))

	assert.Equal(t, []string{"web", "api", "worker", "db"}, visited)
}

func TestWalk_VisitsEachServiceOnce(t *testing.T) {
	g := chain(t)
	db := mustLookup(t, g, "db")

	seen := map[string]int{}
	require.NoError(t, g.Walk(db.ID, Ascending, func(s *Service) error {
		seen[s.Name]++
		return nil
	}))

	assert.Len(t, seen, 4)
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}

func TestWalk_StopsOnError(t *testing.T) {
	g := chain(t)
	web := mustLookup(t, g, "web")
	boom := errors.New("boom")

	calls := 0
	err := g.Walk(web.ID, Ascending, func(s *Service) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
