package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/edgewatch/internal/types"
)

func set(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name    string
		old     map[string]struct{}
		fetched []string
		added   []string
		removed []string
	}{
		{
			name:    "first observation",
			old:     set(),
			fetched: []string{"b", "a", "c"},
			added:   []string{"b", "a", "c"},
		},
		{
			name:    "unchanged",
			old:     set("a", "b"),
			fetched: []string{"b", "a"},
		},
		{
			name:    "added and removed",
			old:     set("a", "b", "z", "y"),
			fetched: []string{"c", "a"},
			added:   []string{"c"},
			removed: []string{"b", "y", "z"},
		},
		{
			name:    "everything removed",
			old:     set("b", "a"),
			fetched: nil,
			removed: []string{"a", "b"},
		},
		{
			name:    "duplicate fetched ids collapse",
			old:     set(),
			fetched: []string{"a", "a", "b"},
			added:   []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Compute(tt.old, NewOrderedSet(tt.fetched...))
			assert.Equal(t, tt.added, result.Added)
			assert.Equal(t, tt.removed, result.Removed)
		})
	}
}

func TestCompute_NilFetched(t *testing.T) {
	result := Compute(set("a"), nil)
	assert.Empty(t, result.Added)
	assert.Equal(t, []string{"a"}, result.Removed)
}

// Applying a diff to the old set must yield exactly the fetched set.
func TestCompute_ApplyYieldsFetched(t *testing.T) {
	old := set("1", "2", "3", "4")
	fetched := NewOrderedSet("3", "4", "5", "6")

	result := Compute(old, fetched)

	applied := set()
	for id := range old {
		applied[id] = struct{}{}
	}
	for _, id := range result.Removed {
		delete(applied, id)
	}
	for _, id := range result.Added {
		applied[id] = struct{}{}
	}

	assert.Equal(t, set(fetched.Keys()...), applied)
}

func TestForMode(t *testing.T) {
	result := Result{Added: []string{"a"}, Removed: []string{"b"}}

	full := result.ForMode(types.ModeFull)
	assert.Equal(t, result, full)

	partial := result.ForMode(types.ModePartial)
	assert.Equal(t, []string{"a"}, partial.Added)
	assert.Empty(t, partial.Removed)
	assert.False(t, partial.Empty())

	assert.True(t, Result{Removed: []string{"b"}}.ForMode(types.ModePartial).Empty())
}

func TestChanges(t *testing.T) {
	result := Result{Added: []string{"c", "a"}, Removed: []string{"x"}}

	changes := result.Changes("me")
	require.Len(t, changes, 3)
	assert.Equal(t, types.EdgeChange{FromID: "me", ToID: "c", Status: types.StatusConnected}, changes[0])
	assert.Equal(t, types.EdgeChange{FromID: "me", ToID: "a", Status: types.StatusConnected}, changes[1])
	assert.Equal(t, types.EdgeChange{FromID: "me", ToID: "x", Status: types.StatusDisconnected}, changes[2])

	assert.Empty(t, Result{}.Changes("me"))
}
