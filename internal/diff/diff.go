// Package diff computes edge additions and removals between the last known
// edge set of an account and a freshly fetched one.
package diff

import (
	"sort"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/edgewatch/internal/types"
)

// OrderedSet is a set of peer ids that remembers insertion order.
type OrderedSet = orderedmap.OrderedMap[string, struct{}]

// NewOrderedSet builds an OrderedSet from ids, dropping duplicates.
func NewOrderedSet(ids ...string) *OrderedSet {
	set := orderedmap.NewOrderedMap[string, struct{}]()
	for _, id := range ids {
		set.Set(id, struct{}{})
	}
	return set
}

// Result holds the two sides of a diff.
type Result struct {
	// Added is in fetch order.
	Added []string
	// Removed is sorted.
	Removed []string
}

// Compute returns added = fetched \ old and removed = old \ fetched.
func Compute(old map[string]struct{}, fetched *OrderedSet) Result {
	var result Result

	if fetched == nil {
		fetched = NewOrderedSet()
	}

	for el := fetched.Front(); el != nil; el = el.Next() {
		if _, ok := old[el.Key]; !ok {
			result.Added = append(result.Added, el.Key)
		}
	}

	for id := range old {
		if _, ok := fetched.Get(id); !ok {
			result.Removed = append(result.Removed, id)
		}
	}
	sort.Strings(result.Removed)

	return result
}

// ForMode applies the refresh policy. A partial fetch may be truncated, so
// its removals are not trustworthy and are dropped.
func (r Result) ForMode(mode types.RefreshMode) Result {
	if mode == types.ModeFull {
		return r
	}
	return Result{Added: r.Added}
}

// Empty reports whether there is nothing to apply.
func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0
}

// Changes converts the result into edge log transitions originating at from.
func (r Result) Changes(from string) []types.EdgeChange {
	changes := make([]types.EdgeChange, 0, len(r.Added)+len(r.Removed))
	for _, to := range r.Added {
		changes = append(changes, types.EdgeChange{FromID: from, ToID: to, Status: types.StatusConnected})
	}
	for _, to := range r.Removed {
		changes = append(changes, types.EdgeChange{FromID: from, ToID: to, Status: types.StatusDisconnected})
	}
	return changes
}
