// Package types contains shared types used across multiple packages to avoid import cycles.
package types

import (
	"fmt"
	"strings"
	"time"
)

// EdgeStatus is the state recorded by one version of a directed edge.
type EdgeStatus string

const (
	StatusConnected    EdgeStatus = "CONNECTED"
	StatusDisconnected EdgeStatus = "DISCONNECTED"
)

// Valid reports whether s is one of the known statuses.
func (s EdgeStatus) Valid() bool {
	return s == StatusConnected || s == StatusDisconnected
}

// Edge is a single row of the edge log. Rows are never updated or deleted.
type Edge struct {
	FromID    string
	ToID      string
	Status    EdgeStatus
	Version   int64
	CreatedAt time.Time
}

// EdgeChange is a requested transition for a (from, to) pair. The version is
// assigned by the edge log at append time.
type EdgeChange struct {
	FromID string
	ToID   string
	Status EdgeStatus
}

// Pair returns the "from->to" key of the change.
func (c EdgeChange) Pair() string {
	return c.FromID + "->" + c.ToID
}

// PeerStatus is the current state of one edge seen from a node.
type PeerStatus struct {
	PeerID    string
	Status    EdgeStatus
	Version   int64
	CreatedAt time.Time
}

// RefreshMode selects how much of an account's edge set a cycle fetches and
// which changes it is allowed to apply.
type RefreshMode string

const (
	// ModeFull fetches the complete edge set and applies additions and removals.
	ModeFull RefreshMode = "full"
	// ModePartial fetches a possibly incomplete edge set and applies additions only.
	ModePartial RefreshMode = "partial"
)

// ParseRefreshMode converts a configuration string into a RefreshMode.
func ParseRefreshMode(s string) (RefreshMode, error) {
	switch RefreshMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFull:
		return ModeFull, nil
	case ModePartial:
		return ModePartial, nil
	default:
		return "", fmt.Errorf("unknown refresh mode %q (expected full or partial)", s)
	}
}

// AppendStats summarizes one edge log append.
type AppendStats struct {
	Appended  int
	Conflicts int
}
