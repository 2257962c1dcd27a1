package schedule

import (
	"fmt"
	"time"

	"github.com/dbsmedya/edgewatch/internal/config"
	"github.com/dbsmedya/edgewatch/internal/types"
)

// ModePolicy decides the refresh mode of the next cycle.
type ModePolicy interface {
	Mode(now time.Time) types.RefreshMode
}

// ModeFunc adapts a function to ModePolicy.
type ModeFunc func(now time.Time) types.RefreshMode

// Mode calls f(now).
func (f ModeFunc) Mode(now time.Time) types.RefreshMode {
	return f(now)
}

// FixedPolicy always returns the same mode.
type FixedPolicy types.RefreshMode

// Mode returns the fixed mode.
func (p FixedPolicy) Mode(time.Time) types.RefreshMode {
	return types.RefreshMode(p)
}

// WindowPolicy selects full refreshes inside a daily [Start, End) hour window
// and partial refreshes outside it. A window with Start > End wraps midnight;
// Start == End is empty.
type WindowPolicy struct {
	Start    int
	End      int
	Location *time.Location
}

// DefaultWindow runs full refreshes from 00:00 to 07:00 local time.
func DefaultWindow() WindowPolicy {
	return WindowPolicy{Start: 0, End: 7, Location: time.Local}
}

// Mode implements ModePolicy.
func (p WindowPolicy) Mode(now time.Time) types.RefreshMode {
	if p.contains(p.hour(now)) {
		return types.ModeFull
	}
	return types.ModePartial
}

func (p WindowPolicy) hour(now time.Time) int {
	if p.Location != nil {
		now = now.In(p.Location)
	}
	return now.Hour()
}

func (p WindowPolicy) contains(h int) bool {
	switch {
	case p.Start < p.End:
		return h >= p.Start && h < p.End
	case p.Start > p.End:
		return h >= p.Start || h < p.End
	default:
		return false
	}
}

// PolicyFromConfig builds the policy named by cfg.Policy.
func PolicyFromConfig(cfg config.RefreshConfig) (ModePolicy, error) {
	switch cfg.Policy {
	case "window", "":
		loc, err := cfg.Location()
		if err != nil {
			return nil, fmt.Errorf("invalid refresh timezone: %w", err)
		}
		return WindowPolicy{Start: cfg.FullWindowStart, End: cfg.FullWindowEnd, Location: loc}, nil
	case "full":
		return FixedPolicy(types.ModeFull), nil
	case "partial":
		return FixedPolicy(types.ModePartial), nil
	default:
		return nil, fmt.Errorf("unknown refresh policy %q", cfg.Policy)
	}
}
