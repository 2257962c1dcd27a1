package scraper

import (
	"fmt"
	"time"

	"github.com/dbsmedya/edgewatch/internal/types"
)

// State is a stage of a scrape cycle.
type State string

const (
	StateIdle       State = "idle"
	StateGated      State = "gated"
	StateFetching   State = "fetching"
	StateResolving  State = "resolving"
	StateDiffing    State = "diffing"
	StatePersisting State = "persisting"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// Abort and completion reasons.
const (
	ReasonNoCandidates    = "no watched accounts"
	ReasonNothingDue      = "nothing due"
	ReasonGateClosed      = "rate limit gate closed"
	ReasonRateLimited     = "rate_limited"
	ReasonAPIError        = "api_error"
	ReasonNotFound        = "not_found"
	ReasonVersionConflict = "version_conflict"
	ReasonLockBusy        = "lock_busy"
	ReasonFailed          = "failed"
)

// CycleResult describes how a cycle ended.
type CycleResult struct {
	CycleID   string
	ScraperID string
	State     State
	Reason    string
	Account   *types.WatchedAccount
	Mode      types.RefreshMode
	Added     int
	Removed   int
	Conflicts int
	Created   int
	Refreshed int
	Duration  time.Duration
}

// Aborted reports whether the cycle stopped before persisting.
func (r *CycleResult) Aborted() bool {
	return r.State == StateAborted
}

func (r *CycleResult) String() string {
	account := "-"
	if r.Account != nil {
		account = r.Account.ExternalID
		if r.Account.Handle != "" {
			account = "@" + r.Account.Handle
		}
	}

	s := fmt.Sprintf("%s %s account=%s", r.ScraperID, r.State, account)
	if r.Mode != "" {
		s += " mode=" + string(r.Mode)
	}
	if r.Reason != "" {
		s += fmt.Sprintf(" reason=%q", r.Reason)
	}
	if r.State == StateDone && r.Account != nil {
		s += fmt.Sprintf(" added=%d removed=%d", r.Added, r.Removed)
	}
	if r.Refreshed > 0 {
		s += fmt.Sprintf(" refreshed=%d", r.Refreshed)
	}
	return s
}
