package types

import "time"

// RateLimit is the budget descriptor attached to every remote API response.
type RateLimit struct {
	Limit      int
	Remaining  int
	ResetEpoch int64 // unix seconds
}

// ResetAt returns the reset time as a time.Time.
func (r RateLimit) ResetAt() time.Time {
	return time.Unix(r.ResetEpoch, 0)
}

// ScraperState is the persisted rate-limit and error state of one scraper identity.
type ScraperState struct {
	ID         string
	Limit      int
	Remaining  int
	ResetEpoch int64
	LastError  string
	UpdatedAt  time.Time
}

// RateLimit returns the descriptor part of the state.
func (s *ScraperState) RateLimit() RateLimit {
	return RateLimit{Limit: s.Limit, Remaining: s.Remaining, ResetEpoch: s.ResetEpoch}
}
