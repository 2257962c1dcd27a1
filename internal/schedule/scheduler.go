package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbsmedya/edgewatch/internal/types"
)

// ErrNoCandidates is returned by SelectNext when no account is marked and scrapable.
var ErrNoCandidates = errors.New("no watched accounts to scrape")

// Scheduler picks the account and refresh mode of the next cycle.
type Scheduler struct {
	store  *Store
	policy ModePolicy
	now    func() time.Time
}

// NewScheduler creates a scheduler. A nil policy means DefaultWindow.
func NewScheduler(store *Store, policy ModePolicy) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("account store is nil")
	}
	if policy == nil {
		policy = DefaultWindow()
	}
	return &Scheduler{store: store, policy: policy, now: time.Now}, nil
}

// SetClock replaces the clock handed to the mode policy.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SelectNext returns the next account to refresh and the mode to refresh it in.
func (s *Scheduler) SelectNext(ctx context.Context) (*types.WatchedAccount, types.RefreshMode, error) {
	mode := s.policy.Mode(s.now())

	account, err := s.store.NextCandidate(ctx, mode)
	if err != nil {
		return nil, mode, err
	}
	if account == nil {
		return nil, mode, ErrNoCandidates
	}
	return account, mode, nil
}
