package scraper

import (
	"context"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/dbsmedya/edgewatch/internal/diff"
	"github.com/dbsmedya/edgewatch/internal/entity"
	"github.com/dbsmedya/edgewatch/internal/lock"
	"github.com/dbsmedya/edgewatch/internal/logger"
	"github.com/dbsmedya/edgewatch/internal/schedule"
	"github.com/dbsmedya/edgewatch/internal/source"
	"github.com/dbsmedya/edgewatch/internal/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	account *types.WatchedAccount
	mode    types.RefreshMode
	err     error
}

func (f *fakeScheduler) SelectNext(context.Context) (*types.WatchedAccount, types.RefreshMode, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	if f.account == nil {
		return nil, "", schedule.ErrNoCandidates
	}
	acc := *f.account
	return &acc, f.mode, nil
}

type markCall struct {
	id        string
	mode      types.RefreshMode
	at        time.Time
	edgeCount int
	drift     int
}

type fakeAccounts struct {
	marked      []markCall
	profiles    []markCall
	unscrapable []string
	stale       []types.WatchedAccount
	watched     map[string]string
	markErr     error
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{watched: map[string]string{}}
}

func (f *fakeAccounts) MarkScraped(_ context.Context, id string, mode types.RefreshMode, at time.Time, edgeCount, drift int) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, markCall{id: id, mode: mode, at: at, edgeCount: edgeCount, drift: drift})
	return nil
}

func (f *fakeAccounts) MarkUnscrapable(_ context.Context, id string) error {
	f.unscrapable = append(f.unscrapable, id)
	return nil
}

func (f *fakeAccounts) StaleProfiles(_ context.Context, limit int) ([]types.WatchedAccount, error) {
	if len(f.stale) > limit {
		return f.stale[:limit], nil
	}
	return f.stale, nil
}

func (f *fakeAccounts) MarkProfileScraped(_ context.Context, id string, at time.Time, drift int) error {
	f.profiles = append(f.profiles, markCall{id: id, at: at, drift: drift})
	return nil
}

func (f *fakeAccounts) Watch(_ context.Context, id, handle string) (bool, error) {
	_, exists := f.watched[id]
	f.watched[id] = handle
	return !exists, nil
}

type fakeTracker struct {
	id          string
	closed      bool
	responses   []types.RateLimit
	rateLimited []types.RateLimit
	errors      []string
	cleared     int
}

func newFakeTracker(id string) *fakeTracker {
	return &fakeTracker{id: id}
}

func (f *fakeTracker) ID() string { return f.id }

func (f *fakeTracker) Gate(context.Context) (bool, error) { return !f.closed, nil }

func (f *fakeTracker) RecordResponse(_ context.Context, rl types.RateLimit) error {
	f.responses = append(f.responses, rl)
	return nil
}

func (f *fakeTracker) RecordRateLimited(_ context.Context, rl types.RateLimit) error {
	f.rateLimited = append(f.rateLimited, rl)
	return nil
}

func (f *fakeTracker) RecordError(_ context.Context, kind, detail string) error {
	f.errors = append(f.errors, kind+": "+detail)
	return nil
}

func (f *fakeTracker) ClearError(context.Context) error {
	f.cleared++
	return nil
}

type fakeSource struct {
	edges       map[string][]string
	rateLimit   types.RateLimit
	edgeErr     error
	profiles    map[string]*types.Profile
	profileErrs map[string]error
	edgeCalls   int
	profileReqs []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		edges:       map[string][]string{},
		rateLimit:   types.RateLimit{Limit: 15, Remaining: 14, ResetEpoch: testNow.Add(15 * time.Minute).Unix()},
		profiles:    map[string]*types.Profile{},
		profileErrs: map[string]error{},
	}
}

func (f *fakeSource) FetchEdges(_ context.Context, id string, _ types.RefreshMode) (*source.FetchResult, error) {
	f.edgeCalls++
	if f.edgeErr != nil {
		return nil, f.edgeErr
	}
	res := &source.FetchResult{RateLimit: f.rateLimit}
	for _, peer := range f.edges[id] {
		res.Edges = append(res.Edges, types.Profile{ExternalID: peer, Handle: "h" + peer})
	}
	return res, nil
}

func (f *fakeSource) FetchProfile(_ context.Context, idOrHandle string) (*types.Profile, error) {
	f.profileReqs = append(f.profileReqs, idOrHandle)
	key := types.NormalizeHandle(idOrHandle)
	if err, ok := f.profileErrs[key]; ok {
		return nil, err
	}
	if p, ok := f.profiles[key]; ok {
		return p, nil
	}
	return nil, source.ErrNotFound
}

// fakeEntities implements both Resolver and EntityStore.
type fakeEntities struct {
	known     map[string]types.ExternalEntity
	refreshed []string
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{known: map[string]types.ExternalEntity{}}
}

func (f *fakeEntities) ResolveFetched(_ context.Context, profiles []types.Profile) (*orderedmap.OrderedMap[string, struct{}], types.ResolveStats, error) {
	var stats types.ResolveStats
	set := diff.NewOrderedSet()
	for _, p := range profiles {
		if _, ok := f.known[p.ExternalID]; !ok {
			f.known[p.ExternalID] = types.ExternalEntity{ExternalID: p.ExternalID, Handle: p.Handle}
			stats.Created++
		}
		set.Set(p.ExternalID, struct{}{})
	}
	return set, stats, nil
}

func (f *fakeEntities) Resolve(_ context.Context, id, handle string) (*types.ExternalEntity, error) {
	if e, ok := f.known[id]; ok {
		return &e, nil
	}
	for _, e := range f.known {
		if handle != "" && e.Handle == handle {
			e := e
			return &e, nil
		}
	}
	return nil, entity.ErrEntityNotFound
}

func (f *fakeEntities) Create(_ context.Context, p *types.Profile) (*types.ExternalEntity, error) {
	e := types.ExternalEntity{ExternalID: p.ExternalID, Handle: p.Handle, Profile: p}
	f.known[p.ExternalID] = e
	return &e, nil
}

func (f *fakeEntities) Refresh(_ context.Context, p *types.Profile) error {
	f.refreshed = append(f.refreshed, p.ExternalID)
	return nil
}

type fakeEdgeLog struct {
	connected map[string]map[string]struct{}
	appended  []types.EdgeChange
	appendErr error
	stats     types.AppendStats
}

func newFakeEdgeLog() *fakeEdgeLog {
	return &fakeEdgeLog{connected: map[string]map[string]struct{}{}}
}

func (f *fakeEdgeLog) connect(from string, to ...string) {
	if f.connected[from] == nil {
		f.connected[from] = map[string]struct{}{}
	}
	for _, id := range to {
		f.connected[from][id] = struct{}{}
	}
}

func (f *fakeEdgeLog) CurrentConnected(_ context.Context, id string, _ *time.Time) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for peer := range f.connected[id] {
		out[peer] = struct{}{}
	}
	return out, nil
}

func (f *fakeEdgeLog) Append(_ context.Context, changes []types.EdgeChange) (types.AppendStats, error) {
	if f.appendErr != nil {
		return f.stats, f.appendErr
	}
	for _, c := range changes {
		f.appended = append(f.appended, c)
		if c.Status == types.StatusConnected {
			f.connect(c.FromID, c.ToID)
		} else {
			delete(f.connected[c.FromID], c.ToID)
		}
	}
	return types.AppendStats{Appended: len(changes)}, nil
}

type fakeLikesAccounts struct {
	due         *types.WatchedAccount
	cutoffs     []time.Time
	liked       map[string]time.Time
	unscrapable []string
}

func (f *fakeLikesAccounts) NextLikesCandidate(_ context.Context, cutoff time.Time) (*types.WatchedAccount, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.due == nil {
		return nil, nil
	}
	if at, ok := f.liked[f.due.ExternalID]; ok && !at.Before(cutoff) {
		return nil, nil
	}
	acc := *f.due
	return &acc, nil
}

func (f *fakeLikesAccounts) MarkLikesScraped(_ context.Context, id string, at time.Time) error {
	if f.liked == nil {
		f.liked = map[string]time.Time{}
	}
	f.liked[id] = at
	return nil
}

func (f *fakeLikesAccounts) MarkUnscrapable(_ context.Context, id string) error {
	f.unscrapable = append(f.unscrapable, id)
	return nil
}

type fakeLikesSource struct {
	likes     map[string][]string
	rateLimit types.RateLimit
	err       error
	calls     int
}

func (f *fakeLikesSource) FetchLikes(_ context.Context, id string) (*source.LikesResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := &source.LikesResult{RateLimit: f.rateLimit}
	for _, post := range f.likes[id] {
		res.Posts = append(res.Posts, types.Post{ExternalID: post, Text: "post " + post})
	}
	return res, nil
}

type fakePosts struct {
	stored map[string]types.Post
	err    error
}

func (f *fakePosts) UpsertPosts(_ context.Context, posts []types.Post) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.stored == nil {
		f.stored = map[string]types.Post{}
	}
	created := 0
	for _, p := range posts {
		if _, ok := f.stored[p.ExternalID]; !ok {
			created++
		}
		f.stored[p.ExternalID] = p
	}
	return created, nil
}

type fakeCycler struct {
	id    string
	mu    sync.Mutex
	calls int
	err   error
	ran   chan struct{}

	// delay keeps the cycle running regardless of ctx.
	delay    time.Duration
	finished bool
}

func (f *fakeCycler) ID() string { return f.id }

func (f *fakeCycler) RunCycle(context.Context) (*CycleResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
		f.mu.Lock()
		f.finished = true
		f.mu.Unlock()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &CycleResult{ScraperID: f.id, State: StateDone}, nil
}

func (f *fakeCycler) Finished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func (f *fakeCycler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLock struct {
	busy bool
}

func (f *fakeLock) WithLock(_ context.Context, _ int, fn func() error) error {
	if f.busy {
		return lock.ErrLockHeld
	}
	return fn()
}

func testLogger() *logger.Logger {
	return logger.NewNop()
}
