// Package source defines the client interface to the remote social network
// and the errors it reports.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/dbsmedya/edgewatch/internal/types"
)

// ErrNotFound is returned when the requested account does not exist remotely
// (deleted, suspended, or never existed).
var ErrNotFound = errors.New("account not found")

// FetchResult is one edge listing together with the budget descriptor of the
// last response that produced it.
type FetchResult struct {
	Edges     []types.Profile
	RateLimit types.RateLimit
}

// Source is the remote network client.
type Source interface {
	// FetchEdges lists the accounts that accountID follows. In partial mode
	// the listing may stop after the first page.
	FetchEdges(ctx context.Context, accountID string, mode types.RefreshMode) (*FetchResult, error)

	// FetchProfile loads one account by external id, or by handle when
	// idOrHandle starts with "@".
	FetchProfile(ctx context.Context, idOrHandle string) (*types.Profile, error)
}

// MaxLikesPerFetch caps one likes listing.
const MaxLikesPerFetch = 100

// LikesResult is the most recent posts an account liked, newest first.
type LikesResult struct {
	Posts     []types.Post
	RateLimit types.RateLimit
}

// LikesSource is implemented by clients that can list liked posts.
type LikesSource interface {
	// FetchLikes lists up to MaxLikesPerFetch posts accountID liked most recently.
	FetchLikes(ctx context.Context, accountID string) (*LikesResult, error)
}

// RateLimitedError reports that the budget is exhausted.
type RateLimitedError struct {
	RateLimit types.RateLimit
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: limit=%d remaining=%d reset_epoch=%d",
		e.RateLimit.Limit, e.RateLimit.Remaining, e.RateLimit.ResetEpoch)
}

// RequestError is a failure to reach the API (network, timeout, TLS).
type RequestError struct {
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	return "request failed: " + e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ResponseError is an error response returned by the API.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return "api error: " + e.Message
}

// IsTransient reports whether err is a request or response error, which
// aborts the current cycle but not the next one.
func IsTransient(err error) (string, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Message, true
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.Message, true
	}
	return "", false
}
