package types

import (
	"strings"
	"time"
)

// WatchedAccount is an entity whose outgoing edges are scraped repeatedly.
type WatchedAccount struct {
	ExternalID           string
	Handle               string
	Marked               bool
	Scrapable            bool
	Weight               *float64
	LastFullScrapedAt    *time.Time
	LastPartialScrapedAt *time.Time
	ProfileScrapedAt     *time.Time
	LikesScrapedAt       *time.Time
	LastKnownEdgeCount   int
	EdgeCountDrift       int
}

// LastScrapedAt returns the scrape timestamp relevant to mode.
func (a *WatchedAccount) LastScrapedAt(mode RefreshMode) *time.Time {
	if mode == ModeFull {
		return a.LastFullScrapedAt
	}
	return a.LastPartialScrapedAt
}

// ExternalEntity is an account discovered on the remote network, usually as an
// edge endpoint.
type ExternalEntity struct {
	ExternalID  string
	Handle      string
	DisplayName string
	Profile     *Profile
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Profile is the account data returned by the remote network.
type Profile struct {
	ExternalID       string         `json:"id" yaml:"id"`
	Handle           string         `json:"username" yaml:"handle"`
	DisplayName      string         `json:"name" yaml:"name"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	Location         string         `json:"location,omitempty" yaml:"location,omitempty"`
	URL              string         `json:"url,omitempty" yaml:"url,omitempty"`
	ProfileImageURL  string         `json:"profile_image_url,omitempty" yaml:"profile_image_url,omitempty"`
	Verified         bool           `json:"verified,omitempty" yaml:"verified,omitempty"`
	Protected        bool           `json:"protected,omitempty" yaml:"protected,omitempty"`
	AccountCreatedAt *time.Time     `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Metrics          *PublicMetrics `json:"public_metrics,omitempty" yaml:"public_metrics,omitempty"`
}

// PublicMetrics are the counters the remote network publishes for an account.
type PublicMetrics struct {
	FollowersCount int `json:"followers_count" yaml:"followers"`
	FollowingCount int `json:"following_count" yaml:"following"`
	TweetCount     int `json:"tweet_count" yaml:"tweets"`
	ListedCount    int `json:"listed_count" yaml:"listed"`
}

// NormalizeHandle strips surrounding whitespace and a leading "@".
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// Post is a piece of content published on the remote network, as returned in
// an account's likes listing.
type Post struct {
	ExternalID     string       `json:"id" yaml:"id"`
	AuthorID       string       `json:"author_id,omitempty" yaml:"author_id,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	Text           string       `json:"text" yaml:"text"`
	Lang           string       `json:"lang,omitempty" yaml:"lang,omitempty"`
	PostedAt       *time.Time   `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Metrics        *PostMetrics `json:"public_metrics,omitempty" yaml:"public_metrics,omitempty"`
}

// PostMetrics are the engagement counters of a post.
type PostMetrics struct {
	RepostCount int `json:"retweet_count" yaml:"reposts"`
	ReplyCount  int `json:"reply_count" yaml:"replies"`
	LikeCount   int `json:"like_count" yaml:"likes"`
	QuoteCount  int `json:"quote_count" yaml:"quotes"`
}

// ResolveStats summarizes how many fetched entities were created or refreshed.
type ResolveStats struct {
	Created   int
	Refreshed int
}
