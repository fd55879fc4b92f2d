package feed

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("feed: invalid user id")
	// ErrInvalidFeedURL indicates that a feed URL is empty or exceeds storage bounds.
	ErrInvalidFeedURL = errors.New("feed: invalid feed url")
	// ErrInvalidTagName indicates that a tag name is empty or exceeds storage bounds.
	ErrInvalidTagName = errors.New("feed: invalid tag name")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Micros converts a wall-clock instant to the microsecond column encoding.
func Micros(instant time.Time) int64 {
	return instant.UTC().UnixMicro()
}

// Feed models a syndication source shared across subscribers.
type Feed struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	URL              string `gorm:"column:url;size:2048;not null;uniqueIndex:idx_feeds_url"`
	Title            string `gorm:"column:title;size:512;not null"`
	SiteURL          string `gorm:"column:site_url;size:2048;not null;default:''"`
	CheckedAtMicros  int64  `gorm:"column:checked_at_us;not null;default:0"`
	CreatedAtMicros  int64  `gorm:"column:created_at_us;not null"`
	UpdatedAtMicros  int64  `gorm:"column:updated_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Feed) TableName() string {
	return "feeds"
}

// Subscription links a user to a feed, with user-local presentation state.
type Subscription struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_subscriptions_user_updated,priority:1"`
	FeedID          string `gorm:"column:feed_id;size:190;not null;index"`
	CustomTitle     string `gorm:"column:custom_title;size:512;not null;default:''"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null;index:idx_subscriptions_user_updated,priority:2"`
	DeletedAtMicros int64  `gorm:"column:deleted_at_us;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Subscription) TableName() string {
	return "subscriptions"
}

// Deleted reports whether the subscription has been soft-deleted.
func (s Subscription) Deleted() bool {
	return s.DeletedAtMicros > 0
}

// Entry models one article within a feed. Entries are shared across users;
// per-user read/starred state lives in EntryState.
type Entry struct {
	ID                string `gorm:"column:id;primaryKey;size:190;not null"`
	FeedID            string `gorm:"column:feed_id;size:190;not null;index:idx_entries_feed_published,priority:1"`
	GUID              string `gorm:"column:guid;size:1024;not null"`
	Title             string `gorm:"column:title;size:1024;not null"`
	Author            string `gorm:"column:author;size:512;not null;default:''"`
	Summary           string `gorm:"column:summary;type:text;not null;default:''"`
	URL               string `gorm:"column:url;size:2048;not null;default:''"`
	PublishedAtMicros int64  `gorm:"column:published_at_us;not null;index:idx_entries_feed_published,priority:2"`
	CreatedAtMicros   int64  `gorm:"column:created_at_us;not null"`
	UpdatedAtMicros   int64  `gorm:"column:updated_at_us;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "entries"
}

// EntryState carries one user's read/starred flags for one entry.
type EntryState struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	EntryID         string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	Read            bool   `gorm:"column:read;not null;default:false"`
	Starred         bool   `gorm:"column:starred;not null;default:false"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (EntryState) TableName() string {
	return "entry_states"
}

// Tag is a user-owned label attachable to subscriptions.
type Tag struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_tags_user_updated,priority:1"`
	Name            string `gorm:"column:name;size:190;not null"`
	Color           string `gorm:"column:color;size:32;not null;default:''"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
	UpdatedAtMicros int64  `gorm:"column:updated_at_us;not null;index:idx_tags_user_updated,priority:2"`
	DeletedAtMicros int64  `gorm:"column:deleted_at_us;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}

// Deleted reports whether the tag has been soft-deleted.
func (t Tag) Deleted() bool {
	return t.DeletedAtMicros > 0
}

// TagAssignment attaches a tag to a subscription.
type TagAssignment struct {
	SubscriptionID string `gorm:"column:subscription_id;primaryKey;size:190;not null"`
	TagID          string `gorm:"column:tag_id;primaryKey;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (TagAssignment) TableName() string {
	return "subscription_tags"
}
