package reconcile

import (
	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
)

// GlobalCounter names one of the small set of global aggregates.
type GlobalCounter string

const (
	GlobalAll     GlobalCounter = "all"
	GlobalStarred GlobalCounter = "starred"
	GlobalSaved   GlobalCounter = "saved"
)

// SubscriptionAggregate is the cached sidebar state for one subscription.
type SubscriptionAggregate struct {
	FeedID      string
	Title       string
	TagIDs      []string
	UnreadCount int64
}

// TagAggregate is the cached sidebar state for one tag.
type TagAggregate struct {
	Name        string
	Color       string
	UnreadCount int64
}

// entryMemo records the last state applied for one entry so that replaying
// the same event, or an older one, never double-counts.
type entryMemo struct {
	feedID  string
	read    bool
	starred bool
	at      sync.Cursor
}

// CacheState is the client-side aggregate cache. Counters are derived
// exclusively from event deltas and clamped at zero; they are re-summed only
// by an explicit full refetch (PrimeSubscriptions / PrimeTags). The fallback
// map holds subscriptions seen via events before any list cache paged them
// in; it exists solely so tag deltas can be attributed, is populated on
// subscription_created, and is purged on subscription_deleted.
type CacheState struct {
	subscriptions map[string]*SubscriptionAggregate
	fallback      map[string]*SubscriptionAggregate
	tags          map[string]*TagAggregate
	uncategorized int64
	globals       map[GlobalCounter]int64
	entries       map[string]*entryMemo
	feedIndex     map[string]string
}

// NewCacheState constructs an empty cache.
func NewCacheState() *CacheState {
	return &CacheState{
		subscriptions: make(map[string]*SubscriptionAggregate),
		fallback:      make(map[string]*SubscriptionAggregate),
		tags:          make(map[string]*TagAggregate),
		globals: map[GlobalCounter]int64{
			GlobalAll:     0,
			GlobalStarred: 0,
			GlobalSaved:   0,
		},
		entries:   make(map[string]*entryMemo),
		feedIndex: make(map[string]string),
	}
}

// Global returns one global counter.
func (c *CacheState) Global(counter GlobalCounter) int64 {
	return c.globals[counter]
}

// SubscriptionUnread returns the cached unread count for a subscription,
// whichever map holds it.
func (c *CacheState) SubscriptionUnread(subscriptionID string) (int64, bool) {
	if aggregate, ok := c.subscriptions[subscriptionID]; ok {
		return aggregate.UnreadCount, true
	}
	if aggregate, ok := c.fallback[subscriptionID]; ok {
		return aggregate.UnreadCount, true
	}
	return 0, false
}

// TagUnread returns the cached unread count for a tag.
func (c *CacheState) TagUnread(tagID string) (int64, bool) {
	aggregate, ok := c.tags[tagID]
	if !ok {
		return 0, false
	}
	return aggregate.UnreadCount, true
}

// Uncategorized returns the unread count attributed to subscriptions with no
// tags.
func (c *CacheState) Uncategorized() int64 {
	return c.uncategorized
}

// SubscriptionSnapshot is one row of a full list refetch.
type SubscriptionSnapshot struct {
	ID          string
	FeedID      string
	Title       string
	TagIDs      []string
	UnreadCount int64
}

// TagSnapshot is one row of a full tag list refetch.
type TagSnapshot struct {
	ID    string
	Name  string
	Color string
}

// PrimeSubscriptions replaces the subscription list cache from a full
// refetch. This is the one place counters are re-summed; it is also how
// drift tolerated by the no-guessed-delta rule heals.
func (c *CacheState) PrimeSubscriptions(snapshots []SubscriptionSnapshot) {
	c.subscriptions = make(map[string]*SubscriptionAggregate, len(snapshots))
	c.feedIndex = make(map[string]string, len(snapshots))
	c.uncategorized = 0
	var totalUnread int64
	for _, tag := range c.tags {
		tag.UnreadCount = 0
	}
	for _, snapshot := range snapshots {
		aggregate := &SubscriptionAggregate{
			FeedID:      snapshot.FeedID,
			Title:       snapshot.Title,
			TagIDs:      append([]string(nil), snapshot.TagIDs...),
			UnreadCount: snapshot.UnreadCount,
		}
		c.subscriptions[snapshot.ID] = aggregate
		c.feedIndex[snapshot.FeedID] = snapshot.ID
		delete(c.fallback, snapshot.ID)
		totalUnread += snapshot.UnreadCount
		c.addContribution(aggregate, snapshot.UnreadCount)
	}
	c.globals[GlobalAll] = totalUnread
}

// PrimeTags replaces tag identities from a full refetch, preserving counts
// already attributed.
func (c *CacheState) PrimeTags(snapshots []TagSnapshot) {
	known := make(map[string]bool, len(snapshots))
	for _, snapshot := range snapshots {
		known[snapshot.ID] = true
		if aggregate, ok := c.tags[snapshot.ID]; ok {
			aggregate.Name = snapshot.Name
			aggregate.Color = snapshot.Color
			continue
		}
		c.tags[snapshot.ID] = &TagAggregate{Name: snapshot.Name, Color: snapshot.Color}
	}
	for tagID := range c.tags {
		if !known[tagID] {
			delete(c.tags, tagID)
		}
	}
}

// SetGlobal overwrites one global counter from an authoritative refetch.
func (c *CacheState) SetGlobal(counter GlobalCounter, value int64) {
	if value < 0 {
		value = 0
	}
	c.globals[counter] = value
}

func (c *CacheState) lookupSubscription(subscriptionID string) (*SubscriptionAggregate, bool) {
	if aggregate, ok := c.subscriptions[subscriptionID]; ok {
		return aggregate, true
	}
	if aggregate, ok := c.fallback[subscriptionID]; ok {
		return aggregate, true
	}
	return nil, false
}

func (c *CacheState) subscriptionForFeed(feedID string) (*SubscriptionAggregate, bool) {
	if feedID == "" {
		return nil, false
	}
	if subscriptionID, ok := c.feedIndex[feedID]; ok {
		return c.lookupSubscription(subscriptionID)
	}
	return nil, false
}

// addContribution attributes a subscription's unread delta to its tag
// counters, or to the uncategorized bucket when it carries no tags.
func (c *CacheState) addContribution(aggregate *SubscriptionAggregate, delta int64) {
	if delta == 0 {
		return
	}
	if len(aggregate.TagIDs) == 0 {
		c.uncategorized = clamp(c.uncategorized + delta)
		return
	}
	for _, tagID := range aggregate.TagIDs {
		tag, ok := c.tags[tagID]
		if !ok {
			tag = &TagAggregate{}
			c.tags[tagID] = tag
		}
		tag.UnreadCount = clamp(tag.UnreadCount + delta)
	}
}

func clamp(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}

func (c *CacheState) addGlobal(counter GlobalCounter, delta int64) {
	c.globals[counter] = clamp(c.globals[counter] + delta)
}
