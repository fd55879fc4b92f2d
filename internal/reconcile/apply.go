package reconcile

import (
	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
)

// Apply folds one sync event into the cached aggregates. It is idempotent
// for every event kind: membership events upsert by id, and count-delta
// events are guarded by a per-entry memo of the last applied state, so
// replaying an event (or receiving it over both push and pull) never
// double-counts. Events referencing entities the cache has not paged in are
// tolerated: the global counters stay correct and the per-subscription and
// per-tag counters stay stale until the next list refetch.
func (c *CacheState) Apply(event sync.Event) {
	switch typed := event.(type) {
	case sync.EntryCreated:
		c.applyEntryCreated(typed)
	case sync.EntryUpdated:
		// Metadata only; no aggregate is derived from entry metadata.
	case sync.EntryStateChanged:
		c.applyEntryStateChanged(typed)
	case sync.SubscriptionCreated:
		c.applySubscriptionCreated(typed)
	case sync.SubscriptionUpdated:
		c.applySubscriptionUpdated(typed)
	case sync.SubscriptionDeleted:
		c.applySubscriptionDeleted(typed)
	case sync.TagCreated:
		c.applyTagUpsert(typed.Tag)
	case sync.TagUpdated:
		c.applyTagUpsert(typed.Tag)
	case sync.TagDeleted:
		c.applyTagDeleted(typed)
	}
}

// ApplyAll folds an ordered batch of events.
func (c *CacheState) ApplyAll(events []sync.Event) {
	for _, event := range events {
		c.Apply(event)
	}
}

func (c *CacheState) applyEntryCreated(event sync.EntryCreated) {
	memo, exists := c.entries[event.Entry.ID]
	if exists && memo.at >= event.At {
		return
	}

	var previousUnread, previousStarred int64
	if exists {
		previousUnread = boolCount(!memo.read)
		previousStarred = boolCount(memo.starred)
	}
	unreadDelta := boolCount(!event.Entry.Read) - previousUnread
	starredDelta := boolCount(event.Entry.Starred) - previousStarred

	c.addGlobal(GlobalAll, unreadDelta)
	c.addGlobal(GlobalStarred, starredDelta)
	if aggregate, ok := c.subscriptionForFeed(event.Entry.FeedID); ok {
		aggregate.UnreadCount = clamp(aggregate.UnreadCount + unreadDelta)
		c.addContribution(aggregate, unreadDelta)
	}

	c.entries[event.Entry.ID] = &entryMemo{
		feedID:  event.Entry.FeedID,
		read:    event.Entry.Read,
		starred: event.Entry.Starred,
		at:      event.At,
	}
}

func (c *CacheState) applyEntryStateChanged(event sync.EntryStateChanged) {
	memo, exists := c.entries[event.State.ID]
	if exists && memo.at >= event.At {
		return
	}

	var previousRead, previousStarred bool
	previousKnown := false
	feedID := ""
	switch {
	case exists:
		previousRead = memo.read
		previousStarred = memo.starred
		previousKnown = true
		feedID = memo.feedID
	case event.State.PreviousRead != nil && event.State.PreviousStarred != nil:
		previousRead = *event.State.PreviousRead
		previousStarred = *event.State.PreviousStarred
		previousKnown = true
	}

	if previousKnown {
		unreadDelta := boolCount(!event.State.Read) - boolCount(!previousRead)
		starredDelta := boolCount(event.State.Starred) - boolCount(previousStarred)
		c.addGlobal(GlobalAll, unreadDelta)
		c.addGlobal(GlobalStarred, starredDelta)
		if aggregate, ok := c.subscriptionForFeed(feedID); ok {
			aggregate.UnreadCount = clamp(aggregate.UnreadCount + unreadDelta)
			c.addContribution(aggregate, unreadDelta)
		}
	}
	// With no observable previous state a delta would be a guess, and a
	// guessed delta drifts permanently. Skip it; the next list refetch
	// recounts.

	c.entries[event.State.ID] = &entryMemo{
		feedID:  feedID,
		read:    event.State.Read,
		starred: event.State.Starred,
		at:      event.At,
	}
}

func (c *CacheState) applySubscriptionCreated(event sync.SubscriptionCreated) {
	projection := event.Subscription
	if existing, ok := c.lookupSubscription(projection.ID); ok {
		c.addContribution(existing, -existing.UnreadCount)
		c.addGlobal(GlobalAll, -existing.UnreadCount)
	}

	aggregate := &SubscriptionAggregate{
		FeedID:      projection.Feed.ID,
		Title:       subscriptionTitle(projection),
		TagIDs:      append([]string(nil), projection.TagIDs...),
		UnreadCount: projection.UnreadCount,
	}
	if _, inListCache := c.subscriptions[projection.ID]; inListCache {
		c.subscriptions[projection.ID] = aggregate
	} else {
		c.fallback[projection.ID] = aggregate
	}
	c.feedIndex[projection.Feed.ID] = projection.ID
	c.addContribution(aggregate, projection.UnreadCount)
	c.addGlobal(GlobalAll, projection.UnreadCount)
}

func (c *CacheState) applySubscriptionUpdated(event sync.SubscriptionUpdated) {
	aggregate, ok := c.lookupSubscription(event.Update.ID)
	if !ok {
		// Not paged in; the next refetch of the subscription list picks
		// up the change.
		return
	}
	c.addContribution(aggregate, -aggregate.UnreadCount)
	aggregate.TagIDs = append([]string(nil), event.Update.TagIDs...)
	if event.Update.CustomTitle != "" {
		aggregate.Title = event.Update.CustomTitle
	}
	c.addContribution(aggregate, aggregate.UnreadCount)
}

func (c *CacheState) applySubscriptionDeleted(event sync.SubscriptionDeleted) {
	aggregate, ok := c.lookupSubscription(event.ID)
	if !ok {
		return
	}
	c.addContribution(aggregate, -aggregate.UnreadCount)
	c.addGlobal(GlobalAll, -aggregate.UnreadCount)
	delete(c.subscriptions, event.ID)
	delete(c.fallback, event.ID)
	if aggregate.FeedID != "" {
		delete(c.feedIndex, aggregate.FeedID)
	}
}

func (c *CacheState) applyTagUpsert(projection sync.TagProjection) {
	if aggregate, ok := c.tags[projection.ID]; ok {
		aggregate.Name = projection.Name
		aggregate.Color = projection.Color
		return
	}
	c.tags[projection.ID] = &TagAggregate{Name: projection.Name, Color: projection.Color}
}

func (c *CacheState) applyTagDeleted(event sync.TagDeleted) {
	delete(c.tags, event.ID)
	for _, aggregates := range []map[string]*SubscriptionAggregate{c.subscriptions, c.fallback} {
		for _, aggregate := range aggregates {
			remaining := aggregate.TagIDs[:0]
			removed := false
			for _, tagID := range aggregate.TagIDs {
				if tagID == event.ID {
					removed = true
					continue
				}
				remaining = append(remaining, tagID)
			}
			aggregate.TagIDs = remaining
			if removed && len(aggregate.TagIDs) == 0 {
				c.uncategorized = clamp(c.uncategorized + aggregate.UnreadCount)
			}
		}
	}
}

func subscriptionTitle(projection sync.SubscriptionProjection) string {
	if projection.CustomTitle != "" {
		return projection.CustomTitle
	}
	return projection.Feed.Title
}

func boolCount(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
