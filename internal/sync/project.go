package sync

import "github.com/MarcoPoloResearchLab/estuary/internal/feed"

// The projector maps classified rows onto the event union, one event per row,
// each stamped with the row's own effective mutation time. It holds no state:
// identical inputs produce identical output. Each entity type is projected
// independently; a transport needing one merged stream performs the stable
// cross-type merge afterwards.

func projectEntries(rows []entryChangeRow, sinceMicros int64) []Event {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		at := FormatCursor(row.EffectiveAtMicros)
		switch classifyEntry(row, sinceMicros) {
		case classificationCreated:
			events = append(events, EntryCreated{At: at, Entry: EntryProjection{
				ID:                row.ID,
				FeedID:            row.FeedID,
				Title:             row.Title,
				Author:            row.Author,
				Summary:           row.Summary,
				URL:               row.URL,
				PublishedAtMicros: row.PublishedAtMicros,
				Read:              row.Read,
				Starred:           row.Starred,
			}})
		case classificationUpdatedStateOnly:
			events = append(events, EntryStateChanged{At: at, State: EntryStateChange{
				ID:      row.ID,
				Read:    row.Read,
				Starred: row.Starred,
			}})
		default:
			events = append(events, EntryUpdated{At: at, Entry: EntryMetadata{
				ID:                row.ID,
				Title:             row.Title,
				Author:            row.Author,
				Summary:           row.Summary,
				URL:               row.URL,
				PublishedAtMicros: row.PublishedAtMicros,
			}})
		}
	}
	return events
}

func projectSubscriptions(rows []subscriptionChangeRow, sinceMicros int64) []Event {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		at := FormatCursor(row.Subscription.UpdatedAtMicros)
		switch classifySubscription(row.Subscription, sinceMicros) {
		case classificationRemoved:
			events = append(events, SubscriptionDeleted{At: at, ID: row.Subscription.ID})
		case classificationCreated:
			events = append(events, SubscriptionCreated{At: at, Subscription: SubscriptionProjection{
				ID: row.Subscription.ID,
				Feed: FeedProjection{
					ID:      row.Feed.ID,
					URL:     row.Feed.URL,
					Title:   row.Feed.Title,
					SiteURL: row.Feed.SiteURL,
				},
				CustomTitle: row.Subscription.CustomTitle,
				TagIDs:      row.TagIDs,
				UnreadCount: row.UnreadCount,
			}})
		default:
			events = append(events, SubscriptionUpdated{At: at, Update: SubscriptionUpdate{
				ID:          row.Subscription.ID,
				CustomTitle: row.Subscription.CustomTitle,
				TagIDs:      row.TagIDs,
			}})
		}
	}
	return events
}

func projectTags(tags []feed.Tag, sinceMicros int64) []Event {
	events := make([]Event, 0, len(tags))
	for _, tag := range tags {
		at := FormatCursor(tag.UpdatedAtMicros)
		switch classifyTag(tag, sinceMicros) {
		case classificationRemoved:
			events = append(events, TagDeleted{At: at, ID: tag.ID})
		case classificationCreated:
			events = append(events, TagCreated{At: at, Tag: TagProjection{
				ID:    tag.ID,
				Name:  tag.Name,
				Color: tag.Color,
			}})
		default:
			events = append(events, TagUpdated{At: at, Tag: TagProjection{
				ID:    tag.ID,
				Name:  tag.Name,
				Color: tag.Color,
			}})
		}
	}
	return events
}

// MergeEvents performs a stable merge of per-type event lists, each already
// ascending by timestamp, into a single ascending stream. Equal timestamps
// keep list order, so the merged output is deterministic.
func MergeEvents(lists ...[]Event) []Event {
	total := 0
	for _, list := range lists {
		total += len(list)
	}
	merged := make([]Event, 0, total)
	indexes := make([]int, len(lists))
	for len(merged) < total {
		best := -1
		for listIndex, list := range lists {
			if indexes[listIndex] >= len(list) {
				continue
			}
			if best == -1 {
				best = listIndex
				continue
			}
			candidate := list[indexes[listIndex]].OccurredAt()
			current := lists[best][indexes[best]].OccurredAt()
			if candidate < current {
				best = listIndex
			}
		}
		merged = append(merged, lists[best][indexes[best]])
		indexes[best]++
	}
	return merged
}
