package sync

import (
	"context"

	"github.com/MarcoPoloResearchLab/estuary/internal/feed"
)

// entryChangeRow is the transient envelope for one changed entry, combining
// the shared entry columns with the requesting user's state columns. The
// effective timestamp is the greater of the two mutation times; either side
// can change independently and both must advance the same cursor.
type entryChangeRow struct {
	ID                   string `gorm:"column:id"`
	FeedID               string `gorm:"column:feed_id"`
	Title                string `gorm:"column:title"`
	Author               string `gorm:"column:author"`
	Summary              string `gorm:"column:summary"`
	URL                  string `gorm:"column:url"`
	PublishedAtMicros    int64  `gorm:"column:published_at_us"`
	CreatedAtMicros      int64  `gorm:"column:created_at_us"`
	UpdatedAtMicros      int64  `gorm:"column:updated_at_us"`
	StateUpdatedAtMicros int64  `gorm:"column:state_updated_at_us"`
	EffectiveAtMicros    int64  `gorm:"column:effective_at_us"`
	Read                 bool   `gorm:"column:read"`
	Starred              bool   `gorm:"column:starred"`
}

// subscriptionChangeRow is the transient envelope for one changed
// subscription, widened with the context a brand-new consumer cache needs.
type subscriptionChangeRow struct {
	Subscription feed.Subscription
	Feed         feed.Feed
	TagIDs       []string
	UnreadCount  int64
}

const entryChangeQuery = `
SELECT e.id, e.feed_id, e.title, e.author, e.summary, e.url,
       e.published_at_us, e.created_at_us, e.updated_at_us,
       COALESCE(st.updated_at_us, 0) AS state_updated_at_us,
       MAX(e.updated_at_us, COALESCE(st.updated_at_us, 0)) AS effective_at_us,
       COALESCE(st.read, 0) AS read,
       COALESCE(st.starred, 0) AS starred
FROM entries e
LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?
WHERE (EXISTS (
           SELECT 1 FROM subscriptions sub
           WHERE sub.user_id = ? AND sub.feed_id = e.feed_id AND sub.deleted_at_us = 0)
       OR COALESCE(st.starred, 0) = 1)
  AND MAX(e.updated_at_us, COALESCE(st.updated_at_us, 0)) > ?
ORDER BY effective_at_us ASC
LIMIT ?`

const entrySnapshotQuery = `
SELECT e.id, e.feed_id, e.title, e.author, e.summary, e.url,
       e.published_at_us, e.created_at_us, e.updated_at_us,
       COALESCE(st.updated_at_us, 0) AS state_updated_at_us,
       MAX(e.updated_at_us, COALESCE(st.updated_at_us, 0)) AS effective_at_us,
       COALESCE(st.read, 0) AS read,
       COALESCE(st.starred, 0) AS starred
FROM entries e
LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?
WHERE (EXISTS (
           SELECT 1 FROM subscriptions sub
           WHERE sub.user_id = ? AND sub.feed_id = e.feed_id AND sub.deleted_at_us = 0)
       OR COALESCE(st.starred, 0) = 1)
ORDER BY e.published_at_us DESC
LIMIT ?`

const unreadCountQuery = `
SELECT COUNT(*) FROM entries e
LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?
WHERE e.feed_id = ? AND COALESCE(st.read, 0) = 0`

// storeNow reads the current instant from the store itself, keeping readers
// and any out-of-process writers on the store's shared timeline.
func (s *Service) storeNow(ctx context.Context) (int64, error) {
	var micros int64
	err := s.db.WithContext(ctx).
		Raw(`SELECT CAST((julianday('now') - 2440587.5) * 86400000000.0 AS INTEGER)`).
		Scan(&micros).Error
	if err != nil {
		return 0, err
	}
	return micros, nil
}

// bootstrapNow fixes the instant a fresh cursor is pinned to. SQLite reports
// its clock at millisecond grain while the writing services stamp rows at
// microsecond grain, so the store reading alone can trail rows that already
// exist and a cursor pinned to it would re-deliver them. Taking the later of
// the store reading and the service clock keeps the pinned cursor at or above
// every stamp already written.
func (s *Service) bootstrapNow(ctx context.Context) (int64, error) {
	storeMicros, err := s.storeNow(ctx)
	if err != nil {
		return 0, err
	}
	if clockMicros := s.clock().UnixMicro(); clockMicros > storeMicros {
		return clockMicros, nil
	}
	return storeMicros, nil
}

// enumerateEntries returns visible entries whose effective mutation time is
// strictly after sinceMicros, oldest first, capped at maxBatch. One extra row
// is fetched and discarded to detect continuation without a count query. The
// returned cursor is the last returned row's effective timestamp so that the
// next page resumes with a strict > comparison; when nothing is returned the
// prior cursor stands.
func (s *Service) enumerateEntries(ctx context.Context, userID string, sinceMicros int64, maxBatch int) ([]entryChangeRow, bool, int64, error) {
	var rows []entryChangeRow
	err := s.db.WithContext(ctx).
		Raw(entryChangeQuery, userID, userID, sinceMicros, maxBatch+1).
		Scan(&rows).Error
	if err != nil {
		return nil, false, 0, err
	}
	hasMore := len(rows) > maxBatch
	if hasMore {
		rows = rows[:maxBatch]
	}
	newCursor := sinceMicros
	if len(rows) > 0 {
		newCursor = rows[len(rows)-1].EffectiveAtMicros
	}
	return rows, hasMore, newCursor, nil
}

// snapshotEntries serves the very first sync: a recency-bounded snapshot in
// display order. The caller pairs it with the store-now cursor, not the max
// timestamp among returned rows — display order and mutation order disagree,
// and an old row excluded from the top-N but carrying a high mutation time
// would otherwise slip past every later lookup.
func (s *Service) snapshotEntries(ctx context.Context, userID string, maxBatch int) ([]entryChangeRow, bool, error) {
	var rows []entryChangeRow
	err := s.db.WithContext(ctx).
		Raw(entrySnapshotQuery, userID, userID, maxBatch+1).
		Scan(&rows).Error
	if err != nil {
		return nil, false, err
	}
	hasMore := len(rows) > maxBatch
	if hasMore {
		rows = rows[:maxBatch]
	}
	return rows, hasMore, nil
}

// enumerateSubscriptions pages the user's subscriptions changed after
// sinceMicros and widens each row with its feed, tag ids, and unread count so
// projection stays a pure function of the rows.
func (s *Service) enumerateSubscriptions(ctx context.Context, userID string, sinceMicros int64, maxBatch int) ([]subscriptionChangeRow, bool, int64, error) {
	var subscriptions []feed.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND updated_at_us > ?", userID, sinceMicros).
		Order("updated_at_us ASC").
		Limit(maxBatch + 1).
		Find(&subscriptions).Error
	if err != nil {
		return nil, false, 0, err
	}
	hasMore := len(subscriptions) > maxBatch
	if hasMore {
		subscriptions = subscriptions[:maxBatch]
	}
	rows, err := s.widenSubscriptions(ctx, userID, subscriptions)
	if err != nil {
		return nil, false, 0, err
	}
	newCursor := sinceMicros
	if len(subscriptions) > 0 {
		newCursor = subscriptions[len(subscriptions)-1].UpdatedAtMicros
	}
	return rows, hasMore, newCursor, nil
}

// snapshotSubscriptions returns every live subscription for the first sync.
func (s *Service) snapshotSubscriptions(ctx context.Context, userID string) ([]subscriptionChangeRow, error) {
	var subscriptions []feed.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at_us = 0", userID).
		Order("updated_at_us ASC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return s.widenSubscriptions(ctx, userID, subscriptions)
}

func (s *Service) widenSubscriptions(ctx context.Context, userID string, subscriptions []feed.Subscription) ([]subscriptionChangeRow, error) {
	rows := make([]subscriptionChangeRow, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		row := subscriptionChangeRow{Subscription: subscription, TagIDs: []string{}}
		if !subscription.Deleted() {
			if err := s.db.WithContext(ctx).
				Where("id = ?", subscription.FeedID).
				Take(&row.Feed).Error; err != nil {
				return nil, err
			}
			var assignments []feed.TagAssignment
			if err := s.db.WithContext(ctx).
				Where("subscription_id = ?", subscription.ID).
				Order("tag_id ASC").
				Find(&assignments).Error; err != nil {
				return nil, err
			}
			for _, assignment := range assignments {
				row.TagIDs = append(row.TagIDs, assignment.TagID)
			}
			if err := s.db.WithContext(ctx).
				Raw(unreadCountQuery, userID, subscription.FeedID).
				Scan(&row.UnreadCount).Error; err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// enumerateTags pages the user's tags changed after sinceMicros.
func (s *Service) enumerateTags(ctx context.Context, userID string, sinceMicros int64, maxBatch int) ([]feed.Tag, bool, int64, error) {
	var tags []feed.Tag
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND updated_at_us > ?", userID, sinceMicros).
		Order("updated_at_us ASC").
		Limit(maxBatch + 1).
		Find(&tags).Error
	if err != nil {
		return nil, false, 0, err
	}
	hasMore := len(tags) > maxBatch
	if hasMore {
		tags = tags[:maxBatch]
	}
	newCursor := sinceMicros
	if len(tags) > 0 {
		newCursor = tags[len(tags)-1].UpdatedAtMicros
	}
	return tags, hasMore, newCursor, nil
}

// snapshotTags returns every live tag for the first sync.
func (s *Service) snapshotTags(ctx context.Context, userID string) ([]feed.Tag, error) {
	var tags []feed.Tag
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at_us = 0", userID).
		Order("updated_at_us ASC").
		Find(&tags).Error
	if err != nil {
		return nil, err
	}
	return tags, nil
}
