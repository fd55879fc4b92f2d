package feed

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opIngestEntry   = "feed.ingest_entry"
	opListEntries   = "feed.list_entries"
	opSetEntryState = "feed.set_entry_state"
	opMarkAllRead   = "feed.mark_all_read"
)

// ErrInvalidEntry indicates an ingest payload missing its identity fields.
var ErrInvalidEntry = errors.New("feed: invalid entry")

// EntryInput is an entry as delivered by a fetcher.
type EntryInput struct {
	GUID              string
	Title             string
	Author            string
	Summary           string
	URL               string
	PublishedAtMicros int64
}

// IngestEntry upserts an entry by (feed, guid). New entries get creation and
// mutation stamps; changed entries only advance their mutation stamp, which
// is what downstream cursors observe.
func (s *Service) IngestEntry(ctx context.Context, feedID string, input EntryInput) (Entry, error) {
	guid := strings.TrimSpace(input.GUID)
	if feedID == "" || guid == "" {
		return Entry{}, newServiceError(opIngestEntry, "missing_identity", ErrInvalidEntry)
	}

	var entry Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.nowMicros()
		err := tx.Where("feed_id = ? AND guid = ?", feedID, guid).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entryID, idErr := s.idProvider.NewID()
			if idErr != nil {
				return newServiceError(opIngestEntry, "id_generation_failed", idErr)
			}
			entry = Entry{
				ID:                entryID,
				FeedID:            feedID,
				GUID:              guid,
				Title:             input.Title,
				Author:            input.Author,
				Summary:           input.Summary,
				URL:               input.URL,
				PublishedAtMicros: input.PublishedAtMicros,
				CreatedAtMicros:   now,
				UpdatedAtMicros:   now,
			}
			if createErr := tx.Create(&entry).Error; createErr != nil {
				return newServiceError(opIngestEntry, "entry_create_failed", createErr)
			}
			return nil
		}
		if err != nil {
			return newServiceError(opIngestEntry, "entry_select_failed", err)
		}

		entry.Title = input.Title
		entry.Author = input.Author
		entry.Summary = input.Summary
		entry.URL = input.URL
		entry.PublishedAtMicros = input.PublishedAtMicros
		entry.UpdatedAtMicros = now
		if saveErr := tx.Save(&entry).Error; saveErr != nil {
			return newServiceError(opIngestEntry, "entry_save_failed", saveErr)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opIngestEntry, "transaction_failed", txErr, zap.String("feed_id", feedID))
		return Entry{}, txErr
	}
	return entry, nil
}

// EntryView is one entry joined with the requesting user's state.
type EntryView struct {
	ID                string `gorm:"column:id"`
	FeedID            string `gorm:"column:feed_id"`
	Title             string `gorm:"column:title"`
	Author            string `gorm:"column:author"`
	Summary           string `gorm:"column:summary"`
	URL               string `gorm:"column:url"`
	PublishedAtMicros int64  `gorm:"column:published_at_us"`
	Read              bool   `gorm:"column:read"`
	Starred           bool   `gorm:"column:starred"`
}

// ListEntriesQuery filters and pages the entry listing.
type ListEntriesQuery struct {
	SubscriptionID string
	TagID          string
	UnreadOnly     bool
	StarredOnly    bool
	Limit          int
	Offset         int
}

const defaultListLimit = 100

// ListEntries returns visible entries newest first.
func (s *Service) ListEntries(ctx context.Context, userID UserID, query ListEntriesQuery) ([]EntryView, error) {
	limit := query.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	builder := s.db.WithContext(ctx).
		Table("entries e").
		Select(`e.id, e.feed_id, e.title, e.author, e.summary, e.url, e.published_at_us,
			COALESCE(st.read, 0) AS read, COALESCE(st.starred, 0) AS starred`).
		Joins("LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?", userID.String()).
		Where(`(EXISTS (SELECT 1 FROM subscriptions sub
			WHERE sub.user_id = ? AND sub.feed_id = e.feed_id AND sub.deleted_at_us = 0)
			OR COALESCE(st.starred, 0) = 1)`, userID.String())

	if query.SubscriptionID != "" {
		builder = builder.Where(`e.feed_id IN (SELECT feed_id FROM subscriptions
			WHERE user_id = ? AND id = ? AND deleted_at_us = 0)`, userID.String(), query.SubscriptionID)
	}
	if query.TagID != "" {
		builder = builder.Where(`e.feed_id IN (
			SELECT sub.feed_id FROM subscriptions sub
			JOIN subscription_tags st2 ON st2.subscription_id = sub.id
			WHERE sub.user_id = ? AND st2.tag_id = ? AND sub.deleted_at_us = 0)`,
			userID.String(), query.TagID)
	}
	if query.UnreadOnly {
		builder = builder.Where("COALESCE(st.read, 0) = 0")
	}
	if query.StarredOnly {
		builder = builder.Where("COALESCE(st.starred, 0) = 1")
	}

	var views []EntryView
	if err := builder.
		Order("e.published_at_us DESC").
		Limit(limit).
		Offset(query.Offset).
		Scan(&views).Error; err != nil {
		s.logError(opListEntries, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListEntries, "query_failed", err)
	}
	return views, nil
}

// EntryStateResult reports a state flip with its previous values, so a push
// publisher can emit an event a consumer may apply as a delta.
type EntryStateResult struct {
	EntryID         string
	FeedID          string
	Read            bool
	Starred         bool
	PreviousRead    bool
	PreviousStarred bool
	UpdatedAtMicros int64
}

// SetEntryState upserts the user's read/starred flags for one entry. Nil
// pointers leave the corresponding flag untouched. The previous values are
// read in the same transaction that writes the new ones.
func (s *Service) SetEntryState(ctx context.Context, userID UserID, entryID string, read, starred *bool) (EntryStateResult, error) {
	var result EntryStateResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Where("id = ?", entryID).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSetEntryState, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opSetEntryState, "entry_select_failed", err)
		}

		var state EntryState
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND entry_id = ?", userID.String(), entryID).
			Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = EntryState{UserID: userID.String(), EntryID: entryID}
		} else if err != nil {
			return newServiceError(opSetEntryState, "state_select_failed", err)
		}

		result.PreviousRead = state.Read
		result.PreviousStarred = state.Starred

		if read != nil {
			state.Read = *read
		}
		if starred != nil {
			state.Starred = *starred
		}
		state.UpdatedAtMicros = s.nowMicros()
		if saveErr := tx.Save(&state).Error; saveErr != nil {
			return newServiceError(opSetEntryState, "state_save_failed", saveErr)
		}

		result.EntryID = entryID
		result.FeedID = entry.FeedID
		result.Read = state.Read
		result.Starred = state.Starred
		result.UpdatedAtMicros = state.UpdatedAtMicros
		return nil
	})
	if txErr != nil {
		s.logError(opSetEntryState, "transaction_failed", txErr,
			zap.String("user_id", userID.String()), zap.String("entry_id", entryID))
		return EntryStateResult{}, txErr
	}
	return result, nil
}

// MarkAllRead flips every unread visible entry to read, optionally scoped to
// one subscription, and returns the per-entry flips for publishing.
func (s *Service) MarkAllRead(ctx context.Context, userID UserID, subscriptionID string) ([]EntryStateResult, error) {
	var results []EntryStateResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		builder := tx.Table("entries e").
			Select(`e.id, e.feed_id, COALESCE(st.starred, 0) AS starred`).
			Joins("LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?", userID.String()).
			Where(`EXISTS (SELECT 1 FROM subscriptions sub
				WHERE sub.user_id = ? AND sub.feed_id = e.feed_id AND sub.deleted_at_us = 0)`, userID.String()).
			Where("COALESCE(st.read, 0) = 0")
		if subscriptionID != "" {
			builder = builder.Where(`e.feed_id IN (SELECT feed_id FROM subscriptions
				WHERE user_id = ? AND id = ? AND deleted_at_us = 0)`, userID.String(), subscriptionID)
		}

		var pending []struct {
			ID      string `gorm:"column:id"`
			FeedID  string `gorm:"column:feed_id"`
			Starred bool   `gorm:"column:starred"`
		}
		if err := builder.Scan(&pending).Error; err != nil {
			return newServiceError(opMarkAllRead, "query_failed", err)
		}

		now := s.nowMicros()
		for _, row := range pending {
			state := EntryState{
				UserID:          userID.String(),
				EntryID:         row.ID,
				Read:            true,
				Starred:         row.Starred,
				UpdatedAtMicros: now,
			}
			if err := tx.Save(&state).Error; err != nil {
				return newServiceError(opMarkAllRead, "state_save_failed", err)
			}
			results = append(results, EntryStateResult{
				EntryID:         row.ID,
				FeedID:          row.FeedID,
				Read:            true,
				Starred:         row.Starred,
				PreviousRead:    false,
				PreviousStarred: row.Starred,
				UpdatedAtMicros: now,
			})
		}
		return nil
	})
	if txErr != nil {
		s.logError(opMarkAllRead, "transaction_failed", txErr,
			zap.String("user_id", userID.String()), zap.String("subscription_id", subscriptionID))
		return nil, txErr
	}
	return results, nil
}
