package feed

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSubscribe          = "feed.subscribe"
	opUpdateSubscription = "feed.update_subscription"
	opUnsubscribe        = "feed.unsubscribe"
)

// SubscribeRequest describes a new subscription. The feed is upserted by URL
// so two users subscribing to the same feed share one feed row.
type SubscribeRequest struct {
	FeedURL     string
	FeedTitle   string
	SiteURL     string
	CustomTitle string
	TagIDs      []string
}

// SubscriptionResult is the full projection of a subscription after a
// mutation, carrying everything a publisher needs for a sync event.
type SubscriptionResult struct {
	Subscription Subscription
	Feed         Feed
	TagIDs       []string
	UnreadCount  int64
}

// Subscribe creates (or revives) the user's subscription to the feed at the
// given URL. Reviving a soft-deleted subscription resets its creation stamp,
// so consumers that observed the deletion see it as created again.
func (s *Service) Subscribe(ctx context.Context, userID UserID, request SubscribeRequest) (SubscriptionResult, error) {
	feedURL := strings.TrimSpace(request.FeedURL)
	if feedURL == "" {
		return SubscriptionResult{}, newServiceError(opSubscribe, "missing_feed_url", ErrInvalidFeedURL)
	}

	var result SubscriptionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.nowMicros()

		var feedRecord Feed
		err := tx.Where("url = ?", feedURL).Take(&feedRecord).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			feedID, idErr := s.idProvider.NewID()
			if idErr != nil {
				return newServiceError(opSubscribe, "id_generation_failed", idErr)
			}
			feedRecord = Feed{
				ID:              feedID,
				URL:             feedURL,
				Title:           strings.TrimSpace(request.FeedTitle),
				SiteURL:         strings.TrimSpace(request.SiteURL),
				CreatedAtMicros: now,
				UpdatedAtMicros: now,
			}
			if feedRecord.Title == "" {
				feedRecord.Title = feedURL
			}
			if createErr := tx.Create(&feedRecord).Error; createErr != nil {
				return newServiceError(opSubscribe, "feed_create_failed", createErr)
			}
		} else if err != nil {
			return newServiceError(opSubscribe, "feed_select_failed", err)
		}

		var subscription Subscription
		fresh := false
		err = tx.Where("user_id = ? AND feed_id = ?", userID.String(), feedRecord.ID).
			Take(&subscription).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			fresh = true
			subscriptionID, idErr := s.idProvider.NewID()
			if idErr != nil {
				return newServiceError(opSubscribe, "id_generation_failed", idErr)
			}
			subscription = Subscription{
				ID:              subscriptionID,
				UserID:          userID.String(),
				FeedID:          feedRecord.ID,
				CustomTitle:     strings.TrimSpace(request.CustomTitle),
				CreatedAtMicros: now,
				UpdatedAtMicros: now,
			}
			if createErr := tx.Create(&subscription).Error; createErr != nil {
				return newServiceError(opSubscribe, "subscription_create_failed", createErr)
			}
		case err != nil:
			return newServiceError(opSubscribe, "subscription_select_failed", err)
		case subscription.Deleted():
			fresh = true
			subscription.DeletedAtMicros = 0
			subscription.CustomTitle = strings.TrimSpace(request.CustomTitle)
			subscription.CreatedAtMicros = now
			subscription.UpdatedAtMicros = now
			if saveErr := tx.Save(&subscription).Error; saveErr != nil {
				return newServiceError(opSubscribe, "subscription_revive_failed", saveErr)
			}
		}

		// Subscribing to an already-live feed is a no-op: stamps and the
		// existing tag set stand, so nothing phantom surfaces to the change
		// enumerator. Tag changes on a live subscription go through
		// UpdateSubscription, which advances the stamp.
		var tagIDs []string
		var tagErr error
		if fresh {
			tagIDs, tagErr = s.replaceTagAssignments(tx, userID, subscription.ID, request.TagIDs)
			if tagErr != nil {
				return tagErr
			}
		} else {
			tagIDs, tagErr = s.loadTagAssignments(tx, subscription.ID)
			if tagErr != nil {
				return newServiceError(opSubscribe, "tag_load_failed", tagErr)
			}
		}

		unread, countErr := s.countUnread(tx, userID, feedRecord.ID)
		if countErr != nil {
			return newServiceError(opSubscribe, "unread_count_failed", countErr)
		}

		result = SubscriptionResult{
			Subscription: subscription,
			Feed:         feedRecord,
			TagIDs:       tagIDs,
			UnreadCount:  unread,
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSubscribe, "transaction_failed", txErr,
			zap.String("user_id", userID.String()), zap.String("feed_url", feedURL))
		return SubscriptionResult{}, txErr
	}
	return result, nil
}

// UpdateSubscriptionRequest carries the mutable subscription fields. Nil
// pointers leave the corresponding field untouched.
type UpdateSubscriptionRequest struct {
	CustomTitle *string
	TagIDs      *[]string
}

// UpdateSubscription changes a subscription's custom title or tag set.
func (s *Service) UpdateSubscription(ctx context.Context, userID UserID, subscriptionID string, request UpdateSubscriptionRequest) (SubscriptionResult, error) {
	var result SubscriptionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subscription Subscription
		err := tx.Where("user_id = ? AND id = ? AND deleted_at_us = 0", userID.String(), subscriptionID).
			Take(&subscription).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateSubscription, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opUpdateSubscription, "subscription_select_failed", err)
		}

		if request.CustomTitle != nil {
			subscription.CustomTitle = strings.TrimSpace(*request.CustomTitle)
		}
		subscription.UpdatedAtMicros = s.nowMicros()
		if saveErr := tx.Save(&subscription).Error; saveErr != nil {
			return newServiceError(opUpdateSubscription, "subscription_save_failed", saveErr)
		}

		var tagIDs []string
		if request.TagIDs != nil {
			tagIDs, err = s.replaceTagAssignments(tx, userID, subscription.ID, *request.TagIDs)
			if err != nil {
				return err
			}
		} else {
			tagIDs, err = s.loadTagAssignments(tx, subscription.ID)
			if err != nil {
				return newServiceError(opUpdateSubscription, "tag_load_failed", err)
			}
		}

		var feedRecord Feed
		if err := tx.Where("id = ?", subscription.FeedID).Take(&feedRecord).Error; err != nil {
			return newServiceError(opUpdateSubscription, "feed_select_failed", err)
		}
		unread, countErr := s.countUnread(tx, userID, subscription.FeedID)
		if countErr != nil {
			return newServiceError(opUpdateSubscription, "unread_count_failed", countErr)
		}

		result = SubscriptionResult{
			Subscription: subscription,
			Feed:         feedRecord,
			TagIDs:       tagIDs,
			UnreadCount:  unread,
		}
		return nil
	})
	if txErr != nil {
		s.logError(opUpdateSubscription, "transaction_failed", txErr,
			zap.String("user_id", userID.String()), zap.String("subscription_id", subscriptionID))
		return SubscriptionResult{}, txErr
	}
	return result, nil
}

// Unsubscribe soft-deletes the subscription so the removal remains
// enumerable by cursor, and detaches its tags.
func (s *Service) Unsubscribe(ctx context.Context, userID UserID, subscriptionID string) (Subscription, error) {
	var subscription Subscription
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND id = ? AND deleted_at_us = 0", userID.String(), subscriptionID).
			Take(&subscription).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUnsubscribe, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opUnsubscribe, "subscription_select_failed", err)
		}

		now := s.nowMicros()
		subscription.DeletedAtMicros = now
		subscription.UpdatedAtMicros = now
		if saveErr := tx.Save(&subscription).Error; saveErr != nil {
			return newServiceError(opUnsubscribe, "subscription_save_failed", saveErr)
		}
		if deleteErr := tx.Where("subscription_id = ?", subscription.ID).
			Delete(&TagAssignment{}).Error; deleteErr != nil {
			return newServiceError(opUnsubscribe, "tag_detach_failed", deleteErr)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opUnsubscribe, "transaction_failed", txErr,
			zap.String("user_id", userID.String()), zap.String("subscription_id", subscriptionID))
		return Subscription{}, txErr
	}
	return subscription, nil
}

func (s *Service) replaceTagAssignments(tx *gorm.DB, userID UserID, subscriptionID string, tagIDs []string) ([]string, error) {
	if err := tx.Where("subscription_id = ?", subscriptionID).
		Delete(&TagAssignment{}).Error; err != nil {
		return nil, newServiceError(opUpdateSubscription, "tag_detach_failed", err)
	}
	assigned := make([]string, 0, len(tagIDs))
	for _, tagID := range tagIDs {
		var tag Tag
		err := tx.Where("user_id = ? AND id = ? AND deleted_at_us = 0", userID.String(), tagID).
			Take(&tag).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(opUpdateSubscription, "unknown_tag", ErrNotFound)
		}
		if err != nil {
			return nil, newServiceError(opUpdateSubscription, "tag_select_failed", err)
		}
		if err := tx.Create(&TagAssignment{SubscriptionID: subscriptionID, TagID: tagID}).Error; err != nil {
			return nil, newServiceError(opUpdateSubscription, "tag_attach_failed", err)
		}
		assigned = append(assigned, tagID)
	}
	return assigned, nil
}

func (s *Service) loadTagAssignments(tx *gorm.DB, subscriptionID string) ([]string, error) {
	var assignments []TagAssignment
	if err := tx.Where("subscription_id = ?", subscriptionID).
		Order("tag_id ASC").
		Find(&assignments).Error; err != nil {
		return nil, err
	}
	tagIDs := make([]string, 0, len(assignments))
	for _, assignment := range assignments {
		tagIDs = append(tagIDs, assignment.TagID)
	}
	return tagIDs, nil
}

func (s *Service) countUnread(tx *gorm.DB, userID UserID, feedID string) (int64, error) {
	var count int64
	err := tx.Raw(`
SELECT COUNT(*) FROM entries e
LEFT JOIN entry_states st ON st.entry_id = e.id AND st.user_id = ?
WHERE e.feed_id = ? AND COALESCE(st.read, 0) = 0`, userID.String(), feedID).
		Scan(&count).Error
	return count, err
}
