package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/estuary/internal/feed"
	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type entryViewPayload struct {
	ID                string `json:"id"`
	FeedID            string `json:"feed_id"`
	Title             string `json:"title"`
	Author            string `json:"author,omitempty"`
	Summary           string `json:"summary,omitempty"`
	URL               string `json:"url,omitempty"`
	PublishedAtMicros int64  `json:"published_at_us"`
	Read              bool   `json:"read"`
	Starred           bool   `json:"starred"`
}

func (h *httpHandler) handleListEntries(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	views, err := h.feeds.ListEntries(c.Request.Context(), typedUserID, feed.ListEntriesQuery{
		SubscriptionID: c.Query("subscription_id"),
		TagID:          c.Query("tag_id"),
		UnreadOnly:     c.Query("unread") == "true",
		StarredOnly:    c.Query("starred") == "true",
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		h.logger.Error("failed to list entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]entryViewPayload, 0, len(views))
	for _, view := range views {
		payload = append(payload, entryViewPayload{
			ID:                view.ID,
			FeedID:            view.FeedID,
			Title:             view.Title,
			Author:            view.Author,
			Summary:           view.Summary,
			URL:               view.URL,
			PublishedAtMicros: view.PublishedAtMicros,
			Read:              view.Read,
			Starred:           view.Starred,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

type entryStatePayload struct {
	EntryID string `json:"entry_id"`
	Read    *bool  `json:"read,omitempty"`
	Starred *bool  `json:"starred,omitempty"`
}

func (h *httpHandler) handleEntryState(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	var request entryStatePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.EntryID == "" ||
		(request.Read == nil && request.Starred == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.feeds.SetEntryState(c.Request.Context(), typedUserID, request.EntryID, request.Read, request.Starred)
	if err != nil {
		h.respondFeedError(c, "state_failed", err)
		return
	}

	h.realtime.Publish(userID, entryStateEvent(result))
	c.JSON(http.StatusOK, gin.H{
		"entry_id": result.EntryID,
		"read":     result.Read,
		"starred":  result.Starred,
	})
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	var request struct {
		SubscriptionID string `json:"subscription_id"`
	}
	_ = c.ShouldBindJSON(&request)

	results, err := h.feeds.MarkAllRead(c.Request.Context(), typedUserID, request.SubscriptionID)
	if err != nil {
		h.respondFeedError(c, "mark_all_read_failed", err)
		return
	}

	events := make([]sync.Event, 0, len(results))
	for _, result := range results {
		events = append(events, entryStateEvent(result))
	}
	h.realtime.PublishAll(userID, events)
	c.JSON(http.StatusOK, gin.H{"marked": len(results)})
}

type subscribePayload struct {
	FeedURL     string   `json:"feed_url"`
	FeedTitle   string   `json:"feed_title"`
	SiteURL     string   `json:"site_url"`
	CustomTitle string   `json:"custom_title"`
	TagIDs      []string `json:"tag_ids"`
}

type subscriptionResponsePayload struct {
	ID          string   `json:"id"`
	FeedID      string   `json:"feed_id"`
	FeedURL     string   `json:"feed_url"`
	Title       string   `json:"title"`
	CustomTitle string   `json:"custom_title,omitempty"`
	TagIDs      []string `json:"tag_ids"`
	UnreadCount int64    `json:"unread_count"`
}

func subscriptionResponse(result feed.SubscriptionResult) subscriptionResponsePayload {
	return subscriptionResponsePayload{
		ID:          result.Subscription.ID,
		FeedID:      result.Feed.ID,
		FeedURL:     result.Feed.URL,
		Title:       result.Feed.Title,
		CustomTitle: result.Subscription.CustomTitle,
		TagIDs:      result.TagIDs,
		UnreadCount: result.UnreadCount,
	}
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	var request subscribePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.FeedURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.feeds.Subscribe(c.Request.Context(), typedUserID, feed.SubscribeRequest{
		FeedURL:     request.FeedURL,
		FeedTitle:   request.FeedTitle,
		SiteURL:     request.SiteURL,
		CustomTitle: request.CustomTitle,
		TagIDs:      request.TagIDs,
	})
	if err != nil {
		h.respondFeedError(c, "subscribe_failed", err)
		return
	}

	h.realtime.Publish(userID, subscriptionCreatedEvent(result))
	c.JSON(http.StatusCreated, subscriptionResponse(result))
}

type updateSubscriptionPayload struct {
	CustomTitle *string   `json:"custom_title"`
	TagIDs      *[]string `json:"tag_ids"`
}

func (h *httpHandler) handleUpdateSubscription(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	var request updateSubscriptionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.feeds.UpdateSubscription(c.Request.Context(), typedUserID, c.Param("id"), feed.UpdateSubscriptionRequest{
		CustomTitle: request.CustomTitle,
		TagIDs:      request.TagIDs,
	})
	if err != nil {
		h.respondFeedError(c, "update_failed", err)
		return
	}

	h.realtime.Publish(userID, subscriptionUpdatedEvent(result))
	c.JSON(http.StatusOK, subscriptionResponse(result))
}

func (h *httpHandler) handleUnsubscribe(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	subscription, err := h.feeds.Unsubscribe(c.Request.Context(), typedUserID, c.Param("id"))
	if err != nil {
		h.respondFeedError(c, "unsubscribe_failed", err)
		return
	}

	h.realtime.Publish(userID, sync.SubscriptionDeleted{
		At: sync.FormatCursor(subscription.UpdatedAtMicros),
		ID: subscription.ID,
	})
	c.JSON(http.StatusOK, gin.H{"id": subscription.ID})
}

type tagPayload struct {
	Name  *string `json:"name"`
	Color *string `json:"color"`
}

type tagResponsePayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

func (h *httpHandler) handleListTags(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}
	tags, err := h.feeds.ListTags(c.Request.Context(), typedUserID)
	if err != nil {
		h.logger.Error("failed to list tags", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]tagResponsePayload, 0, len(tags))
	for _, tag := range tags {
		payload = append(payload, tagResponsePayload{ID: tag.ID, Name: tag.Name, Color: tag.Color})
	}
	c.JSON(http.StatusOK, gin.H{"tags": payload})
}

func (h *httpHandler) handleCreateTag(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	var request tagPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Name == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	color := ""
	if request.Color != nil {
		color = *request.Color
	}

	tag, err := h.feeds.CreateTag(c.Request.Context(), typedUserID, *request.Name, color)
	if err != nil {
		h.respondFeedError(c, "create_failed", err)
		return
	}

	h.realtime.Publish(userID, sync.TagCreated{
		At:  sync.FormatCursor(tag.UpdatedAtMicros),
		Tag: sync.TagProjection{ID: tag.ID, Name: tag.Name, Color: tag.Color},
	})
	c.JSON(http.StatusCreated, tagResponsePayload{ID: tag.ID, Name: tag.Name, Color: tag.Color})
}

func (h *httpHandler) handleUpdateTag(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	var request tagPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	tag, err := h.feeds.UpdateTag(c.Request.Context(), typedUserID, c.Param("id"), request.Name, request.Color)
	if err != nil {
		h.respondFeedError(c, "update_failed", err)
		return
	}

	h.realtime.Publish(userID, sync.TagUpdated{
		At:  sync.FormatCursor(tag.UpdatedAtMicros),
		Tag: sync.TagProjection{ID: tag.ID, Name: tag.Name, Color: tag.Color},
	})
	c.JSON(http.StatusOK, tagResponsePayload{ID: tag.ID, Name: tag.Name, Color: tag.Color})
}

func (h *httpHandler) handleDeleteTag(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	typedUserID, err := feed.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user"})
		return
	}

	tag, err := h.feeds.DeleteTag(c.Request.Context(), typedUserID, c.Param("id"))
	if err != nil {
		h.respondFeedError(c, "delete_failed", err)
		return
	}

	h.realtime.Publish(userID, sync.TagDeleted{
		At: sync.FormatCursor(tag.UpdatedAtMicros),
		ID: tag.ID,
	})
	c.JSON(http.StatusOK, gin.H{"id": tag.ID})
}

func (h *httpHandler) respondFeedError(c *gin.Context, code string, err error) {
	if errors.Is(err, feed.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if errors.Is(err, feed.ErrInvalidFeedURL) || errors.Is(err, feed.ErrInvalidTagName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.logger.Error("feed request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}

// entryStateEvent projects a state flip into the push payload, carrying the
// previous values observed in the mutating transaction so a consumer can
// apply an exact delta.
func entryStateEvent(result feed.EntryStateResult) sync.Event {
	previousRead := result.PreviousRead
	previousStarred := result.PreviousStarred
	return sync.EntryStateChanged{
		At: sync.FormatCursor(result.UpdatedAtMicros),
		State: sync.EntryStateChange{
			ID:              result.EntryID,
			Read:            result.Read,
			Starred:         result.Starred,
			PreviousRead:    &previousRead,
			PreviousStarred: &previousStarred,
		},
	}
}

func subscriptionCreatedEvent(result feed.SubscriptionResult) sync.Event {
	return sync.SubscriptionCreated{
		At: sync.FormatCursor(result.Subscription.UpdatedAtMicros),
		Subscription: sync.SubscriptionProjection{
			ID: result.Subscription.ID,
			Feed: sync.FeedProjection{
				ID:      result.Feed.ID,
				URL:     result.Feed.URL,
				Title:   result.Feed.Title,
				SiteURL: result.Feed.SiteURL,
			},
			CustomTitle: result.Subscription.CustomTitle,
			TagIDs:      result.TagIDs,
			UnreadCount: result.UnreadCount,
		},
	}
}

func subscriptionUpdatedEvent(result feed.SubscriptionResult) sync.Event {
	return sync.SubscriptionUpdated{
		At: sync.FormatCursor(result.Subscription.UpdatedAtMicros),
		Update: sync.SubscriptionUpdate{
			ID:          result.Subscription.ID,
			CustomTitle: result.Subscription.CustomTitle,
			TagIDs:      result.TagIDs,
		},
	}
}
