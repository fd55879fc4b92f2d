package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type cursorsPayload struct {
	Entries       string `json:"entries"`
	Subscriptions string `json:"subscriptions"`
	Tags          string `json:"tags"`
}

func cursorsFromSet(set sync.CursorSet) cursorsPayload {
	return cursorsPayload{
		Entries:       set.Entries.String(),
		Subscriptions: set.Subscriptions.String(),
		Tags:          set.Tags.String(),
	}
}

type bucketPayload struct {
	Created []json.RawMessage `json:"created"`
	Updated []json.RawMessage `json:"updated"`
	Removed []json.RawMessage `json:"removed"`
}

type syncChangesResponse struct {
	Entries       bucketPayload  `json:"entries"`
	Subscriptions bucketPayload  `json:"subscriptions"`
	Tags          bucketPayload  `json:"tags"`
	Cursors       cursorsPayload `json:"cursors"`
	HasMore       bool           `json:"has_more"`
}

type syncEventsResponse struct {
	Events  []json.RawMessage `json:"events"`
	Cursors cursorsPayload    `json:"cursors"`
	HasMore bool              `json:"has_more"`
}

func (h *httpHandler) handleSyncCursors(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	cursors, err := h.sync.Cursors(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to read cursors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cursors_failed"})
		return
	}
	c.JSON(http.StatusOK, cursorsFromSet(cursors))
}

// cursorSetFromQuery reads the three per-type cursor parameters. The second
// return reports whether any parameter was present at all: a request with no
// cursor parameters asks for first-sync semantics, while present-but-empty
// cursors flow through to the transport's empty-result guard.
func cursorSetFromQuery(c *gin.Context) (sync.CursorSet, bool) {
	query := c.Request.URL.Query()
	_, hasEntries := query["entries"]
	_, hasSubscriptions := query["subscriptions"]
	_, hasTags := query["tags"]
	set := sync.CursorSet{
		Entries:       sync.Cursor(c.Query("entries")),
		Subscriptions: sync.Cursor(c.Query("subscriptions")),
		Tags:          sync.Cursor(c.Query("tags")),
	}
	return set, hasEntries || hasSubscriptions || hasTags
}

func (h *httpHandler) handleSyncChanges(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	cursors, present := cursorSetFromQuery(c)
	var result sync.SnapshotResult
	var err error
	if present {
		result, err = h.sync.Changes(c.Request.Context(), userID, cursors)
	} else {
		result, err = h.sync.FirstSync(c.Request.Context(), userID)
	}
	if err != nil {
		h.respondSyncError(c, err)
		return
	}

	response := syncChangesResponse{
		Cursors: cursorsFromSet(result.Cursors),
		HasMore: result.HasMore,
	}
	if response.Entries, err = encodeBuckets(result.Entries); err == nil {
		if response.Subscriptions, err = encodeBuckets(result.Subscriptions); err == nil {
			response.Tags, err = encodeBuckets(result.Tags)
		}
	}
	if err != nil {
		h.logger.Error("failed to encode sync changes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	cursors, present := cursorSetFromQuery(c)
	var result sync.EventsResult
	var err error
	if present {
		result, err = h.sync.Events(c.Request.Context(), userID, cursors)
	} else {
		result, err = h.sync.FirstSyncEvents(c.Request.Context(), userID)
	}
	if err != nil {
		h.respondSyncError(c, err)
		return
	}

	encoded, err := encodeEvents(result.Events)
	if err != nil {
		h.logger.Error("failed to encode sync events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	c.JSON(http.StatusOK, syncEventsResponse{
		Events:  encoded,
		Cursors: cursorsFromSet(result.Cursors),
		HasMore: result.HasMore,
	})
}

// handleSyncStream serves the push transport over server-sent events. The
// data payloads are byte-identical to the ordered-event transport's entries,
// so a client reuses the same decoding and apply path for both.
func (h *httpHandler) handleSyncStream(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			payload, err := sync.EncodeEvent(message.Event)
			if err != nil {
				h.logger.Error("failed to encode realtime event", zap.Error(err))
				return true
			}
			c.SSEvent(realtimeEventSync, string(payload))
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, "{}")
			return true
		}
	})
}

func (h *httpHandler) respondSyncError(c *gin.Context, err error) {
	if errors.Is(err, sync.ErrMalformedCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_cursor"})
		return
	}
	h.logger.Error("sync request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
}

func encodeBuckets(buckets sync.EntityBuckets) (bucketPayload, error) {
	payload := bucketPayload{}
	var err error
	if payload.Created, err = encodeEvents(buckets.Created); err != nil {
		return bucketPayload{}, err
	}
	if payload.Updated, err = encodeEvents(buckets.Updated); err != nil {
		return bucketPayload{}, err
	}
	if payload.Removed, err = encodeEvents(buckets.Removed); err != nil {
		return bucketPayload{}, err
	}
	return payload, nil
}

func encodeEvents(events []sync.Event) ([]json.RawMessage, error) {
	encoded := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		payload, err := sync.EncodeEvent(event)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, payload)
	}
	return encoded, nil
}
