package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/auth"
	"github.com/MarcoPoloResearchLab/estuary/internal/feed"
	"github.com/MarcoPoloResearchLab/estuary/internal/reconcile"
	"github.com/MarcoPoloResearchLab/estuary/internal/server"
	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
	"github.com/MarcoPoloResearchLab/estuary/internal/users"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "estuary"
	integrationUserID        = "user-abc"
	jsonContentType          = "application/json"
)

type syncCursorsBody struct {
	Entries       string `json:"entries"`
	Subscriptions string `json:"subscriptions"`
	Tags          string `json:"tags"`
}

type syncChangesBody struct {
	Entries struct {
		Created []json.RawMessage `json:"created"`
		Updated []json.RawMessage `json:"updated"`
		Removed []json.RawMessage `json:"removed"`
	} `json:"entries"`
	Subscriptions struct {
		Created []json.RawMessage `json:"created"`
		Updated []json.RawMessage `json:"updated"`
		Removed []json.RawMessage `json:"removed"`
	} `json:"subscriptions"`
	Cursors syncCursorsBody `json:"cursors"`
	HasMore bool            `json:"has_more"`
}

type syncEventsBody struct {
	Events  []json.RawMessage `json:"events"`
	Cursors syncCursorsBody   `json:"cursors"`
	HasMore bool              `json:"has_more"`
}

func TestAuthAndSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&feed.Feed{}, &feed.Subscription{}, &feed.Entry{},
		&feed.EntryState{}, &feed.Tag{}, &feed.TagAssignment{},
		&users.Identity{},
	); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	feedService, err := feed.NewService(feed.ServiceConfig{
		Database:   db,
		IDProvider: feed.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build feed service: %v", err)
	}
	syncService, err := sync.NewService(sync.ServiceConfig{
		Database: db,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build sync service: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
	})
	dispatcher := server.NewRealtimeDispatcher()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		FeedService:  feedService,
		SyncService:  syncService,
		UsersService: usersService,
		Realtime:     dispatcher,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	// Authenticate.
	tokenRequest := httptest.NewRequest(http.MethodPost, "/auth/token",
		bytes.NewBufferString(fmt.Sprintf(`{"user_id":%q,"email":"abc@example.com"}`, integrationUserID)))
	tokenRequest.Header.Set("Content-Type", jsonContentType)
	tokenRecorder := httptest.NewRecorder()
	handler.ServeHTTP(tokenRecorder, tokenRequest)
	if tokenRecorder.Code != http.StatusOK {
		testContext.Fatalf("token issue failed: %d %s", tokenRecorder.Code, tokenRecorder.Body.String())
	}
	var tokenBody struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(tokenRecorder.Body.Bytes(), &tokenBody); err != nil {
		testContext.Fatalf("failed to parse token response: %v", err)
	}

	authed := func(method, target, body string) *httptest.ResponseRecorder {
		var request *http.Request
		if body == "" {
			request = httptest.NewRequest(method, target, http.NoBody)
		} else {
			request = httptest.NewRequest(method, target, bytes.NewBufferString(body))
			request.Header.Set("Content-Type", jsonContentType)
		}
		request.Header.Set("Authorization", "Bearer "+tokenBody.AccessToken)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder
	}

	// Seed a subscription with a tag, then ingest entries behind the API.
	tagRecorder := authed(http.MethodPost, "/tags", `{"name":"news"}`)
	if tagRecorder.Code != http.StatusCreated {
		testContext.Fatalf("tag create failed: %d", tagRecorder.Code)
	}
	var tagBody struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(tagRecorder.Body.Bytes(), &tagBody); err != nil {
		testContext.Fatalf("failed to parse tag: %v", err)
	}

	subscribeBody := fmt.Sprintf(`{"feed_url":"https://example.com/feed.xml","feed_title":"Example","tag_ids":[%q]}`, tagBody.ID)
	subscribeRecorder := authed(http.MethodPost, "/subscriptions", subscribeBody)
	if subscribeRecorder.Code != http.StatusCreated {
		testContext.Fatalf("subscribe failed: %d %s", subscribeRecorder.Code, subscribeRecorder.Body.String())
	}
	var subscriptionBody struct {
		ID     string `json:"id"`
		FeedID string `json:"feed_id"`
	}
	if err := json.Unmarshal(subscribeRecorder.Body.Bytes(), &subscriptionBody); err != nil {
		testContext.Fatalf("failed to parse subscription: %v", err)
	}

	entryA, err := feedService.IngestEntry(context.Background(), subscriptionBody.FeedID,
		feed.EntryInput{GUID: "guid-a", Title: "Entry A", PublishedAtMicros: 1})
	if err != nil {
		testContext.Fatalf("ingest a failed: %v", err)
	}
	if _, err := feedService.IngestEntry(context.Background(), subscriptionBody.FeedID,
		feed.EntryInput{GUID: "guid-b", Title: "Entry B", PublishedAtMicros: 2}); err != nil {
		testContext.Fatalf("ingest b failed: %v", err)
	}

	// First sync bootstraps a client and a reconciler cache.
	firstSyncRecorder := authed(http.MethodGet, "/sync/events", "")
	if firstSyncRecorder.Code != http.StatusOK {
		testContext.Fatalf("first sync failed: %d %s", firstSyncRecorder.Code, firstSyncRecorder.Body.String())
	}
	var firstSync syncEventsBody
	if err := json.Unmarshal(firstSyncRecorder.Body.Bytes(), &firstSync); err != nil {
		testContext.Fatalf("failed to parse first sync: %v", err)
	}
	if len(firstSync.Events) != 4 {
		testContext.Fatalf("expected tag, subscription and two entries, got %d events", len(firstSync.Events))
	}

	// Bootstrap the reconciler the way a client does: fold every event so
	// entry memos exist, then prime the list caches from the subscription
	// and tag payloads, which re-sums the counters once.
	cache := reconcile.NewCacheState()
	var subscriptionSnapshots []reconcile.SubscriptionSnapshot
	var tagSnapshots []reconcile.TagSnapshot
	for _, raw := range firstSync.Events {
		event, err := sync.DecodeEvent(raw)
		if err != nil {
			testContext.Fatalf("failed to decode event: %v", err)
		}
		cache.Apply(event)
		switch typed := event.(type) {
		case sync.SubscriptionCreated:
			subscriptionSnapshots = append(subscriptionSnapshots, reconcile.SubscriptionSnapshot{
				ID:          typed.Subscription.ID,
				FeedID:      typed.Subscription.Feed.ID,
				Title:       typed.Subscription.Feed.Title,
				TagIDs:      typed.Subscription.TagIDs,
				UnreadCount: typed.Subscription.UnreadCount,
			})
		case sync.TagCreated:
			tagSnapshots = append(tagSnapshots, reconcile.TagSnapshot{
				ID:   typed.Tag.ID,
				Name: typed.Tag.Name,
			})
		}
	}
	cache.PrimeTags(tagSnapshots)
	cache.PrimeSubscriptions(subscriptionSnapshots)

	if got, ok := cache.SubscriptionUnread(subscriptionBody.ID); !ok || got != 2 {
		testContext.Fatalf("expected two unread after bootstrap, got %d (%v)", got, ok)
	}
	if got := cache.Global(reconcile.GlobalAll); got != 2 {
		testContext.Fatalf("expected global unread 2, got %d", got)
	}

	// Store and process clocks tick independently at microsecond grain.
	time.Sleep(5 * time.Millisecond)

	// Flip one entry read over the API; the push dispatcher and the pull
	// transport must both deliver the flip, and applying both must count
	// it exactly once.
	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	stream, cleanup := dispatcher.Subscribe(streamCtx, integrationUserID)
	defer cleanup()

	stateRecorder := authed(http.MethodPost, "/entries/state",
		fmt.Sprintf(`{"entry_id":%q,"read":true}`, entryA.ID))
	if stateRecorder.Code != http.StatusOK {
		testContext.Fatalf("state flip failed: %d %s", stateRecorder.Code, stateRecorder.Body.String())
	}

	select {
	case message := <-stream:
		cache.Apply(message.Event)
	case <-time.After(500 * time.Millisecond):
		testContext.Fatal("expected push delivery of the state flip")
	}

	pullTarget := fmt.Sprintf("/sync/events?entries=%s&subscriptions=%s&tags=%s",
		firstSync.Cursors.Entries, firstSync.Cursors.Subscriptions, firstSync.Cursors.Tags)
	pullRecorder := authed(http.MethodGet, pullTarget, "")
	if pullRecorder.Code != http.StatusOK {
		testContext.Fatalf("incremental pull failed: %d %s", pullRecorder.Code, pullRecorder.Body.String())
	}
	var pulled syncEventsBody
	if err := json.Unmarshal(pullRecorder.Body.Bytes(), &pulled); err != nil {
		testContext.Fatalf("failed to parse pull: %v", err)
	}
	if len(pulled.Events) != 1 {
		testContext.Fatalf("expected exactly the state flip on pull, got %s", pullRecorder.Body.String())
	}
	pulledEvent, err := sync.DecodeEvent(pulled.Events[0])
	if err != nil {
		testContext.Fatalf("failed to decode pulled event: %v", err)
	}
	if pulledEvent.Kind() != sync.KindEntryStateChanged {
		testContext.Fatalf("expected entry_state_changed, got %s", pulledEvent.Kind())
	}
	cache.Apply(pulledEvent)

	if got, _ := cache.SubscriptionUnread(subscriptionBody.ID); got != 1 {
		testContext.Fatalf("expected one unread after duplicated flip, got %d", got)
	}
	if got := cache.Global(reconcile.GlobalAll); got != 1 {
		testContext.Fatalf("expected global unread 1 after duplicated flip, got %d", got)
	}
	if got, ok := cache.TagUnread(tagBody.ID); !ok || got != 1 {
		testContext.Fatalf("expected tag unread 1, got %d (%v)", got, ok)
	}

	// Unsubscribing drains the aggregates on the next pull.
	unsubscribeRecorder := authed(http.MethodDelete, "/subscriptions/"+subscriptionBody.ID, "")
	if unsubscribeRecorder.Code != http.StatusOK {
		testContext.Fatalf("unsubscribe failed: %d", unsubscribeRecorder.Code)
	}
	finalTarget := fmt.Sprintf("/sync/events?entries=%s&subscriptions=%s&tags=%s",
		pulled.Cursors.Entries, pulled.Cursors.Subscriptions, pulled.Cursors.Tags)
	finalRecorder := authed(http.MethodGet, finalTarget, "")
	if finalRecorder.Code != http.StatusOK {
		testContext.Fatalf("final pull failed: %d", finalRecorder.Code)
	}
	var final syncEventsBody
	if err := json.Unmarshal(finalRecorder.Body.Bytes(), &final); err != nil {
		testContext.Fatalf("failed to parse final pull: %v", err)
	}
	sawDeletion := false
	for _, raw := range final.Events {
		event, err := sync.DecodeEvent(raw)
		if err != nil {
			testContext.Fatalf("failed to decode final event: %v", err)
		}
		if event.Kind() == sync.KindSubscriptionDeleted {
			sawDeletion = true
		}
		cache.Apply(event)
	}
	if !sawDeletion {
		testContext.Fatalf("expected subscription deletion on pull, got %s", finalRecorder.Body.String())
	}
	if got := cache.Global(reconcile.GlobalAll); got != 0 {
		testContext.Fatalf("expected global unread drained, got %d", got)
	}
	if _, ok := cache.SubscriptionUnread(subscriptionBody.ID); ok {
		testContext.Fatalf("expected subscription evicted from the cache")
	}
}
