package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/auth"
	"github.com/MarcoPoloResearchLab/estuary/internal/feed"
	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
)

type routerFixture struct {
	handler  http.Handler
	feeds    *feed.Service
	realtime *RealtimeDispatcher
	token    string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&feed.Feed{}, &feed.Subscription{}, &feed.Entry{},
		&feed.EntryState{}, &feed.Tag{}, &feed.TagAssignment{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	feedService, err := feed.NewService(feed.ServiceConfig{
		Database:   db,
		IDProvider: feed.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create feed service: %v", err)
	}
	syncService, err := sync.NewService(sync.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create sync service: %v", err)
	}
	tokens := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "estuary",
	})
	dispatcher := NewRealtimeDispatcher()

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokens,
		FeedService:  feedService,
		SyncService:  syncService,
		Realtime:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	fixture := &routerFixture{
		handler:  handler,
		feeds:    feedService,
		realtime: dispatcher,
	}
	fixture.token = fixture.issueToken(t, "user-1")
	return fixture
}

func (f *routerFixture) issueToken(t *testing.T, userID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"user_id":%q}`, userID)
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(body))
	request.Header.Set("Content-Type", "application/json")
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("token issue failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var parsed tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("failed to parse token response: %v", err)
	}
	if parsed.AccessToken == "" || parsed.TokenType != "Bearer" {
		t.Fatalf("unexpected token response: %+v", parsed)
	}
	return parsed.AccessToken
}

func (f *routerFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+f.token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestRouterRejectsUnauthenticatedSync(t *testing.T) {
	fixture := newRouterFixture(t)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sync/changes", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRouterSyncFlow(t *testing.T) {
	fixture := newRouterFixture(t)

	// Establish a baseline before mutating anything.
	recorder := fixture.do(t, http.MethodGet, "/sync/cursors", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("cursors failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var baseline cursorsPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &baseline); err != nil {
		t.Fatalf("failed to parse cursors: %v", err)
	}
	if _, err := sync.ParseCursor(baseline.Entries); err != nil {
		t.Fatalf("baseline cursor must parse: %v", err)
	}

	// Store and process clocks tick independently at microsecond grain.
	time.Sleep(5 * time.Millisecond)

	recorder = fixture.do(t, http.MethodPost, "/subscriptions",
		`{"feed_url":"https://example.com/feed.xml","feed_title":"Example"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("subscribe failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var subscribed subscriptionResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &subscribed); err != nil {
		t.Fatalf("failed to parse subscription: %v", err)
	}

	target := fmt.Sprintf("/sync/changes?entries=%s&subscriptions=%s&tags=%s",
		baseline.Entries, baseline.Subscriptions, baseline.Tags)
	recorder = fixture.do(t, http.MethodGet, target, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("changes failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var changes syncChangesResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &changes); err != nil {
		t.Fatalf("failed to parse changes: %v", err)
	}
	if len(changes.Subscriptions.Created) != 1 {
		t.Fatalf("expected the new subscription in the created bucket, got %s", recorder.Body.String())
	}
	decoded, err := sync.DecodeEvent(changes.Subscriptions.Created[0])
	if err != nil {
		t.Fatalf("bucket entries must decode as events: %v", err)
	}
	created, ok := decoded.(sync.SubscriptionCreated)
	if !ok || created.Subscription.ID != subscribed.ID {
		t.Fatalf("unexpected event payload: %#v", decoded)
	}
	if changes.Cursors.Subscriptions <= baseline.Subscriptions {
		t.Fatalf("expected subscription cursor advanced past %s, got %s",
			baseline.Subscriptions, changes.Cursors.Subscriptions)
	}

	// The advanced cursors observe nothing further.
	target = fmt.Sprintf("/sync/changes?entries=%s&subscriptions=%s&tags=%s",
		changes.Cursors.Entries, changes.Cursors.Subscriptions, changes.Cursors.Tags)
	recorder = fixture.do(t, http.MethodGet, target, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("follow-up failed with %d", recorder.Code)
	}
	var quiet syncChangesResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &quiet); err != nil {
		t.Fatalf("failed to parse follow-up: %v", err)
	}
	if len(quiet.Subscriptions.Created) != 0 || quiet.HasMore {
		t.Fatalf("expected silence after catching up, got %s", recorder.Body.String())
	}
}

func TestRouterFirstSyncWithoutCursors(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/subscriptions",
		`{"feed_url":"https://example.com/feed.xml"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("subscribe failed with %d", recorder.Code)
	}

	recorder = fixture.do(t, http.MethodGet, "/sync/changes", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("first sync failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var changes syncChangesResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &changes); err != nil {
		t.Fatalf("failed to parse first sync: %v", err)
	}
	if len(changes.Subscriptions.Created) != 1 {
		t.Fatalf("expected full snapshot on cursorless request, got %s", recorder.Body.String())
	}
	if changes.Cursors.Entries == "" || changes.Cursors.Entries != changes.Cursors.Tags {
		t.Fatalf("expected one snapshot instant for every type, got %+v", changes.Cursors)
	}

	recorder = fixture.do(t, http.MethodGet, "/sync/events", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("first sync events failed with %d", recorder.Code)
	}
	var events syncEventsResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &events); err != nil {
		t.Fatalf("failed to parse events: %v", err)
	}
	if len(events.Events) != 1 {
		t.Fatalf("expected the subscription event on the ordered transport, got %s", recorder.Body.String())
	}
}

func TestRouterRejectsMalformedCursor(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/sync/changes?entries=yesterday", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cursor, got %d", recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse error body: %v", err)
	}
	if body["error"] != "malformed_cursor" {
		t.Fatalf("expected malformed_cursor error, got %q", body["error"])
	}
}

func TestRouterEntryStatePublishesRealtimeEvent(t *testing.T) {
	fixture := newRouterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := fixture.do(t, http.MethodPost, "/subscriptions",
		`{"feed_url":"https://example.com/feed.xml"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("subscribe failed with %d", recorder.Code)
	}
	var subscribed subscriptionResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &subscribed); err != nil {
		t.Fatalf("failed to parse subscription: %v", err)
	}

	entry, err := fixture.feeds.IngestEntry(context.Background(), subscribed.FeedID,
		feed.EntryInput{GUID: "guid-1", Title: "First"})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	stream, cleanup := fixture.realtime.Subscribe(ctx, "user-1")
	defer cleanup()

	body := fmt.Sprintf(`{"entry_id":%q,"read":true}`, entry.ID)
	recorder = fixture.do(t, http.MethodPost, "/entries/state", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("state flip failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	select {
	case message := <-stream:
		changed, ok := message.Event.(sync.EntryStateChanged)
		if !ok {
			t.Fatalf("expected entry_state_changed, got %s", message.Event.Kind())
		}
		if changed.State.ID != entry.ID || !changed.State.Read {
			t.Fatalf("unexpected push payload: %+v", changed.State)
		}
		// The mutating transaction observed the previous flags, so the
		// push payload carries them for exact client-side deltas.
		if changed.State.PreviousRead == nil || *changed.State.PreviousRead {
			t.Fatalf("expected previous read=false on push payload")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected push delivery of the state flip")
	}
}

func TestRouterTagEndpoints(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/tags", `{"name":"news","color":"#f00"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create tag failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var created tagResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to parse tag: %v", err)
	}

	recorder = fixture.do(t, http.MethodPatch, "/tags/"+created.ID, `{"name":"headlines"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("update tag failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodGet, "/tags", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list tags failed with %d", recorder.Code)
	}
	var listed struct {
		Tags []tagResponsePayload `json:"tags"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		t.Fatalf("failed to parse tags: %v", err)
	}
	if len(listed.Tags) != 1 || listed.Tags[0].Name != "headlines" {
		t.Fatalf("unexpected tag listing: %+v", listed.Tags)
	}

	recorder = fixture.do(t, http.MethodDelete, "/tags/"+created.ID, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete tag failed with %d", recorder.Code)
	}
	recorder = fixture.do(t, http.MethodDelete, "/tags/"+created.ID, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on double delete, got %d", recorder.Code)
	}
}
