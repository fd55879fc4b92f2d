package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultMaxEntries bounds one sync batch. The cap is backpressure against
// unbounded first-syncs and large catch-ups; a client seeing hasMore=true
// must immediately re-request with the advanced cursor.
const DefaultMaxEntries = 500

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "sync.service.new"
	opCursors    = "sync.cursors"
	opChanges    = "sync.changes"
	opEvents     = "sync.events"
	opFirstSync  = "sync.first_sync"
)

// ServiceError carries an operation-scoped failure code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the sync service dependencies. Clock must be the same
// clock the writing services stamp rows with; it defaults to time.Now.
type ServiceConfig struct {
	Database   *gorm.DB
	Logger     *zap.Logger
	Clock      func() time.Time
	MaxEntries int
}

// Service is the server half of the sync protocol. It holds no per-client
// state: every result is a pure function of (prior cursors, current store
// state), which is what makes pull requests retryable and concurrently safe
// without locking.
type Service struct {
	db         *gorm.DB
	logger     *zap.Logger
	clock      func() time.Time
	maxEntries int
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Service{db: cfg.Database, logger: logger, clock: clock, maxEntries: maxEntries}, nil
}

// EntityBuckets groups one entity type's events for whole-batch consumers.
type EntityBuckets struct {
	Created []Event
	Updated []Event
	Removed []Event
}

// SnapshotResult is the snapshot transport's shape: bucketed events per
// entity type, one advanced cursor per entity type, and a single derived
// continuation flag.
type SnapshotResult struct {
	Entries       EntityBuckets
	Subscriptions EntityBuckets
	Tags          EntityBuckets
	Cursors       CursorSet
	HasMore       bool
}

// EventsResult is the ordered-event transport's shape: a single time-sorted
// stream consumed by the same code path as push delivery.
type EventsResult struct {
	Events  []Event
	Cursors CursorSet
	HasMore bool
}

// Cursors establishes a baseline before a client opens a push connection:
// current per-type cursors with no payload, all derived from the store's own
// clock so a mutation between "establish cursor" and "open stream" is caught
// by the next pull.
func (s *Service) Cursors(ctx context.Context, userID string) (CursorSet, error) {
	if userID == "" {
		return CursorSet{}, newServiceError(opCursors, "missing_user_id", errMissingUserID)
	}
	now, err := s.bootstrapNow(ctx)
	if err != nil {
		s.logError(opCursors, "store_now_failed", err, zap.String("user_id", userID))
		return CursorSet{}, newServiceError(opCursors, "store_now_failed", err)
	}
	cursor := FormatCursor(now)
	return CursorSet{Entries: cursor, Subscriptions: cursor, Tags: cursor}, nil
}

// collected is the projector output for one request, one list per entity
// type, each ascending by timestamp.
type collected struct {
	entries       []Event
	subscriptions []Event
	tags          []Event
	cursors       CursorSet
	hasMore       bool
}

func (s *Service) collect(ctx context.Context, operation, userID string, cursors CursorSet) (collected, error) {
	var result collected
	result.cursors = cursors

	if !cursors.Entries.IsZero() {
		since, err := cursors.Entries.Micros()
		if err != nil {
			return collected{}, newServiceError(operation, "malformed_cursor", err)
		}
		rows, hasMore, newCursor, err := s.enumerateEntries(ctx, userID, since, s.maxEntries)
		if err != nil {
			s.logError(operation, "entries_query_failed", err, zap.String("user_id", userID))
			return collected{}, newServiceError(operation, "entries_query_failed", err)
		}
		result.entries = projectEntries(rows, since)
		result.cursors.Entries = FormatCursor(newCursor)
		result.hasMore = result.hasMore || hasMore
	}

	if !cursors.Subscriptions.IsZero() {
		since, err := cursors.Subscriptions.Micros()
		if err != nil {
			return collected{}, newServiceError(operation, "malformed_cursor", err)
		}
		rows, hasMore, newCursor, err := s.enumerateSubscriptions(ctx, userID, since, s.maxEntries)
		if err != nil {
			s.logError(operation, "subscriptions_query_failed", err, zap.String("user_id", userID))
			return collected{}, newServiceError(operation, "subscriptions_query_failed", err)
		}
		result.subscriptions = projectSubscriptions(rows, since)
		result.cursors.Subscriptions = FormatCursor(newCursor)
		result.hasMore = result.hasMore || hasMore
	}

	if !cursors.Tags.IsZero() {
		since, err := cursors.Tags.Micros()
		if err != nil {
			return collected{}, newServiceError(operation, "malformed_cursor", err)
		}
		tags, hasMore, newCursor, err := s.enumerateTags(ctx, userID, since, s.maxEntries)
		if err != nil {
			s.logError(operation, "tags_query_failed", err, zap.String("user_id", userID))
			return collected{}, newServiceError(operation, "tags_query_failed", err)
		}
		result.tags = projectTags(tags, since)
		result.cursors.Tags = FormatCursor(newCursor)
		result.hasMore = result.hasMore || hasMore
	}

	return result, nil
}

// Changes is the snapshot transport. An all-absent cursor set returns an
// empty result rather than scanning from epoch; first-sync is the separate
// FirstSync operation.
func (s *Service) Changes(ctx context.Context, userID string, cursors CursorSet) (SnapshotResult, error) {
	if userID == "" {
		return SnapshotResult{}, newServiceError(opChanges, "missing_user_id", errMissingUserID)
	}
	if cursors.Empty() {
		return SnapshotResult{Cursors: cursors}, nil
	}
	collectedEvents, err := s.collect(ctx, opChanges, userID, cursors)
	if err != nil {
		return SnapshotResult{}, err
	}
	return SnapshotResult{
		Entries:       bucketEvents(collectedEvents.entries),
		Subscriptions: bucketEvents(collectedEvents.subscriptions),
		Tags:          bucketEvents(collectedEvents.tags),
		Cursors:       collectedEvents.cursors,
		HasMore:       collectedEvents.hasMore,
	}, nil
}

// Events is the ordered-event transport: the three per-type lists merged into
// one ascending stream. Consumption is handler-identical to the push stream.
func (s *Service) Events(ctx context.Context, userID string, cursors CursorSet) (EventsResult, error) {
	if userID == "" {
		return EventsResult{}, newServiceError(opEvents, "missing_user_id", errMissingUserID)
	}
	if cursors.Empty() {
		return EventsResult{Events: []Event{}, Cursors: cursors}, nil
	}
	collectedEvents, err := s.collect(ctx, opEvents, userID, cursors)
	if err != nil {
		return EventsResult{}, err
	}
	return EventsResult{
		Events:  MergeEvents(collectedEvents.entries, collectedEvents.subscriptions, collectedEvents.tags),
		Cursors: collectedEvents.cursors,
		HasMore: collectedEvents.hasMore,
	}, nil
}

// FirstSync bootstraps a client with no cursors: a recency-bounded entry
// snapshot in display order plus every live subscription and tag, with every
// returned cursor set to the store's "now" at query time. The asymmetry with
// incremental pages (which advance to the last returned row's timestamp) is
// deliberate: the snapshot excludes old rows that may still carry high
// mutation times, so a result-max cursor would let them slip through forever.
func (s *Service) FirstSync(ctx context.Context, userID string) (SnapshotResult, error) {
	if userID == "" {
		return SnapshotResult{}, newServiceError(opFirstSync, "missing_user_id", errMissingUserID)
	}
	now, err := s.bootstrapNow(ctx)
	if err != nil {
		s.logError(opFirstSync, "store_now_failed", err, zap.String("user_id", userID))
		return SnapshotResult{}, newServiceError(opFirstSync, "store_now_failed", err)
	}

	entryRows, hasMore, err := s.snapshotEntries(ctx, userID, s.maxEntries)
	if err != nil {
		s.logError(opFirstSync, "entries_query_failed", err, zap.String("user_id", userID))
		return SnapshotResult{}, newServiceError(opFirstSync, "entries_query_failed", err)
	}
	subscriptionRows, err := s.snapshotSubscriptions(ctx, userID)
	if err != nil {
		s.logError(opFirstSync, "subscriptions_query_failed", err, zap.String("user_id", userID))
		return SnapshotResult{}, newServiceError(opFirstSync, "subscriptions_query_failed", err)
	}
	tags, err := s.snapshotTags(ctx, userID)
	if err != nil {
		s.logError(opFirstSync, "tags_query_failed", err, zap.String("user_id", userID))
		return SnapshotResult{}, newServiceError(opFirstSync, "tags_query_failed", err)
	}

	// Everything in a first sync is new to the consumer, so every row
	// projects as created regardless of its stored timestamps.
	cursor := FormatCursor(now)
	return SnapshotResult{
		Entries:       bucketEvents(projectEntries(entryRows, -1)),
		Subscriptions: bucketEvents(projectSubscriptions(subscriptionRows, -1)),
		Tags:          bucketEvents(projectTags(tags, -1)),
		Cursors:       CursorSet{Entries: cursor, Subscriptions: cursor, Tags: cursor},
		HasMore:       hasMore,
	}, nil
}

// FirstSyncEvents is the ordered-event shape of the bootstrap snapshot, for
// consumers that only speak the event stream.
func (s *Service) FirstSyncEvents(ctx context.Context, userID string) (EventsResult, error) {
	snapshot, err := s.FirstSync(ctx, userID)
	if err != nil {
		return EventsResult{}, err
	}
	return EventsResult{
		Events: MergeEvents(
			sortedByTime(flattenBuckets(snapshot.Entries)),
			sortedByTime(flattenBuckets(snapshot.Subscriptions)),
			sortedByTime(flattenBuckets(snapshot.Tags)),
		),
		Cursors: snapshot.Cursors,
		HasMore: snapshot.HasMore,
	}, nil
}

func flattenBuckets(buckets EntityBuckets) []Event {
	flat := make([]Event, 0, len(buckets.Created)+len(buckets.Updated)+len(buckets.Removed))
	flat = append(flat, buckets.Created...)
	flat = append(flat, buckets.Updated...)
	flat = append(flat, buckets.Removed...)
	return flat
}

func sortedByTime(events []Event) []Event {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt() < events[j].OccurredAt()
	})
	return events
}

func bucketEvents(events []Event) EntityBuckets {
	buckets := EntityBuckets{Created: []Event{}, Updated: []Event{}, Removed: []Event{}}
	for _, event := range events {
		switch event.Kind() {
		case KindEntryCreated, KindSubscriptionCreated, KindTagCreated:
			buckets.Created = append(buckets.Created, event)
		case KindSubscriptionDeleted, KindTagDeleted:
			buckets.Removed = append(buckets.Removed, event)
		default:
			buckets.Updated = append(buckets.Updated, event)
		}
	}
	return buckets
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync service error", attrs...)
}
