package sync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the closed set of sync event payloads.
type Kind string

const (
	KindEntryCreated        Kind = "entry_created"
	KindEntryUpdated        Kind = "entry_updated"
	KindEntryStateChanged   Kind = "entry_state_changed"
	KindSubscriptionCreated Kind = "subscription_created"
	KindSubscriptionUpdated Kind = "subscription_updated"
	KindSubscriptionDeleted Kind = "subscription_deleted"
	KindTagCreated          Kind = "tag_created"
	KindTagUpdated          Kind = "tag_updated"
	KindTagDeleted          Kind = "tag_deleted"
)

// ErrUnknownEventKind indicates a wire payload whose type tag is outside the
// closed union.
var ErrUnknownEventKind = errors.New("sync: unknown event kind")

// Event is one timestamped, immutable record of an observed change. Events
// are never retracted; a later event supersedes an earlier one by timestamp.
// The union is sealed: every kind must be handled by the projector, the wire
// codec, and the reconciler.
type Event interface {
	Kind() Kind
	// OccurredAt is the row's own effective mutation time, independent of
	// delivery order.
	OccurredAt() Cursor
	sealedEvent()
}

// FeedProjection is the feed portion of a subscription_created payload.
type FeedProjection struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	SiteURL string `json:"site_url,omitempty"`
}

// EntryProjection is the full lightweight entry carried by entry_created.
type EntryProjection struct {
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

// EntryMetadata carries only the metadata fields of an existing entry.
type EntryMetadata struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Author            string `json:"author,omitempty"`
	Summary           string `json:"summary,omitempty"`
	URL               string `json:"url,omitempty"`
	PublishedAtMicros int64  `json:"published_at_us"`
}

// EntryStateChange carries a read/starred flip. The previous values are
// present only when the producer observed them in the same transaction (the
// push path); without them a consumer must not infer a count delta.
type EntryStateChange struct {
	ID              string `json:"id"`
	Read            bool   `json:"read"`
	Starred         bool   `json:"starred"`
	PreviousRead    *bool  `json:"previous_read,omitempty"`
	PreviousStarred *bool  `json:"previous_starred,omitempty"`
}

// SubscriptionProjection is the full subscription carried by
// subscription_created, including enough context for a consumer cache that
// has never seen the subscription.
type SubscriptionProjection struct {
	ID          string         `json:"id"`
	Feed        FeedProjection `json:"feed"`
	CustomTitle string         `json:"custom_title,omitempty"`
	TagIDs      []string       `json:"tag_ids"`
	UnreadCount int64          `json:"unread_count"`
}

// SubscriptionUpdate carries the mutable subscription fields.
type SubscriptionUpdate struct {
	ID          string   `json:"id"`
	CustomTitle string   `json:"custom_title,omitempty"`
	TagIDs      []string `json:"tag_ids"`
}

// TagProjection is the full tag payload.
type TagProjection struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// EntryCreated announces an entry that did not exist at the prior cursor.
type EntryCreated struct {
	At    Cursor
	Entry EntryProjection
}

// EntryUpdated announces a metadata change on a known entry.
type EntryUpdated struct {
	At    Cursor
	Entry EntryMetadata
}

// EntryStateChanged announces a read/starred flip on a known entry.
type EntryStateChanged struct {
	At    Cursor
	State EntryStateChange
}

// SubscriptionCreated announces a new (or revived) subscription.
type SubscriptionCreated struct {
	At           Cursor
	Subscription SubscriptionProjection
}

// SubscriptionUpdated announces changed tags or custom title.
type SubscriptionUpdated struct {
	At     Cursor
	Update SubscriptionUpdate
}

// SubscriptionDeleted announces an unsubscribe.
type SubscriptionDeleted struct {
	At Cursor
	ID string
}

// TagCreated announces a new tag.
type TagCreated struct {
	At  Cursor
	Tag TagProjection
}

// TagUpdated announces a renamed or recolored tag.
type TagUpdated struct {
	At  Cursor
	Tag TagProjection
}

// TagDeleted announces a removed tag.
type TagDeleted struct {
	At Cursor
	ID string
}

func (e EntryCreated) Kind() Kind { return KindEntryCreated }
func (e EntryCreated) OccurredAt() Cursor { return e.At }
func (EntryCreated) sealedEvent()         {}

func (e EntryUpdated) Kind() Kind { return KindEntryUpdated }
func (e EntryUpdated) OccurredAt() Cursor { return e.At }
func (EntryUpdated) sealedEvent()         {}

func (e EntryStateChanged) Kind() Kind { return KindEntryStateChanged }
func (e EntryStateChanged) OccurredAt() Cursor { return e.At }
func (EntryStateChanged) sealedEvent()         {}

func (e SubscriptionCreated) Kind() Kind { return KindSubscriptionCreated }
func (e SubscriptionCreated) OccurredAt() Cursor { return e.At }
func (SubscriptionCreated) sealedEvent()         {}

func (e SubscriptionUpdated) Kind() Kind { return KindSubscriptionUpdated }
func (e SubscriptionUpdated) OccurredAt() Cursor { return e.At }
func (SubscriptionUpdated) sealedEvent()         {}

func (e SubscriptionDeleted) Kind() Kind { return KindSubscriptionDeleted }
func (e SubscriptionDeleted) OccurredAt() Cursor { return e.At }
func (SubscriptionDeleted) sealedEvent()         {}

func (e TagCreated) Kind() Kind { return KindTagCreated }
func (e TagCreated) OccurredAt() Cursor { return e.At }
func (TagCreated) sealedEvent()         {}

func (e TagUpdated) Kind() Kind { return KindTagUpdated }
func (e TagUpdated) OccurredAt() Cursor { return e.At }
func (TagUpdated) sealedEvent()         {}

func (e TagDeleted) Kind() Kind { return KindTagDeleted }
func (e TagDeleted) OccurredAt() Cursor { return e.At }
func (TagDeleted) sealedEvent()         {}

// eventEnvelope is the single wire shape shared by the ordered-event pull
// transport and the push stream. Exactly one payload pointer is set per kind.
type eventEnvelope struct {
	Type         Kind                    `json:"type"`
	Timestamp    string                  `json:"timestamp"`
	Entry        *EntryProjection        `json:"entry,omitempty"`
	EntryFields  *EntryMetadata          `json:"entry_fields,omitempty"`
	EntryState   *EntryStateChange       `json:"entry_state,omitempty"`
	Subscription *SubscriptionProjection `json:"subscription,omitempty"`
	SubFields    *SubscriptionUpdate     `json:"subscription_fields,omitempty"`
	Tag          *TagProjection          `json:"tag,omitempty"`
	ID           string                  `json:"id,omitempty"`
}

// EncodeEvent marshals an event to the shared wire shape.
func EncodeEvent(event Event) ([]byte, error) {
	envelope := eventEnvelope{
		Type:      event.Kind(),
		Timestamp: event.OccurredAt().String(),
	}
	switch typed := event.(type) {
	case EntryCreated:
		entry := typed.Entry
		envelope.Entry = &entry
	case EntryUpdated:
		fields := typed.Entry
		envelope.EntryFields = &fields
	case EntryStateChanged:
		state := typed.State
		envelope.EntryState = &state
	case SubscriptionCreated:
		subscription := typed.Subscription
		envelope.Subscription = &subscription
	case SubscriptionUpdated:
		update := typed.Update
		envelope.SubFields = &update
	case SubscriptionDeleted:
		envelope.ID = typed.ID
	case TagCreated:
		tag := typed.Tag
		envelope.Tag = &tag
	case TagUpdated:
		tag := typed.Tag
		envelope.Tag = &tag
	case TagDeleted:
		envelope.ID = typed.ID
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventKind, event)
	}
	return json.Marshal(envelope)
}

// DecodeEvent parses the shared wire shape back into a typed event.
func DecodeEvent(data []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	at := Cursor(envelope.Timestamp)
	if _, err := at.Micros(); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case KindEntryCreated:
		if envelope.Entry == nil {
			return nil, fmt.Errorf("%w: %s without entry payload", ErrUnknownEventKind, envelope.Type)
		}
		return EntryCreated{At: at, Entry: *envelope.Entry}, nil
	case KindEntryUpdated:
		if envelope.EntryFields == nil {
			return nil, fmt.Errorf("%w: %s without entry_fields payload", ErrUnknownEventKind, envelope.Type)
		}
		return EntryUpdated{At: at, Entry: *envelope.EntryFields}, nil
	case KindEntryStateChanged:
		if envelope.EntryState == nil {
			return nil, fmt.Errorf("%w: %s without entry_state payload", ErrUnknownEventKind, envelope.Type)
		}
		return EntryStateChanged{At: at, State: *envelope.EntryState}, nil
	case KindSubscriptionCreated:
		if envelope.Subscription == nil {
			return nil, fmt.Errorf("%w: %s without subscription payload", ErrUnknownEventKind, envelope.Type)
		}
		return SubscriptionCreated{At: at, Subscription: *envelope.Subscription}, nil
	case KindSubscriptionUpdated:
		if envelope.SubFields == nil {
			return nil, fmt.Errorf("%w: %s without subscription_fields payload", ErrUnknownEventKind, envelope.Type)
		}
		return SubscriptionUpdated{At: at, Update: *envelope.SubFields}, nil
	case KindSubscriptionDeleted:
		return SubscriptionDeleted{At: at, ID: envelope.ID}, nil
	case KindTagCreated:
		if envelope.Tag == nil {
			return nil, fmt.Errorf("%w: %s without tag payload", ErrUnknownEventKind, envelope.Type)
		}
		return TagCreated{At: at, Tag: *envelope.Tag}, nil
	case KindTagUpdated:
		if envelope.Tag == nil {
			return nil, fmt.Errorf("%w: %s without tag payload", ErrUnknownEventKind, envelope.Type)
		}
		return TagUpdated{At: at, Tag: *envelope.Tag}, nil
	case KindTagDeleted:
		return TagDeleted{At: at, ID: envelope.ID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, envelope.Type)
	}
}
