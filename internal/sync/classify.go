package sync

import "github.com/MarcoPoloResearchLab/estuary/internal/feed"

// classification is the per-row verdict driving which event kind a row
// projects to.
type classification int

const (
	classificationCreated classification = iota
	classificationUpdatedMetadata
	classificationUpdatedStateOnly
	classificationRemoved
)

// classifyEntry decides what one enumerated entry row represents relative to
// the prior cursor. A row created after the cursor classifies as created
// regardless of later mutations in the same gap, so a consumer receives one
// created event carrying the latest field values rather than a created plus
// an updated pair. A row whose own metadata timestamp is within the cursor
// while the per-user state timestamp is beyond it flipped read/starred only,
// which projects to the minimal payload.
func classifyEntry(row entryChangeRow, sinceMicros int64) classification {
	if row.CreatedAtMicros > sinceMicros {
		return classificationCreated
	}
	if row.UpdatedAtMicros <= sinceMicros && row.StateUpdatedAtMicros > sinceMicros {
		return classificationUpdatedStateOnly
	}
	return classificationUpdatedMetadata
}

// classifySubscription decides what one enumerated subscription represents.
func classifySubscription(subscription feed.Subscription, sinceMicros int64) classification {
	if subscription.Deleted() {
		return classificationRemoved
	}
	if subscription.CreatedAtMicros > sinceMicros {
		return classificationCreated
	}
	return classificationUpdatedMetadata
}

// classifyTag decides what one enumerated tag represents.
func classifyTag(tag feed.Tag, sinceMicros int64) classification {
	if tag.Deleted() {
		return classificationRemoved
	}
	if tag.CreatedAtMicros > sinceMicros {
		return classificationCreated
	}
	return classificationUpdatedMetadata
}
