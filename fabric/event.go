package fabric

import (
	"encoding/json"
	"time"
)

// EventType tags one kind of platform notification. The vocabulary is closed;
// consumers treat any tag outside it as ignorable.
type EventType string

// Platform notification event types
const (
	EventScholarshipCreated      EventType = "SCHOLARSHIP_CREATED"
	EventScholarshipUpdated      EventType = "SCHOLARSHIP_UPDATED"
	EventScholarshipDeleted      EventType = "SCHOLARSHIP_DELETED"
	EventJobCreated              EventType = "JOB_CREATED"
	EventJobUpdated              EventType = "JOB_UPDATED"
	EventJobDeleted              EventType = "JOB_DELETED"
	EventApplicationSubmitted    EventType = "APPLICATION_SUBMITTED"
	EventApplicationStatusChange EventType = "APPLICATION_STATUS_CHANGED"
	EventBlogPostPublished       EventType = "BLOG_POST_PUBLISHED"
	EventTestimonialSubmitted    EventType = "TESTIMONIAL_SUBMITTED"
	EventPartnerUpdated          EventType = "PARTNER_UPDATED"
	EventUserUpdated             EventType = "USER_UPDATED"
	EventUserDeleted             EventType = "USER_DELETED"
	EventContentFlagged          EventType = "CONTENT_FLAGGED"
	EventNotification            EventType = "NOTIFICATION"
)

var knownEventTypes = map[EventType]bool{
	EventScholarshipCreated:      true,
	EventScholarshipUpdated:      true,
	EventScholarshipDeleted:      true,
	EventJobCreated:              true,
	EventJobUpdated:              true,
	EventJobDeleted:              true,
	EventApplicationSubmitted:    true,
	EventApplicationStatusChange: true,
	EventBlogPostPublished:       true,
	EventTestimonialSubmitted:    true,
	EventPartnerUpdated:          true,
	EventUserUpdated:             true,
	EventUserDeleted:             true,
	EventContentFlagged:          true,
	EventNotification:            true,
}

// Known whether the event type is part of the fixed vocabulary
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

// Event is one published notification message. Immutable once constructed.
// Delivery is fire-and-forget; a connection offline at publish time misses
// the event permanently.
type Event struct {
	// Channel is the broadcast channel the event is scoped to
	Channel string `json:"channel" validate:"required"`
	// Type is the event type tag
	Type EventType `json:"type" validate:"required"`
	// Data is the structured event payload
	Data json.RawMessage `json:"data,omitempty"`
	// Timestamp is when the event entered the fabric
	Timestamp time.Time `json:"timestamp"`
}

// UserChannel the per-user channel name for a user ID
func UserChannel(userID string) string {
	return "user/" + userID
}
