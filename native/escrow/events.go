package escrow

import (
	"strconv"

	"escrowd/core/events"
)

const (
	EventTypeCreated   = "escrow.created"
	EventTypeCompleted = "escrow.completed"
	EventTypeRefunded  = "escrow.refunded"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow record.
func NewCreatedEvent(r *Record) events.Event { return newRecordEvent(EventTypeCreated, r) }

// NewCompletedEvent returns the canonical event payload emitted when escrow
// funds are released to the recipient.
func NewCompletedEvent(r *Record) events.Event { return newRecordEvent(EventTypeCompleted, r) }

// NewRefundedEvent returns the canonical event payload emitted when escrow
// funds return to the owner. Owner-initiated cancellation and post-deadline
// refund share this payload; consumers cannot distinguish the two.
func NewRefundedEvent(r *Record) events.Event { return newRecordEvent(EventTypeRefunded, r) }

func newRecordEvent(eventType string, r *Record) events.Event {
	attrs := make(map[string]string)
	if r == nil {
		return events.Event{Type: eventType, Attributes: attrs}
	}
	clone := r.Clone()
	attrs["id"] = strconv.FormatUint(clone.ID, 10)
	attrs["owner"] = clone.Owner.Hex()
	attrs["amount"] = clone.Amount.String()
	attrs["asset"] = clone.Asset.String()
	attrs["deadline"] = strconv.FormatInt(clone.Deadline, 10)
	attrs["descriptionRef"] = clone.DescriptionRef
	attrs["status"] = clone.Status.String()
	if clone.Recipient != nil {
		attrs["recipient"] = clone.Recipient.Hex()
	}
	return events.Event{Type: eventType, Attributes: attrs}
}
