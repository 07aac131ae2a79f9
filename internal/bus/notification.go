package bus

import "time"

// Notification is a change notification published by the room engine.
// Kind is a dotted name such as "room.message" or "room.receipts_changed";
// Payload holds the kind-specific struct declared next to the publisher.
type Notification struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
