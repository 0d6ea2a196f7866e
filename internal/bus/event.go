package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces ("conversation.changed", "message.delivered",
// "session.status_changed") so subscribers can filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
