package conversation

import "fmt"

// Status is the delivery state of a chat message.
type Status string

const (
	// StatusInitial is the optimistic state of a locally composed
	// message before the server acknowledges it.
	StatusInitial Status = "initial"
	// StatusDelivered means the server accepted the message (send ack)
	// or pushed it to us.
	StatusDelivered Status = "delivered"
	// StatusNotDelivered means the send failed. Terminal; retry means
	// composing a new message.
	StatusNotDelivered Status = "not_delivered"
	// StatusRead means the recipient has seen the message.
	StatusRead Status = "read"
)

// validTransitions defines the monotonic status machine. Accepted
// moves: Initial -> Delivered, Initial -> NotDelivered,
// Delivered -> Read. Everything else is rejected; status never moves
// backward and NotDelivered/Read are terminal.
var validTransitions = map[Status][]Status{
	StatusInitial:      {StatusDelivered, StatusNotDelivered},
	StatusDelivered:    {StatusRead},
	StatusNotDelivered: {},
	StatusRead:         {},
}

// checkTransition returns an error for any move the machine forbids.
func checkTransition(from, to Status) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid message status transition from %s to %s", from, to)
}
