package messages

import "time"

// RelayStatus is the coarse marker the change-capture relay uses to tell
// freshly written messages from ones it already republished. The merge saga
// never reads it.
type RelayStatus string

const (
	// RelayStatusPending marks a message not yet republished to the bus.
	RelayStatusPending RelayStatus = "PENDING"
	// RelayStatusRelayed marks a message the relay has republished.
	RelayStatusRelayed RelayStatus = "RELAYED"
)

// Message is the chat message document. Migration mutates only RoomID; the
// message identity and content never change.
type Message struct {
	ID          string      `bson:"_id" json:"id"`
	RoomID      string      `bson:"room_id" json:"room_id"`
	Sender      string      `bson:"sender" json:"sender"`
	Body        string      `bson:"body" json:"body"`
	RelayStatus RelayStatus `bson:"relay_status" json:"-"`
	SentAt      time.Time   `bson:"sent_at" json:"sent_at"`
}
