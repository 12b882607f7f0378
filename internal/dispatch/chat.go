package dispatch

import (
	"time"

	"github.com/google/uuid"
)

type MessageID = uuid.UUID

// ChatMessage is one entry in an order's append-only message log. Messages
// are never edited or deleted. Ordering is by creation time; Seq breaks
// ties by insertion order.
type ChatMessage struct {
	ID       MessageID `bson:"_id" json:"id"`
	OrderID  OrderID   `bson:"order_id" json:"order_id"`
	SenderID uuid.UUID `bson:"sender_id" json:"sender_id"`
	Body     string    `bson:"body" json:"body"`
	Seq      int64     `bson:"seq" json:"seq"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}
