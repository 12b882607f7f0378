package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a delivery driver. Busy state is deliberately not stored here:
// it is derived from the Order Store (any order with this agent_id in an
// active status), so it cannot drift after a crash mid-transition.
type Agent struct {
	ID     AgentID   `bson:"_id" json:"id"`
	UserID uuid.UUID `bson:"user_id" json:"user_id"`

	// Location is nil until the agent's first report.
	Location   *GeoPoint  `bson:"location,omitempty" json:"location,omitempty"`
	LocationAt *time.Time `bson:"location_at,omitempty" json:"location_at,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`

	ModelVersion int `bson:"model_version" json:"model_version"`
}
