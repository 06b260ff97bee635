package identity

import (
	"relaybox/internal/events"

	"github.com/google/uuid"
)

const Module = "identity"

// UserCreated is raised when a user account is registered. Membership creates the matching member from it.
type UserCreated struct {
	UserID    uuid.UUID        `json:"user_id"`
	Email     string           `json:"email"`
	FullName  string           `json:"full_name"`
	CreatedAt events.Timestamp `json:"created_at"`
}

func (UserCreated) EventType() string { return "UserCreated" }
func (UserCreated) Module() string    { return Module }

func Register(r *events.Registry) error {
	return events.Register[UserCreated](r)
}
