package membership

import (
	"errors"

	"relaybox/internal/events"

	"github.com/google/uuid"
)

const Module = "membership"

type MemberCreated struct {
	MemberID  uuid.UUID        `json:"member_id"`
	UserID    uuid.UUID        `json:"user_id"`
	CreatedAt events.Timestamp `json:"created_at"`
}

func (MemberCreated) EventType() string { return "MemberCreated" }
func (MemberCreated) Module() string    { return Module }

// UserMemberLinked connects an identity user to a membership member.
type UserMemberLinked struct {
	UserID   uuid.UUID        `json:"user_id"`
	MemberID uuid.UUID        `json:"member_id"`
	LinkedAt events.Timestamp `json:"linked_at"`
}

func (UserMemberLinked) EventType() string { return "UserMemberLinked" }
func (UserMemberLinked) Module() string    { return Module }

func Register(r *events.Registry) error {
	return errors.Join(
		events.Register[MemberCreated](r),
		events.Register[UserMemberLinked](r),
	)
}
