package ordering

import "relaybox/internal/events"

const Module = "ordering"

type OrderCreated struct {
	ID int64 `json:"id"`
}

func (OrderCreated) EventType() string { return "OrderCreated" }
func (OrderCreated) Module() string    { return Module }

func Register(r *events.Registry) error {
	return events.Register[OrderCreated](r)
}
