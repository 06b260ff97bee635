package billing

import (
	"fmt"

	"relaybox/internal/events"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const Module = "billing"

type PaymentMethod int

const (
	PaymentMethodUnknown PaymentMethod = iota
	PaymentMethodCard
	PaymentMethodBankTransfer
	PaymentMethodCash
)

var paymentMethodNames = map[PaymentMethod]string{
	PaymentMethodUnknown:      "Unknown",
	PaymentMethodCard:         "Card",
	PaymentMethodBankTransfer: "BankTransfer",
	PaymentMethodCash:         "Cash",
}

func (m PaymentMethod) String() string {
	if name, ok := paymentMethodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("PaymentMethod(%d)", int(m))
}

func (m PaymentMethod) MarshalText() ([]byte, error) {
	name, ok := paymentMethodNames[m]
	if !ok {
		return nil, fmt.Errorf("payment method %d: %w", int(m), events.ErrInvalidArgument)
	}
	return []byte(name), nil
}

func (m *PaymentMethod) UnmarshalText(text []byte) error {
	for value, name := range paymentMethodNames {
		if name == string(text) {
			*m = value
			return nil
		}
	}
	return fmt.Errorf("payment method %q: %w", text, events.ErrInvalidArgument)
}

// BillPaid carries money as a decimal string so amounts survive the round trip exactly.
type BillPaid struct {
	BillID   uuid.UUID         `json:"bill_id"`
	MemberID uuid.UUID         `json:"member_id"`
	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency"`
	Method   PaymentMethod     `json:"method"`
	PaidAt   events.Timestamp  `json:"paid_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (BillPaid) EventType() string { return "BillPaid" }
func (BillPaid) Module() string    { return Module }

func Register(r *events.Registry) error {
	return events.Register[BillPaid](r)
}
