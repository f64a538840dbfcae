package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/pkg/enums"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusActive    OrderStatus = "ACTIVE"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

// Order is the folded state of an order stream.
type Order struct {
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	PlanID      string          `json:"planId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      OrderStatus     `json:"status"`
	SagaID      string          `json:"sagaId,omitempty"`
	PaymentID   string          `json:"paymentId,omitempty"`
	DeviceID    string          `json:"deviceId,omitempty"`
	Refunded    decimal.Decimal `json:"refunded"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	PaidAt      *time.Time      `json:"paidAt,omitempty"`
	ActivatedAt *time.Time      `json:"activatedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// OrderCreatedV2 added Currency; v1 payloads were always USD.
type OrderCreatedV2 struct {
	OrderID  string          `json:"orderId"`
	UserID   string          `json:"userId"`
	PlanID   string          `json:"planId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	SagaID   string          `json:"sagaId,omitempty"`
}

type OrderPaid struct {
	PaymentID string          `json:"paymentId"`
	Amount    decimal.Decimal `json:"amount"`
}

type OrderActivated struct {
	DeviceID string `json:"deviceId,omitempty"`
}

type OrderCancelled struct {
	Reason string `json:"reason"`
}

type OrderRefunded struct {
	PaymentID string          `json:"paymentId"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
}

const orderCreatedSchema = 2

// OrderAggregate rebuilds orders from their events.
func OrderAggregate() *replay.Aggregate[Order] {
	return replay.NewAggregate(enums.AggregateOrder, func() Order { return Order{} }).
		On(enums.EventOrderCreated, orderCreatedSchema, applyOrderCreated).
		Upcast(enums.EventOrderCreated, 1, upcastOrderCreatedV1).
		On(enums.EventOrderPaid, 1, applyOrderPaid).
		On(enums.EventOrderActivated, 1, applyOrderActivated).
		On(enums.EventOrderCancelled, 1, applyOrderCancelled).
		On(enums.EventOrderRefunded, 1, applyOrderRefunded)
}

func upcastOrderCreatedV1(payload json.RawMessage) (json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	if _, ok := body["currency"]; !ok {
		body["currency"] = json.RawMessage(`"USD"`)
	}
	return json.Marshal(body)
}

func applyOrderCreated(state Order, ev eventstore.Event) (Order, error) {
	p, err := replay.Decode[OrderCreatedV2](ev)
	if err != nil {
		return state, err
	}
	return Order{
		OrderID:   p.OrderID,
		UserID:    p.UserID,
		PlanID:    p.PlanID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		SagaID:    p.SagaID,
		Status:    OrderStatusPending,
		CreatedAt: ev.OccurredAt,
		UpdatedAt: ev.OccurredAt,
	}, nil
}

func applyOrderPaid(state Order, ev eventstore.Event) (Order, error) {
	p, err := replay.Decode[OrderPaid](ev)
	if err != nil {
		return state, err
	}
	paidAt := ev.OccurredAt
	state.Status = OrderStatusPaid
	state.PaymentID = p.PaymentID
	state.PaidAt = &paidAt
	state.UpdatedAt = ev.OccurredAt
	return state, nil
}

func applyOrderActivated(state Order, ev eventstore.Event) (Order, error) {
	p, err := replay.Decode[OrderActivated](ev)
	if err != nil {
		return state, err
	}
	activatedAt := ev.OccurredAt
	state.Status = OrderStatusActive
	state.DeviceID = p.DeviceID
	state.ActivatedAt = &activatedAt
	state.UpdatedAt = ev.OccurredAt
	return state, nil
}

func applyOrderCancelled(state Order, ev eventstore.Event) (Order, error) {
	p, err := replay.Decode[OrderCancelled](ev)
	if err != nil {
		return state, err
	}
	state.Status = OrderStatusCancelled
	state.Reason = p.Reason
	state.UpdatedAt = ev.OccurredAt
	return state, nil
}

func applyOrderRefunded(state Order, ev eventstore.Event) (Order, error) {
	p, err := replay.Decode[OrderRefunded](ev)
	if err != nil {
		return state, err
	}
	if p.PaymentID != state.PaymentID {
		return state, fmt.Errorf("refund of %s does not match payment %s of order %s", p.PaymentID, state.PaymentID, state.OrderID)
	}
	state.Status = OrderStatusRefunded
	state.Refunded = state.Refunded.Add(p.Amount)
	state.Reason = p.Reason
	state.UpdatedAt = ev.OccurredAt
	return state, nil
}
