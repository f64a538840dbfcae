package enums

// EventType names a domain event recorded in the event store.
type EventType string

const (
	EventUserCreated      EventType = "UserCreated"
	EventUserUpdated      EventType = "UserUpdated"
	EventUserSuspended    EventType = "UserSuspended"
	EventUserActivated    EventType = "UserActivated"
	EventUserDeleted      EventType = "UserDeleted"
	EventQuotaInitialized EventType = "QuotaInitialized"

	EventOrderCreated   EventType = "OrderCreated"
	EventOrderPaid      EventType = "OrderPaid"
	EventOrderActivated EventType = "OrderActivated"
	EventOrderCancelled EventType = "OrderCancelled"
	EventOrderRefunded  EventType = "OrderRefunded"

	EventDeviceAllocated     EventType = "DeviceAllocated"
	EventDeviceProvisioned   EventType = "DeviceProvisioned"
	EventDeviceStarted       EventType = "DeviceStarted"
	EventDeviceDeprovisioned EventType = "DeviceDeprovisioned"
	EventDeviceReleased      EventType = "DeviceReleased"

	// Saga traffic shares the outbox with domain events.
	EventSagaStepReply         EventType = "SagaStepReply"
	EventSagaCompensationReply EventType = "SagaCompensationReply"
)

var eventAggregates = map[EventType]AggregateType{
	EventUserCreated:      AggregateUser,
	EventUserUpdated:      AggregateUser,
	EventUserSuspended:    AggregateUser,
	EventUserActivated:    AggregateUser,
	EventUserDeleted:      AggregateUser,
	EventQuotaInitialized: AggregateUser,

	EventOrderCreated:   AggregateOrder,
	EventOrderPaid:      AggregateOrder,
	EventOrderActivated: AggregateOrder,
	EventOrderCancelled: AggregateOrder,
	EventOrderRefunded:  AggregateOrder,

	EventDeviceAllocated:     AggregateDevice,
	EventDeviceProvisioned:   AggregateDevice,
	EventDeviceStarted:       AggregateDevice,
	EventDeviceDeprovisioned: AggregateDevice,
	EventDeviceReleased:      AggregateDevice,

	EventSagaStepReply:         AggregateSaga,
	EventSagaCompensationReply: AggregateSaga,
}

// AggregateOf returns the aggregate type that owns the event.
func (e EventType) AggregateOf() (AggregateType, bool) {
	agg, ok := eventAggregates[e]
	return agg, ok
}

// DomainEventTypes lists the event types owned by the aggregate.
func DomainEventTypes(agg AggregateType) []EventType {
	var out []EventType
	for _, candidate := range []EventType{
		EventUserCreated, EventUserUpdated, EventUserSuspended, EventUserActivated, EventUserDeleted, EventQuotaInitialized,
		EventOrderCreated, EventOrderPaid, EventOrderActivated, EventOrderCancelled, EventOrderRefunded,
		EventDeviceAllocated, EventDeviceProvisioned, EventDeviceStarted, EventDeviceDeprovisioned, EventDeviceReleased,
	} {
		if eventAggregates[candidate] == agg {
			out = append(out, candidate)
		}
	}
	return out
}

// Service identifies a saga participant and, through it, its command topic.
type Service string

const (
	ServiceBilling Service = "billing"
	ServiceDevices Service = "devices"
	ServiceUsers   Service = "users"
)

func (s Service) IsValid() bool {
	switch s {
	case ServiceBilling, ServiceDevices, ServiceUsers:
		return true
	}
	return false
}
