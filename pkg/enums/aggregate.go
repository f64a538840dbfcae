package enums

import "fmt"

// AggregateType names an event-sourced entity stream.
type AggregateType string

const (
	AggregateUser   AggregateType = "user"
	AggregateOrder  AggregateType = "order"
	AggregateDevice AggregateType = "device"
	AggregateSaga   AggregateType = "saga"
)

var validAggregateTypes = []AggregateType{
	AggregateUser,
	AggregateOrder,
	AggregateDevice,
	AggregateSaga,
}

// IsValid reports whether the value is a known aggregate type.
func (a AggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAggregateType converts raw input into AggregateType.
func ParseAggregateType(value string) (AggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}
