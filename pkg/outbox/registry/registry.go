package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	"github.com/cloudphone/txcore/pkg/outbox"
)

// EventDescriptor links an event type to its aggregate and topic.
type EventDescriptor struct {
	EventType     enums.EventType
	AggregateType enums.AggregateType
	Topic         string
}

// ResolvedMessage is an outbox row that is safe to relay.
type ResolvedMessage struct {
	Topic    string
	Envelope outbox.Envelope
}

// Registry routes domain events, saga commands and saga replies to topics.
// The same names are used as Pub/Sub topic IDs and Kafka topics.
type Registry struct {
	events        map[string]EventDescriptor
	commandTopics map[enums.Service]string
	replyTopic    string
	topics        map[string]struct{}
}

// NonRetryableError signals the dispatcher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

// Error implements error.
func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError wraps err so the publisher dead-letters immediately.
func NewNonRetryableError(err error) error {
	return NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err (or anything it wraps) is non-retryable.
func IsNonRetryable(err error) bool {
	var target NonRetryableError
	return errors.As(err, &target)
}

// NewEventRegistry builds the registry with the configured topic names.
func NewEventRegistry(cfg config.PubSubConfig) (*Registry, error) {
	required := map[string]string{
		"users topic":            cfg.UsersTopic,
		"billing topic":          cfg.BillingTopic,
		"devices topic":          cfg.DevicesTopic,
		"billing commands topic": cfg.BillingCommandsTopic,
		"device commands topic":  cfg.DeviceCommandsTopic,
		"user commands topic":    cfg.UserCommandsTopic,
		"saga replies topic":     cfg.SagaRepliesTopic,
	}
	var missing []string
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%s required", strings.Join(missing, ", "))
	}

	reg := &Registry{
		events: make(map[string]EventDescriptor),
		commandTopics: map[enums.Service]string{
			enums.ServiceBilling: cfg.BillingCommandsTopic,
			enums.ServiceDevices: cfg.DeviceCommandsTopic,
			enums.ServiceUsers:   cfg.UserCommandsTopic,
		},
		replyTopic: cfg.SagaRepliesTopic,
		topics:     make(map[string]struct{}),
	}

	topicByAggregate := map[enums.AggregateType]string{
		enums.AggregateUser:   cfg.UsersTopic,
		enums.AggregateOrder:  cfg.BillingTopic,
		enums.AggregateDevice: cfg.DevicesTopic,
	}
	for agg, topic := range topicByAggregate {
		for _, eventType := range enums.DomainEventTypes(agg) {
			reg.register(EventDescriptor{EventType: eventType, AggregateType: agg, Topic: topic})
		}
	}
	for _, eventType := range []enums.EventType{enums.EventSagaStepReply, enums.EventSagaCompensationReply} {
		reg.register(EventDescriptor{EventType: eventType, AggregateType: enums.AggregateSaga, Topic: cfg.SagaRepliesTopic})
	}
	for _, topic := range reg.commandTopics {
		reg.topics[topic] = struct{}{}
	}
	return reg, nil
}

func (r *Registry) register(desc EventDescriptor) {
	r.events[string(desc.EventType)] = desc
	r.topics[desc.Topic] = struct{}{}
}

// TopicFor returns the destination of an event type. Unrouted events are
// stored in the event log only.
func (r *Registry) TopicFor(eventType string) (string, bool) {
	desc, ok := r.events[eventType]
	if !ok {
		return "", false
	}
	return desc.Topic, true
}

// Descriptor returns the registered descriptor for an event type.
func (r *Registry) Descriptor(eventType string) (EventDescriptor, bool) {
	desc, ok := r.events[eventType]
	return desc, ok
}

// CommandTopic is where commands for a participant service are sent.
func (r *Registry) CommandTopic(service enums.Service) (string, error) {
	topic, ok := r.commandTopics[service]
	if !ok {
		return "", fmt.Errorf("no command topic for service %q", service)
	}
	return topic, nil
}

// ReplyTopic is where participants send step results.
func (r *Registry) ReplyTopic() string {
	return r.replyTopic
}

// Topics lists every topic the registry can route to, sorted.
func (r *Registry) Topics() []string {
	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Resolve validates an outbox row before relay. Unknown topics and malformed
// envelopes can never succeed and are reported as non-retryable.
func (r *Registry) Resolve(row models.OutboxMessage) (*ResolvedMessage, error) {
	if _, ok := r.topics[row.DestinationTopic]; !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unknown destination topic %q", row.DestinationTopic))
	}
	env, err := outbox.DecodeEnvelope(row.Payload)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	if env.EventID != row.EventID {
		return nil, NewNonRetryableError(fmt.Errorf("envelope event id %s does not match row %s", env.EventID, row.EventID))
	}
	return &ResolvedMessage{Topic: row.DestinationTopic, Envelope: env}, nil
}
