package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	pkgkafka "github.com/cloudphone/txcore/pkg/kafka"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox/registry"
)

// errCircuitOpen means the breaker rejected the call without touching the
// transport. The row is released without spending an attempt.
var errCircuitOpen = errors.New("transport circuit open")

// Transport delivers one resolved outbox message.
type Transport interface {
	Publish(ctx context.Context, msg *registry.ResolvedMessage, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

// pubsubTransport keeps one publisher per topic; each v2 publisher owns its
// own batching goroutines.
type pubsubTransport struct {
	client     pubSubClient
	mu         sync.Mutex
	publishers map[string]*gcppubsub.Publisher
}

func newPubSubTransport(client pubSubClient) *pubsubTransport {
	return &pubsubTransport{client: client, publishers: make(map[string]*gcppubsub.Publisher)}
}

func (t *pubsubTransport) publisher(topic string) *gcppubsub.Publisher {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.publishers[topic]; ok {
		return p
	}
	p := t.client.Publisher(topic)
	if p != nil {
		t.publishers[topic] = p
	}
	return p
}

func (t *pubsubTransport) Publish(ctx context.Context, msg *registry.ResolvedMessage, data []byte) error {
	pub := t.publisher(msg.Topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", msg.Topic))
	}
	result := pub.Publish(ctx, &gcppubsub.Message{
		Data:       data,
		Attributes: msg.Envelope.Attributes(),
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (t *pubsubTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx)
}

func (t *pubsubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, p := range t.publishers {
		p.Stop()
		delete(t.publishers, topic)
	}
	return nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaTransport keys messages by aggregate id so one aggregate's events stay
// on one partition.
type kafkaTransport struct {
	writer kafkaWriter
	ping   func(context.Context) error
}

func newKafkaTransport(writer kafkaWriter, ping func(context.Context) error) *kafkaTransport {
	return &kafkaTransport{writer: writer, ping: ping}
}

func (t *kafkaTransport) Publish(ctx context.Context, msg *registry.ResolvedMessage, data []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Envelope.AggregateID),
		Value:   data,
		Headers: pkgkafka.HeadersFromAttributes(msg.Envelope.Attributes()),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			return registry.NewNonRetryableError(fmt.Errorf("kafka topic %s: %w", msg.Topic, err))
		}
		return fmt.Errorf("kafka publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (t *kafkaTransport) Ping(ctx context.Context) error {
	if t.ping == nil {
		return nil
	}
	return t.ping(ctx)
}

func (t *kafkaTransport) Close() error {
	return t.writer.Close()
}

// breakerTransport stops hammering a failing broker. Non-retryable errors
// are the message's fault, not the broker's, and do not trip it.
type breakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

func newBreakerTransport(name string, next Transport, logg *logger.Logger) *breakerTransport {
	if logg == nil {
		logg = logger.Nop()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || registry.IsNonRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logg.Warn(logg.WithFields(context.Background(), map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}), "outbox transport circuit breaker state changed")
		},
	}
	return &breakerTransport{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (t *breakerTransport) Publish(ctx context.Context, msg *registry.ResolvedMessage, data []byte) error {
	_, err := t.cb.Execute(func() (interface{}, error) {
		return nil, t.next.Publish(ctx, msg, data)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", errCircuitOpen, err)
	}
	return err
}

func (t *breakerTransport) State() gobreaker.State {
	return t.cb.State()
}

func (t *breakerTransport) Ping(ctx context.Context) error { return t.next.Ping(ctx) }

func (t *breakerTransport) Close() error { return t.next.Close() }
