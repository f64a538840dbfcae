// Package consumers receives relayed outbox messages: saga replies for the
// orchestrator and saga commands for participants.
package consumers

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/segmentio/kafka-go"

	"github.com/cloudphone/txcore/pkg/config"
	pkgkafka "github.com/cloudphone/txcore/pkg/kafka"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
)

// Delivery is one received message. Attributes holds Pub/Sub attributes or
// Kafka headers.
type Delivery struct {
	MessageID  string
	Data       []byte
	Attributes map[string]string
}

// HandleFunc processes a delivery. A non-nil error asks for redelivery.
type HandleFunc func(ctx context.Context, d Delivery) error

// Source feeds deliveries to fn until ctx is canceled.
type Source interface {
	Receive(ctx context.Context, fn HandleFunc) error
}

// PubSubSource acks handled messages and nacks failed ones so Pub/Sub
// redelivers them.
type PubSubSource struct {
	sub *gcppubsub.Subscriber
}

func NewPubSubSource(sub *gcppubsub.Subscriber) (*PubSubSource, error) {
	if sub == nil {
		return nil, errors.New("pubsub subscription is required")
	}
	return &PubSubSource{sub: sub}, nil
}

func (s *PubSubSource) Receive(ctx context.Context, fn HandleFunc) error {
	return s.sub.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		err := fn(innerCtx, Delivery{MessageID: msg.ID, Data: msg.Data, Attributes: msg.Attributes})
		if err != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// kafkaReader is the part of *kafka.Reader the source uses.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource commits offsets only after a message is handled. Kafka has no
// per-message nack, so a failed message is retried in place with backoff,
// which holds back its partition until it succeeds.
type KafkaSource struct {
	reader  kafkaReader
	backoff outbox.Backoff
	logg    *logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewKafkaSource reads topic as consumer group groupID. An empty groupID
// falls back to the configured default.
func NewKafkaSource(cfg config.KafkaConfig, topic, groupID string, logg *logger.Logger) (*KafkaSource, error) {
	reader, err := pkgkafka.NewReader(cfg, topic, groupID)
	if err != nil {
		return nil, err
	}
	return newKafkaSource(reader, logg), nil
}

func newKafkaSource(reader kafkaReader, logg *logger.Logger) *KafkaSource {
	if logg == nil {
		logg = logger.Nop()
	}
	return &KafkaSource{
		reader:  reader,
		backoff: outbox.Backoff{Base: 500 * time.Millisecond, Factor: 2, Max: 30 * time.Second},
		logg:    logg,
		sleep:   sleepCtx,
	}
}

func (s *KafkaSource) Receive(ctx context.Context, fn HandleFunc) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.logg.Error(ctx, "failed to close kafka reader", err)
		}
	}()
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logg.Error(ctx, "kafka fetch failed", err)
			if err := s.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		d := Delivery{
			MessageID:  fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Data:       msg.Value,
			Attributes: pkgkafka.AttributesFromHeaders(msg.Headers),
		}
		for attempt := 1; ; attempt++ {
			err := fn(ctx, d)
			if err == nil {
				break
			}
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"message_id": d.MessageID,
				"attempt":    attempt,
				"error":      err.Error(),
			}), "kafka message failed, retrying")
			if err := s.sleep(ctx, s.backoff.Next(attempt)); err != nil {
				return err
			}
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The message is handled again after a rebalance; handlers dedupe.
			s.logg.Error(s.logg.WithField(ctx, "message_id", d.MessageID), "kafka commit failed", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
