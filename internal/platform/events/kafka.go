package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/rs/zerolog"

	"github.com/ehr/authority/internal/domain/changes"
	"github.com/ehr/authority/internal/platform/fhir"
)

// KafkaPublisher publishes events synchronously so that a failed send is
// reported against the resource that caused it.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
	logger   zerolog.Logger
	now      func() time.Time
}

// Opt configures a KafkaPublisher.
type Opt func(*KafkaPublisher)

func WithLogger(logger zerolog.Logger) Opt {
	return func(p *KafkaPublisher) { p.logger = logger }
}

func WithClock(now func() time.Time) Opt {
	return func(p *KafkaPublisher) { p.now = now }
}

// NewProducerConfig returns the sarama configuration used for event
// publishing. Sends wait for all in-sync replicas and report success back to
// the caller.
func NewProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// NewKafkaPublisher connects a sync producer to the brokers.
func NewKafkaPublisher(brokers []string, clientID, prefix string, opts ...Opt) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, prefix, opts...), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, prefix string, opts ...Opt) *KafkaPublisher {
	p := &KafkaPublisher{
		producer: producer,
		prefix:   prefix,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, tenantID string, r fhir.Resource, t changes.Type) error {
	event := NewEvent(p.prefix, tenantID, r, t, p.now())
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: Topic(p.prefix, r.Type()),
		Key:   sarama.StringEncoder(MessageKey(tenantID, r)),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-id"), Value: []byte(event.ID)},
			{Key: []byte("event-type"), Value: []byte(event.EventType)},
			{Key: []byte("tenant-id"), Value: []byte(tenantID)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	p.logger.Debug().
		Str("topic", msg.Topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Str("event_type", event.EventType).
		Str("resource_id", event.ResourceID).
		Msg("event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
