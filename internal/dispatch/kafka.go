package dispatch

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// NewKafkaProducer creates a synchronous producer that waits for all replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher sends hub messages to a Kafka topic keyed by device id, which keeps
// each device's messages in one partition and therefore in order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, cred Credential, correlationID string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(cred.DeviceID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("correlation-id"), Value: []byte(correlationID)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send to topic %s: %w", p.topic, err)
	}
	return nil
}

// Forget is a no-op; the producer is shared by all devices.
func (p *KafkaPublisher) Forget(string) {}

func (p *KafkaPublisher) Close() {
	p.producer.Close()
}
