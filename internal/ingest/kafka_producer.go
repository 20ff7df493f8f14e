package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-assignment/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Topics names the Kafka topics the service reads and writes.
type Topics struct {
	Locations   string
	Jobs        string
	Assignments string
}

func DefaultTopics() Topics {
	return Topics{Locations: "rider-locations", Jobs: "delivery-jobs", Assignments: "assignment-events"}
}

// KafkaProducer publishes rider pings, job events and assignment outcomes.
// The topic is chosen per message.
type KafkaProducer struct {
	writer  messageWriter
	topics  Topics
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topics Topics) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Balancer: &kafka.LeastBytes{}, AllowAutoTopicCreation: true}
	return &KafkaProducer{writer: w, topics: topics, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	return k.publish(ctx, k.topics.Locations, p.RiderID, p)
}

func (k *KafkaProducer) PublishJobEvent(ctx context.Context, ev models.JobEvent) error {
	return k.publish(ctx, k.topics.Jobs, ev.JobID, ev)
}

// PublishAssignment lets the producer act as the state machine's event sink.
func (k *KafkaProducer) PublishAssignment(ctx context.Context, ev models.AssignmentEvent) error {
	return k.publish(ctx, k.topics.Assignments, ev.JobID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
