package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes trip events and presence events to their own topics,
// keyed by trip id or driver id so one entity's events stay in order per partition.
type KafkaPublisher struct {
	writer        messageWriter
	tripTopic     string
	presenceTopic string
	timeout       time.Duration
}

func NewKafkaPublisher(brokers []string, tripTopic, presenceTopic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, tripTopic: tripTopic, presenceTopic: presenceTopic, timeout: 2 * time.Second}
}

func (k *KafkaPublisher) Publish(ctx context.Context, _ string, ev models.Event) error {
	ev = Stamp(ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{Topic: k.tripTopic, Key: []byte(ev.TripID), Value: b}
	if ev.Type == models.EventDriverPresence {
		msg.Topic = k.presenceTopic
		msg.Key = []byte(ev.DriverID)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return apperr.Upstream("events.KafkaPublisher.Publish", k.writer.WriteMessages(ctx, msg))
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
