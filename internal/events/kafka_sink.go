package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"nameguard-service/internal/bucketing"
	"nameguard-service/internal/client"
)

// KafkaSink streams events to the audit topic. The message key is the
// identity's event bucket so one identity's events stay on one partition.
type KafkaSink struct {
	producer *client.KafkaProducer
	buckets  *bucketing.Manager
}

func NewKafkaSink(producer *client.KafkaProducer, buckets *bucketing.Manager) *KafkaSink {
	return &KafkaSink{producer: producer, buckets: buckets}
}

func (s *KafkaSink) Publish(ctx context.Context, ev DecisionEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := []byte(strconv.Itoa(s.buckets.EventBucket(ev.Key)))
	return s.producer.ProduceMessage(ctx, key, value, map[string]string{
		"name_key": ev.Key,
		"outcome":  string(ev.Outcome),
	})
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
