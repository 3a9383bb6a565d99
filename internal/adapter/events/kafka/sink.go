// Package kafka publishes occurrence events to a Kafka topic with franz-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

const (
	eventCreated = "occurrenceCreated"
	eventUpdated = "occurrenceUpdated"

	publishTimeout = 5 * time.Second
	adminTimeout   = 30 * time.Second
)

// record is the wire shape of one occurrence event.
type record struct {
	Event        string     `json:"event"`
	OccurrenceID string     `json:"occurrenceId"`
	JobID        string     `json:"jobId"`
	WorkerID     string     `json:"workerId"`
	HandlerName  string     `json:"handlerName"`
	JobVersion   int        `json:"jobVersion"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	DurationMs   *int64     `json:"durationMs,omitempty"`
	Result       *string    `json:"result,omitempty"`
	Exception    *string    `json:"exception,omitempty"`
	RetryCount   int        `json:"retryCount"`
	EmittedAt    time.Time  `json:"emittedAt"`
}

// Sink implements domain.EventSink on a franz-go producer. Records are keyed
// by occurrence id so one partition carries an occurrence's events in order.
type Sink struct {
	client *kgo.Client
	topic  string
	now    func() time.Time
}

// New connects a producer and ensures the topic exists. A failed topic
// ensure is logged and tolerated; brokers with auto-creation enabled or a
// pre-provisioned topic still work.
func New(brokers []string, topic string) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.New: no seed brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("op=kafka.New: empty topic")
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	instr := kotel.NewKotel(kotel.WithTracer(tracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(instr.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.New: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("kafka topic not ensured",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("kafka event sink ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))
	return &Sink{client: client, topic: topic, now: time.Now}, nil
}

func (s *Sink) OccurrenceCreated(ctx domain.Context, o domain.Occurrence) error {
	return s.emit(ctx, eventCreated, o)
}

func (s *Sink) OccurrenceUpdated(ctx domain.Context, o domain.Occurrence) error {
	return s.emit(ctx, eventUpdated, o)
}

func newRecord(event string, o domain.Occurrence, at time.Time) record {
	return record{
		Event:        event,
		OccurrenceID: o.ID,
		JobID:        o.JobID,
		WorkerID:     o.WorkerID,
		HandlerName:  o.HandlerName,
		JobVersion:   o.JobVersion,
		Status:       string(o.Status),
		StartedAt:    o.StartedAt,
		EndedAt:      o.EndedAt,
		DurationMs:   o.DurationMs,
		Result:       o.Result,
		Exception:    o.Exception,
		RetryCount:   o.RetryCount,
		EmittedAt:    at.UTC(),
	}
}

func (s *Sink) emit(ctx context.Context, event string, o domain.Occurrence) error {
	b, err := json.Marshal(newRecord(event, o, s.now()))
	if err != nil {
		return fmt.Errorf("op=kafka.emit: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	r := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(o.ID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(event)},
			{Key: "job_id", Value: []byte(o.JobID)},
		},
	}
	if err := s.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.emit: produce %s: %w", event, err)
	}
	return nil
}

// Close flushes and releases the producer.
func (s *Sink) Close() {
	s.client.Close()
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = int32(adminTimeout / time.Millisecond)

	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range created.Topics {
		if tr.ErrorCode == 0 {
			slog.Info("kafka topic created", slog.String("topic", tr.Topic))
			continue
		}
		// 36 = TOPIC_ALREADY_EXISTS
		if tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}
