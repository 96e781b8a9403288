package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// EventRunCompleted is the event_type header of run events.
const EventRunCompleted = "run_completed"

// RunCompleted is the payload published when a run finishes.
type RunCompleted struct {
	RunID              string           `json:"run_id"`
	ParentID           string           `json:"parent_id,omitempty"`
	Trigger            string           `json:"trigger"`
	Status             domain.RunStatus `json:"status"`
	FailedStage        domain.Stage     `json:"failed_stage,omitempty"`
	Location           string           `json:"location"`
	Latitude           float64          `json:"latitude"`
	Longitude          float64          `json:"longitude"`
	Start              string           `json:"start"`
	End                string           `json:"end"`
	Rows               int              `json:"rows"`
	DegradedColumns    []string         `json:"degraded_columns,omitempty"`
	InconsistentStores []string         `json:"inconsistent_stores,omitempty"`
	FinishedAt         time.Time        `json:"finished_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes run events to a Kafka topic.
// It implements pipeline.Notifier.
type Writer struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the run event topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, logger: logger}
}

// RunCompleted publishes one event for a finished run, keyed by run ID so
// updates to the same run land on one partition.
func (w *Writer) RunCompleted(ctx context.Context, run domain.Run) error {
	msg, err := serializeToMessage(run)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish run %s: %w", run.ID, err)
	}
	w.logger.Debug("run event published", "run_id", run.ID, "status", run.Status)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func newRunCompleted(run domain.Run) RunCompleted {
	ev := RunCompleted{
		RunID:              run.ID,
		ParentID:           run.ParentID,
		Trigger:            run.Trigger,
		Status:             run.Status,
		FailedStage:        run.FailedStage,
		Location:           run.Location.Name,
		Latitude:           run.Location.Latitude,
		Longitude:          run.Location.Longitude,
		Start:              run.Range.Start.Format(domain.DateLayout),
		End:                run.Range.End.Format(domain.DateLayout),
		Rows:               run.Rows,
		DegradedColumns:    run.DegradedColumns,
		InconsistentStores: run.InconsistentStores,
	}
	if run.FinishedAt != nil {
		ev.FinishedAt = *run.FinishedAt
	}
	return ev
}

// serializeToMessage marshals a run into a Kafka message.
func serializeToMessage(run domain.Run) (kafkago.Message, error) {
	ev := newRunCompleted(run)
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize run event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(run.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(EventRunCompleted)},
			{Key: "status", Value: []byte(run.Status)},
			{Key: "finished_at", Value: []byte(ev.FinishedAt.Format(time.RFC3339))},
		},
	}, nil
}
