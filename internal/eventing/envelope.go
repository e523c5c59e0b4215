package eventing

import (
	"encoding/json"
	"errors"
	"reflect"
	"time"
)

// Envelope wraps event payload with routing metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Topic         string          `json:"topic"`
	PartitionKey  string          `json:"partition_key"`
	Partition     int             `json:"partition"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	Topic         string
	PartitionKey  string
	OccurredAt    time.Time
	CorrelationID string
	SchemaVersion int
}

// BuildEnvelope constructs an envelope from event payload and metadata.
// The partition is derived from the partition key over partitions slots.
func BuildEnvelope(event any, meta Meta, partitions int) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}

	eventType := reflect.TypeOf(event)
	for eventType.Kind() == reflect.Ptr {
		eventType = eventType.Elem()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	occurredAt := meta.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = extractTimeField(event, "OccurredAt", "DispatchedAt")
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	eventID := meta.EventID
	if eventID == "" {
		eventID = NewEventID()
	}

	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = eventID
	}

	schemaVersion := meta.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 1
	}

	partitionKey := meta.PartitionKey
	if partitionKey == "" {
		partitionKey = eventID
	}

	return Envelope{
		EventID:       eventID,
		EventType:     eventType.String(),
		Topic:         meta.Topic,
		PartitionKey:  partitionKey,
		Partition:     PartitionFor(partitionKey, partitions),
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: correlationID,
		SchemaVersion: schemaVersion,
		Payload:       payload,
	}, nil
}

func extractTimeField(event any, names ...string) time.Time {
	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return time.Time{}
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return time.Time{}
	}
	for _, name := range names {
		field := value.FieldByName(name)
		if !field.IsValid() {
			continue
		}
		if t, ok := field.Interface().(time.Time); ok && !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}
