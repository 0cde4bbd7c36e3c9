package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vtranscriptor/vtsync/internal/schema"
)

// EventType is the kind of realtime message.
type EventType string

const (
	// EventInsert carries a newly created row
	EventInsert EventType = "INSERT"

	// EventUpdate carries a modified row
	EventUpdate EventType = "UPDATE"

	// EventDelete carries at least the id of a removed row
	EventDelete EventType = "DELETE"

	// EventSubscribed acknowledges a subscription
	EventSubscribed EventType = "SUBSCRIBED"
)

// Event is one realtime message.
type Event struct {
	Type      EventType    `json:"type"`
	Topic     string       `json:"topic"`
	Table     schema.Table `json:"table,omitempty"`
	Row       schema.Row   `json:"row,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// decodeEvent parses a message keeping numbers exact.
func decodeEvent(data []byte) (Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}
