package model

import "time"

type EventType string

const (
	// server -> client
	EventAck      EventType = "ack"
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventPong     EventType = "pong"
	EventError    EventType = "error"

	// client -> server
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventPing        EventType = "ping"
)

// Event is a single message of the push channel, both directions.
type Event struct {
	Type           EventType `json:"type"`
	Topic          string    `json:"topic,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	TaskID         string    `json:"taskId,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitzero"`
	Percentage     *float64  `json:"percentage,omitempty"`
	Operation      string    `json:"operation,omitempty"`
	Status         TaskState `json:"status,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

func ProgressEvent(taskID string, p Progress, at time.Time) Event {
	pct := p.Percentage
	return Event{
		Type:       EventProgress,
		TaskID:     taskID,
		Timestamp:  at,
		Percentage: &pct,
		Operation:  p.Operation,
	}
}

func StatusEvent(taskID string, state TaskState, detail string, at time.Time) Event {
	return Event{
		Type:      EventStatus,
		TaskID:    taskID,
		Timestamp: at,
		Status:    state,
		Detail:    detail,
	}
}

func ErrorEvent(detail string, at time.Time) Event {
	return Event{
		Type:      EventError,
		Timestamp: at,
		Detail:    detail,
	}
}
