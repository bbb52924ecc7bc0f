// Package delivery implements the priority-queued real-time message
// delivery engine: connection pool accounting, per-queue pending stores,
// the scheduler tick, delivery workers, retries, dead letters, metrics
// and the auto-tuner.
package delivery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// QueueType is the class of traffic a queue carries
type QueueType string

const (
	QueueRealtime     QueueType = "realtime"
	QueueBroadcast    QueueType = "broadcast"
	QueueNotification QueueType = "notification"
	QueueSystem       QueueType = "system"
)

// Valid reports whether t is one of the known queue types
func (t QueueType) Valid() bool {
	switch t {
	case QueueRealtime, QueueBroadcast, QueueNotification, QueueSystem:
		return true
	}
	return false
}

// Priority orders messages and queues; higher drains first
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four priority classes
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority parses a priority name
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PriorityFor returns the fixed priority class of a queue type
func PriorityFor(t QueueType) Priority {
	switch t {
	case QueueSystem:
		return PriorityCritical
	case QueueRealtime:
		return PriorityHigh
	case QueueNotification:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Payload is an opaque structured value carried to clients verbatim
type Payload = json.RawMessage

// ConnectionPool is a named, capacity-bounded set of logical connections
type ConnectionPool struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	MaxConnections    int           `json:"max_connections"`
	ActiveConnections int           `json:"active_connections"`
	IdleConnections   int           `json:"idle_connections"`
	QueuedRequests    int           `json:"queued_requests"`
	ConnectionTimeout time.Duration `json:"connection_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	Active            bool          `json:"active"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivity      time.Time     `json:"last_activity"`
}

// MessageQueue is a capacity- and rate-bounded buffer of pending messages
type MessageQueue struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           QueueType `json:"type"`
	Priority       Priority  `json:"priority"`
	MaxSize        int       `json:"max_size"`
	CurrentSize    int       `json:"current_size"`
	ProcessingRate float64   `json:"processing_rate"`
	RetryAttempts  int       `json:"retry_attempts"`
	DLQEnabled     bool      `json:"dlq_enabled"`
	CreatedAt      time.Time `json:"created_at"`
	LastProcessed  time.Time `json:"last_processed,omitempty"`
}

// QueuedMessage is one event waiting for, or undergoing, delivery
type QueuedMessage struct {
	ID           string     `json:"id"`
	QueueID      string     `json:"queue_id"`
	Type         string     `json:"type"`
	Priority     Priority   `json:"priority"`
	Payload      Payload    `json:"payload"`
	TargetUsers  []string   `json:"target_users,omitempty"`
	TargetRooms  []string   `json:"target_rooms,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	CreatedAt    time.Time  `json:"created_at"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	seq uint64
}

// Clone returns a copy that shares no mutable slices with m
func (m *QueuedMessage) Clone() QueuedMessage {
	c := *m
	c.Payload = append(Payload(nil), m.Payload...)
	c.TargetUsers = append([]string(nil), m.TargetUsers...)
	c.TargetRooms = append([]string(nil), m.TargetRooms...)
	if m.ScheduledAt != nil {
		t := *m.ScheduledAt
		c.ScheduledAt = &t
	}
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	return c
}

// dueAt reports whether the message may be delivered at now
func (m *QueuedMessage) dueAt(now time.Time) bool {
	return m.ScheduledAt == nil || !m.ScheduledAt.After(now)
}

// QueueValue marshals a typed value into a Payload
func QueueValue[T any](v T) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a Payload into a typed value
func DecodePayload[T any](p Payload) (T, error) {
	var v T
	if err := json.Unmarshal(p, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return v, nil
}
