package websocket

import (
	"encoding/json"
	"strconv"
	"time"
)

// Control message types exchanged with clients
const (
	MessageTypeConnection         = "connection"
	MessageTypeSubscribe          = "subscribe"
	MessageTypeUnsubscribe        = "unsubscribe"
	MessageTypeSubscriptionUpdate = "subscription_update"
	MessageTypePing               = "ping"
	MessageTypePong               = "pong"
	MessageTypeHeartbeat          = "heartbeat"
	MessageTypeError              = "error"
)

// Envelope is the frame written to clients for delivered events and
// control replies
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Room      string          `json:"room,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToJSON encodes the envelope, stamping it with the current time
func (e Envelope) ToJSON() []byte {
	e.Timestamp = time.Now().UTC()
	data, _ := json.Marshal(e)
	return data
}

func controlEnvelope(typ string, data interface{}) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{Type: typ, Data: raw}
}

// ClientMessage is a control frame sent by a client
type ClientMessage struct {
	Type      string    `json:"type"`
	Rooms     []string  `json:"rooms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UnmarshalJSON accepts timestamps as RFC3339 strings or as unix seconds
// or milliseconds, either numeric or quoted
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	type alias ClientMessage
	aux := struct {
		*alias
		Timestamp interface{} `json:"timestamp"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Timestamp = parseTimestamp(aux.Timestamp)
	return nil
}

// values above this are taken to be milliseconds
const millisecondThreshold = 1e11

func parseTimestamp(v interface{}) time.Time {
	switch t := v.(type) {
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return fromUnix(float64(n))
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	case float64:
		return fromUnix(t)
	case int64:
		return fromUnix(float64(t))
	case int:
		return fromUnix(float64(t))
	}
	return time.Now().UTC()
}

func fromUnix(n float64) time.Time {
	if n > millisecondThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
