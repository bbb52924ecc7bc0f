package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/pkg/errors"
)

// TargetKind selects how a Transport resolves a Target
type TargetKind string

const (
	TargetUser      TargetKind = "user"
	TargetRoom      TargetKind = "room"
	TargetBroadcast TargetKind = "broadcast"
)

// Target is one logical destination of a message
type Target struct {
	Kind TargetKind
	ID   string
}

func (t Target) String() string {
	if t.Kind == TargetBroadcast {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.ID
}

// Transport sends events to connected clients
type Transport interface {
	Send(ctx context.Context, target Target, eventType string, payload Payload) error
}

// ConnectionListener is notified by a Transport as connections come and go
type ConnectionListener interface {
	OnConnect(poolID, connID string) error
	OnDisconnect(poolID, connID string)
}

// TargetsOf resolves a message's destinations: users first, then rooms,
// otherwise a broadcast
func TargetsOf(msg *QueuedMessage) []Target {
	switch {
	case len(msg.TargetUsers) > 0:
		targets := make([]Target, len(msg.TargetUsers))
		for i, id := range msg.TargetUsers {
			targets[i] = Target{Kind: TargetUser, ID: id}
		}
		return targets
	case len(msg.TargetRooms) > 0:
		targets := make([]Target, len(msg.TargetRooms))
		for i, id := range msg.TargetRooms {
			targets[i] = Target{Kind: TargetRoom, ID: id}
		}
		return targets
	default:
		return []Target{{Kind: TargetBroadcast}}
	}
}

// DeliveryResult summarises one delivery attempt of a message
type DeliveryResult struct {
	Attempted int
	Delivered int
	Latency   time.Duration
	Err       error
}

// Partial reports whether some but not all targets were reached
func (r DeliveryResult) Partial() bool {
	return r.Delivered > 0 && r.Delivered < r.Attempted
}

// DeliveryWorker sends a message to every one of its targets
type DeliveryWorker struct {
	transport Transport
	clock     Clock
	logger    *logrus.Logger
}

func NewDeliveryWorker(transport Transport, clock Clock, logger *logrus.Logger) *DeliveryWorker {
	return &DeliveryWorker{transport: transport, clock: clock, logger: logger}
}

// Deliver attempts every target. The message counts as delivered when at
// least one target accepted it; Err is set only when none did.
func (w *DeliveryWorker) Deliver(ctx context.Context, msg *QueuedMessage) DeliveryResult {
	start := w.clock.Now()
	targets := TargetsOf(msg)
	result := DeliveryResult{Attempted: len(targets)}

	var firstErr error
	for _, target := range targets {
		if err := w.transport.Send(ctx, target, msg.Type, msg.Payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			w.logger.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"target":     target.String(),
			}).WithError(err).Debug("Target send failed")
			continue
		}
		result.Delivered++
	}

	result.Latency = w.clock.Now().Sub(start)
	if result.Delivered == 0 {
		result.Err = fmt.Errorf("%w: all %d targets failed: %w", errors.ErrDeliveryFailed, result.Attempted, firstErr)
	}
	return result
}
