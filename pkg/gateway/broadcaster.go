package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster handles broadcasting events to all observers
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all observers
func (b *EventBroadcaster) Broadcast(event string, data any) {
	b.BroadcastMessage(EventMessage{Event: event, Data: data})
}

// BroadcastSession sends an event about one session.
func (b *EventBroadcaster) BroadcastSession(event string, info SessionInfo) {
	b.BroadcastMessage(EventMessage{Event: event, Session: info.ID, Data: info})
}

// BroadcastMessage stamps msg with type, sequence and time and sends it.
func (b *EventBroadcaster) BroadcastMessage(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	clients := b.clients.Observers()
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No observers to broadcast to")
		return
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("session", msg.Session).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
