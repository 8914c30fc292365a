package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/faststore"
	"github.com/symposium-ai/symposium/internal/services/control/storage"
)

// Publisher appends events to the durable journal and mirrors them over
// pub/sub. The append is the source of truth and assigns the sequence
// number; the broadcast is best-effort and may be skipped or lost.
type Publisher struct {
	durable storage.EventStore
	fast    faststore.Store
	gate    *Gate
	now     func() time.Time
}

// NewPublisher creates a publisher over the journal and fast store.
func NewPublisher(durable storage.EventStore, fast faststore.Store, gate *Gate) *Publisher {
	return &Publisher{durable: durable, fast: fast, gate: gate, now: time.Now}
}

// Publish appends one event and broadcasts it. A failed append is returned;
// a failed broadcast is only logged, polling watchers pick the event up
// from the journal.
func (p *Publisher) Publish(ctx context.Context, sessionID string, eventType event.Type, payload []byte) (event.Event, error) {
	appended, err := p.durable.AppendEvent(ctx, event.Event{
		SessionID:   sessionID,
		Type:        eventType,
		PayloadJSON: payload,
		Timestamp:   p.now().UTC(),
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("append %s event: %w", eventType, err)
	}

	if !p.gate.Healthy(ctx) {
		log.Printf("event broadcast skipped session_id=%s seq=%d reason=fast_store_unhealthy", sessionID, appended.Seq)
		return appended, nil
	}
	encoded, err := json.Marshal(appended)
	if err != nil {
		log.Printf("event broadcast encode failed session_id=%s seq=%d err=%v", sessionID, appended.Seq, err)
		return appended, nil
	}
	if err := p.fast.Publish(ctx, EventChannel(sessionID), encoded); err != nil {
		log.Printf("event broadcast failed session_id=%s seq=%d err=%v", sessionID, appended.Seq, err)
	}
	return appended, nil
}
