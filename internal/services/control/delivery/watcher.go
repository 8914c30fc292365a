package delivery

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/faststore"
	"github.com/symposium-ai/symposium/internal/services/control/storage"
)

// WatcherConfig tunes a watcher. Zero values get defaults.
type WatcherConfig struct {
	// PollInterval is the journal poll cadence in fallback mode.
	PollInterval time.Duration
	// ReprobeEvery is how many polls pass between health re-probes while
	// in fallback mode.
	ReprobeEvery int
	// BatchSize caps one journal read.
	BatchSize int
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReprobeEvery <= 0 {
		c.ReprobeEvery = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Watcher streams a session's events to a consumer. While the fast store
// is healthy it rides the live broadcast, deduplicated against the journal
// through a monotonic last-seen sequence; when the health gate trips it
// polls the journal instead and switches back once the gate recovers,
// re-anchored at the same last-seen sequence.
type Watcher struct {
	durable storage.EventStore
	fast    faststore.Store
	gate    *Gate
	cfg     WatcherConfig
}

// NewWatcher creates a watcher over the journal and fast store.
func NewWatcher(durable storage.EventStore, fast faststore.Store, gate *Gate, cfg WatcherConfig) *Watcher {
	return &Watcher{durable: durable, fast: fast, gate: gate, cfg: cfg.withDefaults()}
}

// Watch streams events with Seq > afterSeq in sequence order. The channel
// closes after a terminal event or when ctx ends.
func (w *Watcher) Watch(ctx context.Context, sessionID string, afterSeq uint64) (<-chan event.Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.New(apperrors.CodeSessionEmptyID, "session id is required")
	}
	out := make(chan event.Event, 16)
	go w.stream(ctx, sessionID, afterSeq, out)
	return out, nil
}

func (w *Watcher) stream(ctx context.Context, sessionID string, afterSeq uint64, out chan<- event.Event) {
	defer close(out)
	lastSeen := afterSeq
	for ctx.Err() == nil {
		var done bool
		if w.gate.Healthy(ctx) {
			lastSeen, done = w.streamLive(ctx, sessionID, lastSeen, out)
		} else {
			lastSeen, done = w.streamPoll(ctx, sessionID, lastSeen, out)
		}
		if done {
			return
		}
	}
}

// streamLive subscribes first and backfills from the journal after, so no
// event falls between the two. It returns done=false to hand control back
// to the mode loop (gate re-check) and done=true to end the stream.
func (w *Watcher) streamLive(ctx context.Context, sessionID string, lastSeen uint64, out chan<- event.Event) (uint64, bool) {
	sub, err := w.fast.Subscribe(ctx, EventChannel(sessionID))
	if err != nil {
		log.Printf("event subscribe failed session_id=%s err=%v", sessionID, err)
		return lastSeen, false
	}
	defer func() {
		if err := sub.Close(); err != nil {
			log.Printf("event subscription close failed session_id=%s err=%v", sessionID, err)
		}
	}()

	lastSeen, done, err := w.catchUp(ctx, sessionID, lastSeen, out)
	if err != nil {
		log.Printf("event backfill failed session_id=%s err=%v", sessionID, err)
		w.sleep(ctx)
		return lastSeen, false
	}
	if done {
		return lastSeen, true
	}

	for {
		select {
		case <-ctx.Done():
			return lastSeen, true
		case msg, ok := <-sub.Messages():
			if !ok {
				return lastSeen, false
			}
			var evt event.Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				log.Printf("event broadcast decode failed session_id=%s err=%v", sessionID, err)
				continue
			}
			if evt.Seq <= lastSeen {
				continue // already delivered via backfill or an earlier mode
			}
			if evt.Seq > lastSeen+1 {
				// The broadcast is at-most-once; a gap means we missed one.
				// The journal has everything, including this event.
				lastSeen, done, err = w.catchUp(ctx, sessionID, lastSeen, out)
				if err != nil {
					log.Printf("event gap backfill failed session_id=%s err=%v", sessionID, err)
					return lastSeen, false
				}
				if done {
					return lastSeen, true
				}
				continue
			}
			if !send(ctx, out, evt) {
				return lastSeen, true
			}
			lastSeen = evt.Seq
			if evt.Type.IsTerminal() {
				return lastSeen, true
			}
		}
	}
}

// streamPoll reads the journal on a fixed cadence. The last-seen sequence
// advances before a batch is delivered, so a consumer in this mode never
// sees an event twice or out of order.
func (w *Watcher) streamPoll(ctx context.Context, sessionID string, lastSeen uint64, out chan<- event.Event) (uint64, bool) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		batch, err := w.durable.ListEvents(ctx, sessionID, lastSeen, w.cfg.BatchSize)
		if err != nil {
			log.Printf("event poll failed session_id=%s err=%v", sessionID, err)
		} else if len(batch) > 0 {
			lastSeen = batch[len(batch)-1].Seq
			for _, evt := range batch {
				if !send(ctx, out, evt) {
					return lastSeen, true
				}
				if evt.Type.IsTerminal() {
					return lastSeen, true
				}
			}
			if len(batch) == w.cfg.BatchSize {
				continue // the journal is ahead of us, drain without waiting
			}
		}

		polls++
		if polls%w.cfg.ReprobeEvery == 0 && w.gate.Healthy(ctx) {
			return lastSeen, false
		}
		select {
		case <-ctx.Done():
			return lastSeen, true
		case <-ticker.C:
		}
	}
}

// catchUp emits journal events past lastSeen in order. done=true means the
// stream ended (terminal event or cancelled consumer).
func (w *Watcher) catchUp(ctx context.Context, sessionID string, lastSeen uint64, out chan<- event.Event) (uint64, bool, error) {
	for {
		batch, err := w.durable.ListEvents(ctx, sessionID, lastSeen, w.cfg.BatchSize)
		if err != nil {
			return lastSeen, false, err
		}
		for _, evt := range batch {
			if !send(ctx, out, evt) {
				return lastSeen, true, nil
			}
			lastSeen = evt.Seq
			if evt.Type.IsTerminal() {
				return lastSeen, true, nil
			}
		}
		if len(batch) < w.cfg.BatchSize {
			return lastSeen, false, nil
		}
	}
}

func (w *Watcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

func send(ctx context.Context, out chan<- event.Event, evt event.Event) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
