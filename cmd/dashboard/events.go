package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/WessleyAI/autosync/engine/session"
)

// eventBuffer bounds each SSE client's backlog. A client that falls further
// behind loses events rather than stalling the session.
const eventBuffer = 64

type sseEvent struct {
	kind string
	data []byte
}

// broadcaster fans session events out to SSE clients and, when set, to next.
type broadcaster struct {
	next   session.EventSink
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan sseEvent]struct{}
}

func newBroadcaster(next session.EventSink, logger *slog.Logger) *broadcaster {
	return &broadcaster{next: next, logger: logger, subs: make(map[chan sseEvent]struct{})}
}

// Emit implements session.EventSink.
func (b *broadcaster) Emit(ctx context.Context, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	ev := sseEvent{kind: kind, data: data}

	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("sse client lagging, event dropped", "kind", kind)
		}
	}
	b.mu.Unlock()

	if b.next != nil {
		return b.next.Emit(ctx, kind, v)
	}
	return nil
}

func (b *broadcaster) subscribe() (<-chan sseEvent, func()) {
	ch := make(chan sseEvent, eventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *broadcaster) clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// handleEvents streams session events as server-sent events until the client
// goes away.
func handleEvents(b *broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		rc.SetWriteDeadline(time.Time{})
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			return
		}

		events, unsubscribe := b.subscribe()
		defer unsubscribe()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-events:
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.kind, ev.data); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	}
}
