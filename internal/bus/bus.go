// Package bus fans out session envelopes to subscribers with pattern
// filtering, bounded per-subscriber queues, and cursor-based resume.
//
// Delivery is at-least-once: a resumed subscriber may see an envelope both
// from store replay and from a live publish, and deduplicates on
// (sessionID, sequence).
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// DroppedMarkerType is delivered once per overflow burst so a slow subscriber
// knows its view has a gap and should resume from its last good cursor.
const DroppedMarkerType = "subscription.dropped"

// EventSource replays persisted events for cursor resume.
type EventSource interface {
	EventsBySession(ctx context.Context, sessionID string, afterSeq int64) ([]*models.Event, error)
}

// Bus is the in-process fan-out hub.
type Bus struct {
	mu     sync.Mutex
	subs   map[int64]*Subscription
	nextID int64
	source EventSource

	// queueSize bounds each subscriber's buffer.
	queueSize int

	onDrop func()
}

// Options tunes bus behavior.
type Options struct {
	// QueueSize bounds each subscriber's buffer (default 256).
	QueueSize int

	// OnDrop is invoked once per dropped envelope, for metrics.
	OnDrop func()
}

// New creates a bus. source may be nil when cursor resume is not needed.
func New(source EventSource, opts Options) *Bus {
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Bus{
		subs:      make(map[int64]*Subscription),
		source:    source,
		queueSize: size,
		onDrop:    opts.OnDrop,
	}
}

// Subscription is one subscriber's bounded view of the bus.
type Subscription struct {
	id       int64
	patterns []string
	ch       chan models.Envelope

	// lastSeq is the highest delivered sequence per session, for dedupe.
	lastSeq map[string]int64

	// holding buffers live envelopes for sessions mid-resume.
	holding map[string][]models.Envelope

	dropped      int64
	dropPending  bool
	unsubscribed bool
}

// C returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan models.Envelope {
	return s.ch
}

// Dropped returns how many envelopes were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped
}

// Subscribe registers a subscriber for the given patterns. Patterns are "*"
// (everything), "prefix.*" (type prefix), or exact envelope types.
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	sub := &Subscription{
		patterns: patterns,
		ch:       make(chan models.Envelope, b.queueSize),
		lastSeq:  make(map[string]int64),
		holding:  make(map[string][]models.Envelope),
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.unsubscribed {
		return
	}
	sub.unsubscribed = true
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish fans an envelope out to matching subscribers. It never blocks: a
// full subscriber queue drops its oldest entries and receives a gap marker.
func (b *Bus) Publish(env models.Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !matches(sub.patterns, env.Type) {
			continue
		}
		b.deliver(sub, env)
	}
}

// deliver enqueues onto one subscriber under the bus lock.
func (b *Bus) deliver(sub *Subscription, env models.Envelope) {
	if sub.unsubscribed {
		return
	}
	if env.SessionID != "" {
		if _, resuming := sub.holding[env.SessionID]; resuming {
			sub.holding[env.SessionID] = append(sub.holding[env.SessionID], env)
			return
		}
		if env.Sequence > 0 && env.Sequence <= sub.lastSeq[env.SessionID] {
			return // already delivered via replay
		}
	}
	b.enqueue(sub, env)
	if env.SessionID != "" && env.Sequence > 0 {
		sub.lastSeq[env.SessionID] = env.Sequence
	}
}

func (b *Bus) enqueue(sub *Subscription, env models.Envelope) {
	for {
		select {
		case sub.ch <- env:
			return
		default:
		}
		// Queue full: discard the oldest entry and mark the gap. At most one
		// marker sits in the queue at a time.
		select {
		case old := <-sub.ch:
			if old.Type == DroppedMarkerType {
				sub.dropPending = false
			} else {
				sub.dropped++
				if b.onDrop != nil {
					b.onDrop()
				}
			}
			if !sub.dropPending {
				sub.dropPending = true
				select {
				case sub.ch <- models.Envelope{Type: DroppedMarkerType, Timestamp: time.Now().UTC()}:
				default:
				}
			}
		default:
			// Raced with the consumer; retry the send.
		}
	}
}

// ResumeFrom subscribes and replays the session's persisted events with
// sequence > afterSeq before live delivery resumes for that session. Live
// envelopes arriving during replay are held and flushed in order.
func (b *Bus) ResumeFrom(ctx context.Context, sessionID string, afterSeq int64, patterns ...string) (*Subscription, error) {
	if b.source == nil {
		return nil, fmt.Errorf("bus has no event source for resume")
	}

	sub := b.Subscribe(patterns...)

	b.mu.Lock()
	sub.holding[sessionID] = []models.Envelope{}
	sub.lastSeq[sessionID] = afterSeq
	b.mu.Unlock()

	events, err := b.source.EventsBySession(ctx, sessionID, afterSeq)
	if err != nil {
		b.Unsubscribe(sub)
		return nil, fmt.Errorf("resume replay: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		env := EventEnvelope(ev)
		if !matches(sub.patterns, env.Type) {
			continue
		}
		if env.Sequence <= sub.lastSeq[sessionID] {
			continue
		}
		b.enqueue(sub, env)
		sub.lastSeq[sessionID] = env.Sequence
	}
	held := sub.holding[sessionID]
	delete(sub.holding, sessionID)
	for _, env := range held {
		if env.Sequence > 0 && env.Sequence <= sub.lastSeq[sessionID] {
			continue
		}
		b.enqueue(sub, env)
		if env.Sequence > 0 {
			sub.lastSeq[sessionID] = env.Sequence
		}
	}
	return sub, nil
}

// EventEnvelope wraps a persisted event for fan-out.
func EventEnvelope(ev *models.Event) models.Envelope {
	return models.Envelope{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp,
		Sequence:  ev.Sequence,
		Data:      ev,
	}
}

func matches(patterns []string, typ string) bool {
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, ".*"):
			if strings.HasPrefix(typ, strings.TrimSuffix(p, "*")) {
				return true
			}
		case p == typ:
			return true
		}
	}
	return false
}
