package bus

import (
	"context"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

func recvOne(t *testing.T, sub *Subscription) models.Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return models.Envelope{}
	}
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		typ      string
		want     bool
	}{
		{"wildcard", []string{"*"}, "message.user", true},
		{"prefix match", []string{"stream.*"}, "stream.text_delta", true},
		{"prefix miss", []string{"stream.*"}, "tool.result", false},
		{"exact match", []string{"turn.failed"}, "turn.failed", true},
		{"exact miss", []string{"turn.failed"}, "turn.started", false},
		{"any of several", []string{"tool.*", "message.user"}, "message.user", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matches(tt.patterns, tt.typ); got != tt.want {
				t.Errorf("matches(%v, %q) = %v, want %v", tt.patterns, tt.typ, got, tt.want)
			}
		})
	}
}

func TestPublishFansOutToMatchingSubscribers(t *testing.T) {
	b := New(nil, Options{})
	all := b.Subscribe("*")
	streams := b.Subscribe("stream.*")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(streams)

	b.Publish(models.Envelope{Type: "stream.text_delta", SessionID: "sess_1"})
	b.Publish(models.Envelope{Type: "tool.result", SessionID: "sess_1"})

	if env := recvOne(t, all); env.Type != "stream.text_delta" {
		t.Errorf("first envelope %q", env.Type)
	}
	if env := recvOne(t, all); env.Type != "tool.result" {
		t.Errorf("second envelope %q", env.Type)
	}

	if env := recvOne(t, streams); env.Type != "stream.text_delta" {
		t.Errorf("stream subscriber got %q", env.Type)
	}
	select {
	case env := <-streams.C():
		t.Errorf("stream subscriber should not see %q", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldestWithMarker(t *testing.T) {
	dropped := 0
	b := New(nil, Options{QueueSize: 4, OnDrop: func() { dropped++ }})
	sub := b.Subscribe("*")
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(models.Envelope{Type: "stream.text_delta", SessionID: "sess_1"})
	}

	if sub.Dropped() == 0 || dropped == 0 {
		t.Fatal("expected drops for a slow subscriber")
	}

	sawMarker := false
	for {
		select {
		case env := <-sub.C():
			if env.Type == DroppedMarkerType {
				sawMarker = true
			}
			continue
		default:
		}
		break
	}
	if !sawMarker {
		t.Error("expected a gap marker after drops")
	}
}

// fakeSource serves canned events for resume replay.
type fakeSource struct {
	events []*models.Event
}

func (f *fakeSource) EventsBySession(_ context.Context, sessionID string, afterSeq int64) ([]*models.Event, error) {
	var out []*models.Event
	for _, ev := range f.events {
		if ev.SessionID == sessionID && ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestResumeFromReplaysThenGoesLive(t *testing.T) {
	source := &fakeSource{events: []*models.Event{
		{ID: "evt_1", SessionID: "sess_1", Sequence: 1, Type: models.EventSessionStarted},
		{ID: "evt_2", SessionID: "sess_1", Sequence: 2, Type: models.EventMessageUser},
		{ID: "evt_3", SessionID: "sess_1", Sequence: 3, Type: models.EventMessageAssistant},
	}}
	b := New(source, Options{})

	sub, err := b.ResumeFrom(context.Background(), "sess_1", 1, "*")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer b.Unsubscribe(sub)

	if env := recvOne(t, sub); env.Sequence != 2 {
		t.Errorf("first replayed sequence %d, want 2", env.Sequence)
	}
	if env := recvOne(t, sub); env.Sequence != 3 {
		t.Errorf("second replayed sequence %d, want 3", env.Sequence)
	}

	// A live duplicate of an already-replayed sequence is suppressed.
	b.Publish(models.Envelope{Type: string(models.EventMessageAssistant), SessionID: "sess_1", Sequence: 3})
	// New sequences flow live.
	b.Publish(models.Envelope{Type: string(models.EventToolCall), SessionID: "sess_1", Sequence: 4})

	if env := recvOne(t, sub); env.Sequence != 4 {
		t.Errorf("live sequence %d, want 4 (duplicate not suppressed?)", env.Sequence)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil, Options{})
	sub := b.Subscribe("*")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // idempotent

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(models.Envelope{Type: "message.user"})
}
