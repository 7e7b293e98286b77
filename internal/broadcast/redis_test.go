package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/events"
)

func TestProcessDeliversDecodedEventLocally(t *testing.T) {
	var got []events.Event
	local := events.PublisherFunc(func(_ context.Context, evt events.Event) { got = append(got, evt) })
	b := NewRedisBroadcaster(nil, local, "node-a", zerolog.New(io.Discard))

	evt := events.Event{Type: events.VersionCreated, Twin: "twin-1", Version: 3, At: time.Unix(10, 0).UTC()}
	payload, err := events.Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, _ := json.Marshal(redisMessage{Twin: "twin-1", Origin: "node-b", Payload: payload, EnqueuedAt: time.Now().UnixNano()})

	if err := b.process(context.Background(), raw); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(got) != 1 || got[0].Version != 3 || got[0].Type != events.VersionCreated {
		t.Fatalf("unexpected local delivery %+v", got)
	}
}

func TestProcessRejectsMismatchedEnvelope(t *testing.T) {
	delivered := false
	local := events.PublisherFunc(func(context.Context, events.Event) { delivered = true })
	b := NewRedisBroadcaster(nil, local, "node-a", zerolog.New(io.Discard))

	payload, _ := events.Encode(events.Event{Type: events.LeaseChanged, Twin: "twin-1", At: time.Now()})
	raw, _ := json.Marshal(redisMessage{Twin: "twin-2", Payload: payload})
	if err := b.process(context.Background(), raw); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if err := b.process(context.Background(), []byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
	if delivered {
		t.Fatalf("invalid messages must not be delivered")
	}
}

func TestTopicIsPerTwin(t *testing.T) {
	b := NewRedisBroadcaster(nil, events.Discard, "node-a", zerolog.New(io.Discard))
	if got := b.topic("twin-9"); got != "twin-events:twin-9" {
		t.Fatalf("unexpected topic %q", got)
	}
}
