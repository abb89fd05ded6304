// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/codec"
	"github.com/bureau-foundation/conductor/lib/store"
)

var fanoutTestEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	types  []websocket.MessageType
	closed bool
	code   websocket.StatusCode
}

func (c *fakeConn) Write(_ context.Context, messageType websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.types = append(c.types, messageType)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// events decodes every JSON frame written so far into a flat list.
func (c *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []map[string]any
	for _, frame := range c.frames {
		if strings.HasPrefix(string(frame), "[") {
			var batch []map[string]any
			if err := json.Unmarshal(frame, &batch); err != nil {
				t.Fatalf("decoding batch frame %s: %v", frame, err)
			}
			events = append(events, batch...)
			continue
		}
		var event map[string]any
		if err := json.Unmarshal(frame, &event); err != nil {
			t.Fatalf("decoding frame %s: %v", frame, err)
		}
		events = append(events, event)
	}
	return events
}

func newTestRouter(t *testing.T, config Config) (*Router, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(fanoutTestEpoch)
	config.Clock = fakeClock
	return New(config), fakeClock
}

func connect(router *Router) (*Client, *fakeConn) {
	conn := &fakeConn{}
	return router.Register(conn, false), conn
}

func TestPublishRoutesBySubscription(t *testing.T) {
	t.Parallel()

	router, fakeClock := newTestRouter(t, Config{})
	bySession, sessionConn := connect(router)
	byConversation, conversationConn := connect(router)
	_, idleConn := connect(router)

	ctx := context.Background()
	router.Handle(ctx, bySession, Inbound{Type: "subscribe", SessionID: "sess-1"})
	router.Handle(ctx, byConversation, Inbound{Type: "subscribe", ConversationID: "conv-1"})

	router.Publish(Event{Type: TypeStreamingStart, SessionID: "sess-1", ConversationID: "conv-1"})
	router.Publish(Event{Type: TypeStreamingStart, SessionID: "sess-9", ConversationID: "conv-9"})
	fakeClock.Advance(32 * time.Millisecond)

	for name, conn := range map[string]*fakeConn{"session": sessionConn, "conversation": conversationConn} {
		events := conn.events(t)
		if len(events) != 1 || events[0]["sessionId"] != "sess-1" {
			t.Errorf("%s subscriber got %v, want one sess-1 event", name, events)
		}
	}
	if idleConn.frameCount() != 0 {
		t.Errorf("unsubscribed client got %d frames", idleConn.frameCount())
	}

	router.Publish(Event{Type: TypeQueueStatus, ConversationID: "conv-7", Fields: map[string]any{"queueLength": 1}})
	fakeClock.Advance(32 * time.Millisecond)
	events := idleConn.events(t)
	if len(events) != 1 || events[0]["type"] != TypeQueueStatus || events[0]["queueLength"] != float64(1) {
		t.Errorf("broadcast reached idle client as %v", events)
	}

	router.Handle(ctx, bySession, Inbound{Type: "unsubscribe", SessionID: "sess-1"})
	router.Publish(Event{Type: TypeStreamingComplete, SessionID: "sess-1"})
	fakeClock.Advance(32 * time.Millisecond)
	if got := len(sessionConn.events(t)); got != 2 {
		t.Errorf("session subscriber has %d events after unsubscribe, want 2", got)
	}
}

func TestQueuedEventsCoalesceIntoOneFrame(t *testing.T) {
	t.Parallel()

	router, fakeClock := newTestRouter(t, Config{})
	client, conn := connect(router)
	router.Handle(context.Background(), client, Inbound{Type: "subscribe", SessionID: "sess-1"})

	for i := 0; i < 3; i++ {
		router.Publish(Event{Type: TypeStreamingProgress, SessionID: "sess-1", Fields: map[string]any{"sequence": int64(i)}})
	}
	fakeClock.Advance(31 * time.Millisecond)
	if conn.frameCount() != 0 {
		t.Fatalf("frame written before the flush interval")
	}
	fakeClock.Advance(time.Millisecond)
	if conn.frameCount() != 1 {
		t.Fatalf("frames = %d, want 1", conn.frameCount())
	}
	if frame := string(conn.frames[0]); !strings.HasPrefix(frame, "[") {
		t.Errorf("batched frame %s is not an array", frame)
	}
	events := conn.events(t)
	for i, event := range events {
		if event["sequence"] != float64(i) {
			t.Errorf("event %d has sequence %v", i, event["sequence"])
		}
	}

	router.Publish(Event{Type: TypeStreamingComplete, SessionID: "sess-1"})
	fakeClock.Advance(32 * time.Millisecond)
	if frame := string(conn.frames[1]); !strings.HasPrefix(frame, "{") {
		t.Errorf("single-event frame %s is not an object", frame)
	}
}

func TestFlushInterval(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		quality Quality
		trend   string
		want    time.Duration
		ok      bool
	}{
		{QualityExcellent, TrendStable, 16 * time.Millisecond, true},
		{QualityGood, "", 32 * time.Millisecond, true},
		{QualityFair, TrendStable, 50 * time.Millisecond, true},
		{QualityPoor, TrendStable, 100 * time.Millisecond, true},
		{QualityBad, TrendStable, 200 * time.Millisecond, true},
		{QualityGood, TrendRising, 41 * time.Millisecond, true},
		{QualityGood, TrendFalling, 24 * time.Millisecond, true},
		{QualityPoor, TrendRising, 150 * time.Millisecond, true},
		{QualityBad, TrendRising, 200 * time.Millisecond, true},
		{QualityExcellent, TrendFalling, 16 * time.Millisecond, true},
		{"superb", TrendStable, 0, false},
	} {
		got, ok := FlushInterval(test.quality, test.trend)
		if got != test.want || ok != test.ok {
			t.Errorf("FlushInterval(%s, %q) = %s, %v; want %s, %v", test.quality, test.trend, got, ok, test.want, test.ok)
		}
	}
}

func TestLatencyReportSlowsFlushes(t *testing.T) {
	t.Parallel()

	router, fakeClock := newTestRouter(t, Config{})
	client, conn := connect(router)
	ctx := context.Background()
	router.Handle(ctx, client, Inbound{Type: "subscribe", SessionID: "sess-1"})
	router.Handle(ctx, client, Inbound{Type: "latency_report", Quality: QualityPoor, Trend: TrendStable})
	if got := client.Interval(); got != 100*time.Millisecond {
		t.Fatalf("Interval = %s, want 100ms", got)
	}

	router.Publish(Event{Type: TypeStreamingStart, SessionID: "sess-1"})
	fakeClock.Advance(50 * time.Millisecond)
	if conn.frameCount() != 0 {
		t.Fatal("poor client flushed at the default interval")
	}
	fakeClock.Advance(50 * time.Millisecond)
	if conn.frameCount() != 1 {
		t.Fatalf("frames = %d, want 1", conn.frameCount())
	}

	router.Handle(ctx, client, Inbound{Type: "latency_report", Quality: "unknown"})
	if got := client.Interval(); got != 100*time.Millisecond {
		t.Errorf("unknown quality changed the interval to %s", got)
	}
}

func TestQueueOverflowDisconnects(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, Config{MaxQueue: 3})
	slow, slowConn := connect(router)
	healthy, healthyConn := connect(router)
	ctx := context.Background()
	router.Handle(ctx, slow, Inbound{Type: "subscribe", SessionID: "sess-1"})
	router.Handle(ctx, healthy, Inbound{Type: "subscribe", SessionID: "sess-2"})

	for i := 0; i < 4; i++ {
		router.Publish(Event{Type: TypeStreamingProgress, SessionID: "sess-1"})
	}

	slowConn.mu.Lock()
	closed, code := slowConn.closed, slowConn.code
	slowConn.mu.Unlock()
	if !closed || code != websocket.StatusPolicyViolation {
		t.Errorf("slow client closed=%v code=%d, want closed with policy violation", closed, code)
	}
	if router.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", router.ClientCount())
	}

	// The dropped client no longer receives anything and the other
	// client is unaffected.
	router.Publish(Event{Type: TypeStreamingProgress, SessionID: "sess-1"})
	router.Publish(Event{Type: TypeStreamingProgress, SessionID: "sess-2"})
	healthy.flush(ctx)
	if slowConn.frameCount() != 0 {
		t.Errorf("dropped client got %d frames", slowConn.frameCount())
	}
	if healthyConn.frameCount() != 1 {
		t.Errorf("healthy client got %d frames, want 1", healthyConn.frameCount())
	}
}

func TestPingIsAnsweredImmediately(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, Config{})
	client, conn := connect(router)
	router.Handle(context.Background(), client, Inbound{Type: "ping"})

	events := conn.events(t)
	if len(events) != 1 || events[0]["type"] != TypePong {
		t.Errorf("events = %v, want one pong", events)
	}
}

// interleavingSource publishes live chunks while the replay query is
// in flight.
type interleavingSource struct {
	router  *Router
	history []store.Chunk
	live    []store.Chunk
}

func (s *interleavingSource) GetSince(_ context.Context, sessionID string, after int64) ([]store.Chunk, error) {
	s.router.PublishChunks(s.live)
	var chunks []store.Chunk
	for _, chunk := range s.history {
		if chunk.SessionID == sessionID && chunk.Sequence > after {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

func TestReplayPrecedesLiveEvents(t *testing.T) {
	t.Parallel()

	chunk := func(sequence int64) store.Chunk {
		return store.Chunk{
			SessionID:      "sess-1",
			ConversationID: "conv-1",
			Sequence:       sequence,
			Type:           "assistant",
			Data:           json.RawMessage(`{"type":"assistant"}`),
			CreatedAt:      fanoutTestEpoch,
		}
	}
	source := &interleavingSource{
		history: []store.Chunk{chunk(0), chunk(1), chunk(2), chunk(3)},
		// Chunk 3 was persisted before the query and published during
		// it; chunk 4 is genuinely new.
		live: []store.Chunk{chunk(3), chunk(4)},
	}
	router, fakeClock := newTestRouter(t, Config{Replay: source})
	source.router = router

	client, conn := connect(router)
	since := int64(0)
	router.Handle(context.Background(), client, Inbound{Type: "subscribe", SessionID: "sess-1", Since: &since})
	fakeClock.Advance(32 * time.Millisecond)

	var sequences []float64
	for _, event := range conn.events(t) {
		if event["type"] != TypeStreamingProgress {
			t.Fatalf("unexpected event %v", event)
		}
		sequences = append(sequences, event["sequence"].(float64))
	}
	want := []float64{1, 2, 3, 4}
	if len(sequences) != len(want) {
		t.Fatalf("sequences = %v, want %v", sequences, want)
	}
	for i := range want {
		if sequences[i] != want[i] {
			t.Fatalf("sequences = %v, want %v", sequences, want)
		}
	}
}

func TestCBORFrames(t *testing.T) {
	t.Parallel()

	router, fakeClock := newTestRouter(t, Config{})
	conn := &fakeConn{}
	client := router.Register(conn, true)
	router.Handle(context.Background(), client, Inbound{Type: "subscribe", ConversationID: "conv-1"})

	router.PublishChunks([]store.Chunk{{
		SessionID:      "sess-1",
		ConversationID: "conv-1",
		Sequence:       7,
		Type:           "assistant",
		Data:           json.RawMessage(`{"message":{"content":"hello"}}`),
		CreatedAt:      fanoutTestEpoch,
	}})
	fakeClock.Advance(32 * time.Millisecond)

	if conn.frameCount() != 1 || conn.types[0] != websocket.MessageBinary {
		t.Fatalf("frames = %d, want one binary frame", conn.frameCount())
	}
	var event map[string]any
	if err := codec.Unmarshal(conn.frames[0], &event); err != nil {
		t.Fatalf("decoding CBOR frame: %v", err)
	}
	if event["type"] != TypeStreamingProgress || event["sessionId"] != "sess-1" {
		t.Errorf("decoded event = %v", event)
	}
	if sequence, ok := event["sequence"].(uint64); !ok || sequence != 7 {
		t.Errorf("sequence = %#v, want uint64 7", event["sequence"])
	}
	data, ok := event["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %#v, want a nested map", event["data"])
	}
	if message, _ := data["message"].(map[string]any); message["content"] != "hello" {
		t.Errorf("data = %v, want the embedded payload", data)
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	t.Parallel()

	router := New(Config{})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, Inbound{Type: "subscribe", SessionID: "sess-1"}); err != nil {
		t.Fatalf("writing subscribe: %v", err)
	}
	// Messages are handled in order, so the pong proves the
	// subscription is in place.
	if err := wsjson.Write(ctx, conn, Inbound{Type: "ping"}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	var pong map[string]any
	if err := wsjson.Read(ctx, conn, &pong); err != nil || pong["type"] != TypePong {
		t.Fatalf("reading pong: %v, %v", pong, err)
	}

	router.Publish(Event{Type: TypeStreamingStart, SessionID: "sess-1", ConversationID: "conv-1"})
	var event map[string]any
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if event["type"] != TypeStreamingStart || event["conversationId"] != "conv-1" {
		t.Errorf("event = %v", event)
	}
}
