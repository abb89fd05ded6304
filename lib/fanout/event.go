// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"encoding/json"
	"maps"
	"sync"

	"github.com/bureau-foundation/conductor/lib/codec"
	"github.com/bureau-foundation/conductor/lib/store"
)

// Event types.
const (
	TypeStreamingStart    = "streaming_start"
	TypeStreamingProgress = "streaming_progress"
	TypeStreamingComplete = "streaming_complete"
	TypeStreamingError    = "streaming_error"
	TypeRateLimitHit      = "rate_limit_hit"
	TypeRateLimitClear    = "rate_limit_clear"

	TypeConversationCreated = "conversation_created"
	TypeConversationUpdated = "conversation_updated"
	TypeConversationDeleted = "conversation_deleted"
	TypeQueueStatus         = "queue_status"
	TypeQueueUpdated        = "queue_updated"
	TypeScriptStarted       = "script_started"
	TypeScriptStopped       = "script_stopped"
	TypeScriptOutput        = "script_output"

	TypePong = "pong"
)

// broadcastTypes reach every connected client.
var broadcastTypes = map[string]bool{
	TypeConversationCreated: true,
	TypeConversationUpdated: true,
	TypeConversationDeleted: true,
	TypeQueueStatus:         true,
	TypeQueueUpdated:        true,
	TypeScriptStarted:       true,
	TypeScriptStopped:       true,
	TypeScriptOutput:        true,
}

// Event is one outbound message. On the wire it is a flat object:
// Fields plus "type", "sessionId" and "conversationId".
type Event struct {
	Type           string
	SessionID      string
	ConversationID string
	Fields         map[string]any
}

// MarshalJSON flattens the event into a single object.
func (e Event) MarshalJSON() ([]byte, error) {
	object := make(map[string]any, len(e.Fields)+3)
	maps.Copy(object, e.Fields)
	object["type"] = e.Type
	if e.SessionID != "" {
		object["sessionId"] = e.SessionID
	}
	if e.ConversationID != "" {
		object["conversationId"] = e.ConversationID
	}
	return json.Marshal(object)
}

// ConversationKey is the subscription key for all sessions of a
// conversation.
func ConversationKey(conversationID string) string {
	return "conv-" + conversationID
}

// ChunkEvent is the streaming_progress event of a persisted chunk.
func ChunkEvent(chunk store.Chunk) Event {
	data := chunk.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return Event{
		Type:           TypeStreamingProgress,
		SessionID:      chunk.SessionID,
		ConversationID: chunk.ConversationID,
		Fields: map[string]any{
			"sequence":  chunk.Sequence,
			"chunkType": chunk.Type,
			"data":      data,
			"createdAt": chunk.CreatedAt.UnixMilli(),
		},
	}
}

// envelope is an event shared by every client it is queued on. Each
// encoding is computed at most once.
type envelope struct {
	event Event

	// sequence is the chunk sequence of a streaming_progress event,
	// -1 otherwise.
	sequence int64

	jsonOnce sync.Once
	jsonData []byte
	jsonErr  error

	cborOnce  sync.Once
	cborValue any
	cborErr   error
}

func newEnvelope(event Event) *envelope {
	sequence := int64(-1)
	if event.Type == TypeStreamingProgress {
		if value, ok := event.Fields["sequence"].(int64); ok {
			sequence = value
		}
	}
	return &envelope{event: event, sequence: sequence}
}

func (e *envelope) jsonFrame() ([]byte, error) {
	e.jsonOnce.Do(func() {
		e.jsonData, e.jsonErr = json.Marshal(e.event)
	})
	return e.jsonData, e.jsonErr
}

// cbor returns the event as generic values ready for CBOR encoding.
// Going through the JSON form keeps both encodings structurally
// identical, including embedded raw payloads.
func (e *envelope) cborValueOf() (any, error) {
	e.cborOnce.Do(func() {
		data, err := e.jsonFrame()
		if err != nil {
			e.cborErr = err
			return
		}
		e.cborValue, e.cborErr = codec.FromJSON(data)
	})
	return e.cborValue, e.cborErr
}

// encodeFrame coalesces a batch into one frame. Events that fail to
// encode are returned in skipped and left out.
func encodeFrame(batch []*envelope, binary bool) (frame []byte, skipped []*envelope, err error) {
	if binary {
		values := make([]any, 0, len(batch))
		for _, item := range batch {
			value, err := item.cborValueOf()
			if err != nil {
				skipped = append(skipped, item)
				continue
			}
			values = append(values, value)
		}
		switch len(values) {
		case 0:
			return nil, skipped, nil
		case 1:
			frame, err = codec.Marshal(values[0])
		default:
			frame, err = codec.Marshal(values)
		}
		return frame, skipped, err
	}

	parts := make([][]byte, 0, len(batch))
	for _, item := range batch {
		data, err := item.jsonFrame()
		if err != nil {
			skipped = append(skipped, item)
			continue
		}
		parts = append(parts, data)
	}
	switch len(parts) {
	case 0:
		return nil, skipped, nil
	case 1:
		return parts[0], skipped, nil
	}
	size := len(parts) + 1
	for _, part := range parts {
		size += len(part)
	}
	frame = make([]byte, 0, size)
	frame = append(frame, '[')
	for i, part := range parts {
		if i > 0 {
			frame = append(frame, ',')
		}
		frame = append(frame, part...)
	}
	return append(frame, ']'), skipped, nil
}
