// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package normalize

import (
	"encoding/json"
	"strconv"
)

// Type classifies a normalized event.
type Type string

const (
	TypeSystem     Type = "system"
	TypeAssistant  Type = "assistant"
	TypeUser       Type = "user"
	TypeResult     Type = "result"
	TypeToolStatus Type = "tool_status"
	TypeUsage      Type = "usage"
	TypePlan       Type = "plan"
	TypeError      Type = "error"
)

// Event is one normalized agent event.
type Event struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`

	// ResumeToken is set when this event reveals the agent-side
	// session handle (Claude system/init session_id, Codex
	// thread_id). It is not part of the persisted payload.
	ResumeToken string `json:"-"`
}

// Func normalizes one raw agent message. It returns ok=false for
// messages that should be dropped.
type Func func(raw json.RawMessage) (event Event, ok bool)

// build marshals fields plus the event type into an Event.
func build(eventType Type, fields map[string]any) Event {
	fields["type"] = string(eventType)
	return Event{Type: eventType, Data: encode(fields)}
}

// encode marshals v, degrading to a quoted string rather than failing.
// json.Marshal only errors here for values no agent payload produces
// (channels, NaN), but normalizers must stay total.
func encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(strconv.Quote(err.Error()))
	}
	return data
}

// raw wraps data for embedding: valid JSON is kept as is, anything
// else becomes a JSON string.
func raw(data []byte) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	return json.RawMessage(strconv.Quote(string(data)))
}

// systemRaw is the fallback event for shapes no mapping recognizes.
func systemRaw(subtype string, data []byte) Event {
	return build(TypeSystem, map[string]any{
		"subtype": subtype,
		"raw":     raw(data),
	})
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func messageEvent(eventType Type, blocks ...map[string]any) Event {
	role := "assistant"
	if eventType == TypeUser {
		role = "user"
	}
	content := make([]any, len(blocks))
	for i, block := range blocks {
		content[i] = block
	}
	return build(eventType, map[string]any{
		"message": map[string]any{"role": role, "content": content},
	})
}

// AssistantText returns the concatenated text blocks of an assistant
// event, or "" for any other event. Thinking and tool blocks are not
// included.
func AssistantText(event Event) string {
	if event.Type != TypeAssistant {
		return ""
	}
	var payload struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return ""
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload.Message.Content, &blocks); err != nil {
		// Claude occasionally sends content as a bare string.
		var text string
		if json.Unmarshal(payload.Message.Content, &text) == nil {
			return text
		}
		return ""
	}
	var text string
	for _, block := range blocks {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

// ErrorText extracts a human-readable failure description from an
// error event or an error result, or "" if event reports no failure.
func ErrorText(event Event) string {
	var payload struct {
		IsError bool            `json:"is_error"`
		Error   json.RawMessage `json:"error"`
		Result  json.RawMessage `json:"result"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return ""
	}
	switch {
	case event.Type == TypeError:
		for _, candidate := range []json.RawMessage{payload.Error, payload.Message} {
			if text := ContentText(candidate); text != "" {
				return text
			}
		}
		return string(event.Data)
	case event.Type == TypeResult && payload.IsError:
		for _, candidate := range []json.RawMessage{payload.Result, payload.Error} {
			if text := ContentText(candidate); text != "" {
				return text
			}
		}
		return "agent reported an error result"
	}
	return ""
}
