// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package normalize

import "encoding/json"

type acpNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type acpUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content"`
	ToolCallID    string          `json:"toolCallId"`
	Title         string          `json:"title"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	RawInput      json.RawMessage `json:"rawInput"`
	RawOutput     json.RawMessage `json:"rawOutput"`
	Locations     json.RawMessage `json:"locations"`
	Entries       json.RawMessage `json:"entries"`
	Used          json.RawMessage `json:"used"`
	Size          json.RawMessage `json:"size"`
	Cost          json.RawMessage `json:"cost"`
}

// ACP returns the normalizer for session/update notification params
// of any ACP agent. agentID tags tool_use blocks so clients can tell
// which agent's tool vocabulary produced them.
func ACP(agentID string) Func {
	return func(params json.RawMessage) (Event, bool) {
		var notification acpNotification
		if err := json.Unmarshal(params, &notification); err != nil {
			return systemRaw("unparsed", params), true
		}
		var update acpUpdate
		if err := json.Unmarshal(notification.Update, &update); err != nil {
			return systemRaw("unparsed", params), true
		}
		return acpEvent(agentID, update, notification.Update)
	}
}

func acpEvent(agentID string, update acpUpdate, payload json.RawMessage) (Event, bool) {
	switch update.SessionUpdate {
	case "agent_message_chunk":
		return messageEvent(TypeAssistant, textBlock(ContentText(update.Content))), true
	case "agent_thought_chunk":
		return messageEvent(TypeAssistant, map[string]any{
			"type":     "thinking",
			"thinking": ContentText(update.Content),
		}), true
	case "user_message_chunk":
		return messageEvent(TypeUser, textBlock(ContentText(update.Content))), true
	case "tool_call":
		input := raw(update.RawInput)
		if len(update.RawInput) == 0 {
			input = encode(map[string]any{})
		}
		return messageEvent(TypeAssistant, map[string]any{
			"type":  "tool_use",
			"id":    update.ToolCallID,
			"name":  acpToolName(update),
			"input": input,
			"agent": agentID,
		}), true
	case "tool_call_update":
		switch update.Status {
		case "completed", "failed":
			output := ContentText(update.Content)
			if output == "" {
				output = ContentText(update.RawOutput)
			}
			return messageEvent(TypeUser, map[string]any{
				"type":        "tool_result",
				"tool_use_id": update.ToolCallID,
				"content":     output,
				"is_error":    update.Status == "failed",
			}), true
		default:
			fields := map[string]any{
				"tool_use_id": update.ToolCallID,
				"status":      update.Status,
			}
			if update.Title != "" {
				fields["title"] = update.Title
			}
			return build(TypeToolStatus, fields), true
		}
	case "usage_update":
		fields := map[string]any{}
		for key, value := range map[string]json.RawMessage{"used": update.Used, "size": update.Size, "cost": update.Cost} {
			if len(value) > 0 {
				fields[key] = raw(value)
			}
		}
		return build(TypeUsage, fields), true
	case "plan":
		return build(TypePlan, map[string]any{"entries": raw(update.Entries)}), true
	case "available_commands_update", "current_mode_update":
		return Event{}, false
	case "":
		return systemRaw("unknown", payload), true
	default:
		return systemRaw(update.SessionUpdate, payload), true
	}
}

func acpToolName(update acpUpdate) string {
	switch {
	case update.Title != "":
		return update.Title
	case update.Kind != "":
		return update.Kind
	default:
		return "tool"
	}
}

// PromptResult converts a successful session/prompt response into the
// terminal result event.
func PromptResult(result json.RawMessage) Event {
	var response struct {
		StopReason string          `json:"stopReason"`
		Usage      json.RawMessage `json:"usage"`
	}
	_ = json.Unmarshal(result, &response)
	stopReason := response.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	fields := map[string]any{
		"subtype":     stopReason,
		"stop_reason": stopReason,
		"is_error":    stopReason == "refusal",
	}
	if len(response.Usage) > 0 {
		fields["usage"] = raw(response.Usage)
	}
	return build(TypeResult, fields)
}

// PromptError converts a session/prompt JSON-RPC error into an error
// event.
func PromptError(code int, message string, data json.RawMessage) Event {
	fields := map[string]any{
		"error": message,
		"code":  code,
	}
	if len(data) > 0 {
		fields["detail"] = raw(data)
	}
	return build(TypeError, fields)
}
