// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package normalize

import "encoding/json"

type codexLine struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
	Item     json.RawMessage `json:"item"`
	Usage    json.RawMessage `json:"usage"`
	Error    json.RawMessage `json:"error"`
	Message  string          `json:"message"`
}

type codexItem struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Text             string          `json:"text"`
	Command          string          `json:"command"`
	AggregatedOutput string          `json:"aggregated_output"`
	ExitCode         *int            `json:"exit_code"`
	Status           string          `json:"status"`
	Changes          json.RawMessage `json:"changes"`
	Server           string          `json:"server"`
	Tool             string          `json:"tool"`
	Arguments        json.RawMessage `json:"arguments"`
	Result           json.RawMessage `json:"result"`
	Error            json.RawMessage `json:"error"`
	Items            json.RawMessage `json:"items"`
}

// Codex normalizes `codex exec --json` lines.
func Codex(line json.RawMessage) (Event, bool) {
	var envelope codexLine
	if err := json.Unmarshal(line, &envelope); err != nil {
		return systemRaw("unparsed", line), true
	}

	switch envelope.Type {
	case "thread.started":
		event := build(TypeSystem, map[string]any{
			"subtype":    "init",
			"session_id": envelope.ThreadID,
		})
		event.ResumeToken = envelope.ThreadID
		return event, true
	case "turn.started":
		return Event{}, false
	case "turn.completed":
		fields := map[string]any{
			"subtype":  "success",
			"is_error": false,
		}
		if len(envelope.Usage) > 0 {
			fields["usage"] = raw(envelope.Usage)
		}
		return build(TypeResult, fields), true
	case "turn.failed":
		return codexError(envelope.Error, line), true
	case "error":
		if envelope.Message != "" {
			return build(TypeError, map[string]any{"error": envelope.Message}), true
		}
		return codexError(envelope.Error, line), true
	case "item.started", "item.updated", "item.completed":
		var item codexItem
		if err := json.Unmarshal(envelope.Item, &item); err != nil {
			return systemRaw(envelope.Type, line), true
		}
		return codexItemEvent(envelope.Type, item, line)
	default:
		return systemRaw(envelope.Type, line), true
	}
}

func codexError(detail json.RawMessage, line json.RawMessage) Event {
	text := ContentText(detail)
	if text == "" {
		text = string(line)
	}
	return build(TypeError, map[string]any{"error": text})
}

func codexItemEvent(phase string, item codexItem, line json.RawMessage) (Event, bool) {
	completed := phase == "item.completed"

	switch item.Type {
	case "agent_message":
		if !completed {
			return Event{}, false
		}
		return messageEvent(TypeAssistant, textBlock(item.Text)), true
	case "reasoning":
		if !completed {
			return Event{}, false
		}
		return messageEvent(TypeAssistant, map[string]any{"type": "thinking", "thinking": item.Text}), true
	case "todo_list":
		return build(TypePlan, map[string]any{"entries": raw(item.Items)}), true
	case "error":
		return build(TypeError, map[string]any{"error": item.Text}), true
	case "command_execution", "file_change", "mcp_tool_call", "web_search":
		if phase == "item.updated" {
			return build(TypeToolStatus, map[string]any{
				"tool_use_id": item.ID,
				"status":      item.Status,
			}), true
		}
		if !completed {
			return messageEvent(TypeAssistant, map[string]any{
				"type":  "tool_use",
				"id":    item.ID,
				"name":  codexToolName(item),
				"input": codexToolInput(item),
			}), true
		}
		isError := item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0)
		return messageEvent(TypeUser, map[string]any{
			"type":        "tool_result",
			"tool_use_id": item.ID,
			"content":     codexToolOutput(item),
			"is_error":    isError,
		}), true
	default:
		return systemRaw(phase, line), true
	}
}

func codexToolName(item codexItem) string {
	switch item.Type {
	case "command_execution":
		return "Bash"
	case "file_change":
		return "Edit"
	case "mcp_tool_call":
		if item.Server != "" && item.Tool != "" {
			return "mcp__" + item.Server + "__" + item.Tool
		}
		return "mcp"
	default:
		return item.Type
	}
}

func codexToolInput(item codexItem) any {
	switch item.Type {
	case "command_execution":
		return map[string]any{"command": item.Command}
	case "file_change":
		return map[string]any{"changes": raw(item.Changes)}
	case "mcp_tool_call":
		return raw(item.Arguments)
	default:
		return map[string]any{}
	}
}

func codexToolOutput(item codexItem) string {
	switch item.Type {
	case "command_execution":
		return item.AggregatedOutput
	case "file_change":
		return ContentText(item.Changes)
	case "mcp_tool_call":
		if len(item.Error) > 0 && string(item.Error) != "null" {
			return ContentText(item.Error)
		}
		return ContentText(item.Result)
	default:
		return item.Text
	}
}
