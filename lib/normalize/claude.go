// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package normalize

import "encoding/json"

// Claude normalizes Claude Code stream-json lines. The vocabulary
// already matches the common schema, so known types are forwarded
// verbatim.
func Claude(line json.RawMessage) (Event, bool) {
	var envelope struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return systemRaw("unparsed", line), true
	}

	switch Type(envelope.Type) {
	case TypeSystem:
		event := Event{Type: TypeSystem, Data: raw(line)}
		if envelope.Subtype == "init" {
			event.ResumeToken = envelope.SessionID
		}
		return event, true
	case TypeAssistant, TypeUser, TypeError:
		return Event{Type: Type(envelope.Type), Data: raw(line)}, true
	case TypeResult:
		return Event{Type: TypeResult, Data: raw(line), ResumeToken: envelope.SessionID}, true
	case "":
		return systemRaw("unknown", line), true
	default:
		return systemRaw(envelope.Type, line), true
	}
}
