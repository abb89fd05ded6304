// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ContentText flattens an agent content value to text, preferring the
// most specific shape it recognizes:
//
//   - {"type":"text","text":"..."} yields the text
//   - {"content": X} yields ContentText(X)
//   - an array yields its elements' text concatenated
//   - a JSON string yields the string
//
// Any other value (diffs, images, numbers) yields its JSON encoding so
// no content is silently dropped. Null and empty input yield "".
func ContentText(value json.RawMessage) string {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	switch trimmed[0] {
	case '{':
		var block struct {
			Type    string          `json:"type"`
			Text    *string         `json:"text"`
			Content json.RawMessage `json:"content"`
			Message *string         `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &block); err != nil {
			return string(trimmed)
		}
		if block.Text != nil && (block.Type == "" || block.Type == "text") {
			return *block.Text
		}
		if len(block.Content) > 0 {
			return ContentText(block.Content)
		}
		if block.Message != nil {
			return *block.Message
		}
	case '[':
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return string(trimmed)
		}
		var builder strings.Builder
		for _, element := range elements {
			builder.WriteString(ContentText(element))
		}
		return builder.String()
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err == nil {
			return text
		}
	}
	return string(trimmed)
}
