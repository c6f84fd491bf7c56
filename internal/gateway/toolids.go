package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Tool ids travel in three places: messages[].tool_calls[].id on assistant
// turns, messages[].tool_call_id on tool turns, and Anthropic-style content
// parts ({type:"tool_use"} id / {type:"tool_result"} tool_use_id). Some
// clients mint ids with characters strict upstreams reject, so every id is
// rewritten to [A-Za-z0-9_-] with one consistent mapping per request.

var toolIDBadChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// idMapper rewrites tool ids consistently within one request. Distinct
// originals that land on the same rewritten id get a numeric suffix, in
// document order, so producer/consumer pairs keep matching.
type idMapper struct {
	byOriginal map[string]string
	used       map[string]bool
}

func newIDMapper() *idMapper {
	return &idMapper{
		byOriginal: make(map[string]string),
		used:       make(map[string]bool),
	}
}

func (m *idMapper) sanitize(original string) string {
	if mapped, ok := m.byOriginal[original]; ok {
		return mapped
	}
	clean := toolIDBadChars.ReplaceAllString(original, "_")
	if clean == "" {
		clean = "call"
	}
	candidate := clean
	for n := 2; m.used[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d", clean, n)
	}
	m.byOriginal[original] = candidate
	m.used[candidate] = true
	return candidate
}

// sanitizeToolIDs rewrites tool ids in the raw request body. Only messages
// that actually change are re-marshaled; a body with no offending ids is
// returned untouched. A body that does not parse is also returned
// untouched, the upstream will reject it with a proper error.
func sanitizeToolIDs(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	rawMessages, ok := envelope["messages"]
	if !ok {
		return body
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(rawMessages, &messages); err != nil {
		return body
	}

	mapper := newIDMapper()
	changed := false
	for i, raw := range messages {
		rewritten, didChange := sanitizeMessageIDs(raw, mapper)
		if didChange {
			messages[i] = rewritten
			changed = true
		}
	}
	if !changed {
		return body
	}

	packed, err := json.Marshal(messages)
	if err != nil {
		return body
	}
	envelope["messages"] = packed
	out, err := json.Marshal(envelope)
	if err != nil {
		return body
	}
	return out
}

func sanitizeMessageIDs(raw json.RawMessage, mapper *idMapper) (json.RawMessage, bool) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return raw, false
	}
	changed := false

	if rawCalls, ok := msg["tool_calls"]; ok {
		var calls []map[string]json.RawMessage
		if err := json.Unmarshal(rawCalls, &calls); err == nil {
			callsChanged := false
			for _, call := range calls {
				if rewriteIDField(call, "id", mapper) {
					callsChanged = true
				}
			}
			if callsChanged {
				if packed, err := json.Marshal(calls); err == nil {
					msg["tool_calls"] = packed
					changed = true
				}
			}
		}
	}

	if rewriteIDField(msg, "tool_call_id", mapper) {
		changed = true
	}

	// Anthropic-style structured content: an array of typed parts.
	if rawContent, ok := msg["content"]; ok && len(rawContent) > 0 && rawContent[0] == '[' {
		var parts []map[string]json.RawMessage
		if err := json.Unmarshal(rawContent, &parts); err == nil {
			partsChanged := false
			for _, part := range parts {
				var typ string
				if rawType, ok := part["type"]; ok {
					_ = json.Unmarshal(rawType, &typ)
				}
				switch typ {
				case "tool_use":
					if rewriteIDField(part, "id", mapper) {
						partsChanged = true
					}
				case "tool_result":
					if rewriteIDField(part, "tool_use_id", mapper) {
						partsChanged = true
					}
				}
			}
			if partsChanged {
				if packed, err := json.Marshal(parts); err == nil {
					msg["content"] = packed
					changed = true
				}
			}
		}
	}

	if !changed {
		return raw, false
	}
	packed, err := json.Marshal(msg)
	if err != nil {
		return raw, false
	}
	return packed, true
}

// rewriteIDField runs obj[field] through the mapper when it is a
// non-empty string. Every id visits the mapper, clean ones included, so
// later dirty ids that collide with them pick up a suffix.
func rewriteIDField(obj map[string]json.RawMessage, field string, mapper *idMapper) bool {
	raw, ok := obj[field]
	if !ok {
		return false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return false
	}
	clean := mapper.sanitize(id)
	if clean == id {
		return false
	}
	packed, err := json.Marshal(clean)
	if err != nil {
		return false
	}
	obj[field] = packed
	return true
}
