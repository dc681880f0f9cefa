package agent

import (
	"encoding/json"
	"reflect"

	"go.uber.org/zap"
)

// maxSearchDepth bounds the fallback search for a session id.
const maxSearchDepth = 6

// sessionEvent is the envelope every server event shares.
type sessionEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Known shapes, keyed by where the owning session id lives.
type (
	directSessionProps struct {
		SessionID string `json:"sessionID"`
	}
	infoProps struct {
		Info struct {
			ID        string `json:"id"`
			SessionID string `json:"sessionID"`
		} `json:"info"`
	}
	partProps struct {
		Part struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
)

// eventSessionID returns the session an event belongs to. Known event
// types are decoded by shape; anything else falls back to a bounded
// search of the payload. ok is false when no id was found.
func eventSessionID(data []byte, log *zap.Logger) (eventType, id string, ok bool) {
	var ev sessionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", "", false
	}

	switch ev.Type {
	case "message.updated", "message.removed":
		var p infoProps
		if json.Unmarshal(ev.Properties, &p) == nil && p.Info.SessionID != "" {
			return ev.Type, p.Info.SessionID, true
		}
	case "message.part.updated", "message.part.removed":
		var p partProps
		if json.Unmarshal(ev.Properties, &p) == nil && p.Part.SessionID != "" {
			return ev.Type, p.Part.SessionID, true
		}
	case "session.created", "session.updated", "session.deleted":
		var p infoProps
		if json.Unmarshal(ev.Properties, &p) == nil && p.Info.ID != "" {
			return ev.Type, p.Info.ID, true
		}
	case "session.idle", "session.error", "session.status", "session.compacted":
		var p directSessionProps
		if json.Unmarshal(ev.Properties, &p) == nil && p.SessionID != "" {
			return ev.Type, p.SessionID, true
		}
	}

	var tree any
	if err := json.Unmarshal(ev.Properties, &tree); err != nil {
		return ev.Type, "", false
	}
	if found, ok := searchSessionID(tree, maxSearchDepth, map[uintptr]bool{}); ok {
		log.Debug("session id found by fallback search", zap.String("event", ev.Type))
		return ev.Type, found, true
	}
	return ev.Type, "", false
}

var sessionIDKeys = []string{"sessionID", "sessionId", "session_id"}

// searchSessionID walks v depth-first, at most depth levels
// deep. Containers already visited are skipped, so shared or cyclic
// structures terminate.
func searchSessionID(v any, depth int, seen map[uintptr]bool) (string, bool) {
	if depth <= 0 {
		return "", false
	}
	switch node := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(node).Pointer()
		if seen[ptr] {
			return "", false
		}
		seen[ptr] = true
		for _, key := range sessionIDKeys {
			if s, ok := node[key].(string); ok && s != "" {
				return s, true
			}
		}
		for _, child := range node {
			if s, ok := searchSessionID(child, depth-1, seen); ok {
				return s, true
			}
		}
	case []any:
		if len(node) > 0 {
			ptr := reflect.ValueOf(node).Pointer()
			if seen[ptr] {
				return "", false
			}
			seen[ptr] = true
		}
		for _, child := range node {
			if s, ok := searchSessionID(child, depth-1, seen); ok {
				return s, true
			}
		}
	}
	return "", false
}
