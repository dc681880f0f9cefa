package protocol

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)```")

// Extract finds the structured payload in free-form agent text. In order
// of preference: the whole text as a JSON object, the last fenced code
// block holding an object, the last top-level object embedded in prose.
func Extract(text string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(text)
	if isObject([]byte(trimmed)) {
		return json.RawMessage(trimmed), true
	}

	blocks := fencedJSON.FindAllStringSubmatch(text, -1)
	for i := len(blocks) - 1; i >= 0; i-- {
		body := strings.TrimSpace(blocks[i][1])
		if isObject([]byte(body)) {
			return json.RawMessage(body), true
		}
	}

	var last json.RawMessage
	i := 0
	for i < len(text) {
		idx := strings.IndexByte(text[i:], '{')
		if idx < 0 {
			break
		}
		start := i + idx
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var obj json.RawMessage
		if err := dec.Decode(&obj); err == nil && isObject(obj) {
			last = obj
			i = start + int(dec.InputOffset())
			continue
		}
		i = start + 1
	}
	if last != nil {
		return last, true
	}
	return nil, false
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	var m map[string]json.RawMessage
	return json.Unmarshal(b, &m) == nil
}
