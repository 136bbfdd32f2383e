package capture

import (
	"encoding/json"
	"strings"
)

const ssePrefix = "data: "

// Reconstruct turns the accumulated text of a streamed response into the body
// stored in the response snapshot:
//
//  1. If the first non-empty trimmed line starts with "data: ", every such
//     line is decoded as JSON and the successes are returned in order as
//     []json.RawMessage. Lines that fail to decode are dropped.
//  2. Otherwise (or when step 1 decoded nothing) the whole text is tried as a
//     single JSON document, returned as json.RawMessage.
//  3. Failing both, the text itself is returned.
func Reconstruct(text string) any {
	lines := nonEmptyLines(text)

	if len(lines) > 0 && strings.HasPrefix(lines[0], ssePrefix) {
		var events []json.RawMessage
		for _, line := range lines {
			payload, ok := strings.CutPrefix(line, ssePrefix)
			if !ok {
				continue
			}
			payload = strings.TrimSpace(payload)
			if payload != "" && json.Valid([]byte(payload)) {
				events = append(events, json.RawMessage(payload))
			}
		}
		if len(events) > 0 {
			return events
		}
	}

	if doc := strings.TrimSpace(text); doc != "" && json.Valid([]byte(doc)) {
		return json.RawMessage(doc)
	}
	return text
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
