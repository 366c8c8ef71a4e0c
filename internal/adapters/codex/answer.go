package codex

import (
	"bytes"
	"encoding/json"
)

// NoAnswer is reported when the tool output holds no completed assistant message.
const NoAnswer = "<no answer>"

type outputEvent struct {
	Role    string `json:"role"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ExtractAnswer scans newline-delimited JSON events and returns the output_text of the
// last completed assistant message. Lines that are not JSON objects are skipped.
func ExtractAnswer(stdout []byte) string {
	answer, found := "", false
	for line := range bytes.Lines(stdout) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev outputEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Role != "assistant" || ev.Type != "message" || ev.Status != "completed" {
			continue
		}
		for _, c := range ev.Content {
			if c.Type == "output_text" {
				answer, found = c.Text, true
				break
			}
		}
	}
	if !found {
		return NoAnswer
	}
	return answer
}
