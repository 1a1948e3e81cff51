// Package completion is the Completion Detector: a pure function over
// an in-memory tail of an SDK output transcript that looks for an
// assistant-originated completion sentinel, rejecting both tool-output
// echoes and assistant text that merely refers to the sentinel as a
// literal rather than emitting it.
package completion

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Sentinel is the exact line the runner emits to signal completion.
const Sentinel = "<promise>COMPLETE</promise>"

// Role distinguishes who authored a transcript message. Only
// "assistant" messages are eligible to carry the completion sentinel;
// "tool_result"/"user" messages echoing the same text do not count.
type Role string

const (
	RoleAssistant  Role = "assistant"
	RoleUser       Role = "user"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
)

// Message is one entry of the SDK output transcript.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ParseTail reads an sdk-output.json array and returns its last n
// messages (or all of them, if fewer than n exist).
func ParseTail(path string, n int) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if n > 0 && len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	return messages, nil
}

// IsComplete reports whether any assistant message in messages emits
// the sentinel on its own line. A line containing the sentinel amid
// other prose (e.g. "the sentinel is `<promise>COMPLETE</promise>`")
// is a literal reference, not a real signal, and does not match.
func IsComplete(messages []Message) bool {
	for _, m := range messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, line := range strings.Split(m.Text, "\n") {
			if strings.TrimSpace(line) == Sentinel {
				return true
			}
		}
	}
	return false
}

// DefaultTailSize is how many trailing messages the Run Manager scans
// on each iteration.
const DefaultTailSize = 20
