// ABOUTME: Human-readable one-line summaries of engine tool invocations.
// ABOUTME: Picks the most telling input field per tool and truncates long values.

package session

import (
	"encoding/json"
	"strings"
)

const maxSummaryLen = 120

// summaryFields lists, per tool, the input field that best describes a call.
var summaryFields = map[string]string{
	"Bash":         "command",
	"Read":         "file_path",
	"Write":        "file_path",
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
	"Glob":         "pattern",
	"Grep":         "pattern",
	"WebFetch":     "url",
	"WebSearch":    "query",
	"Task":         "description",
}

// SummarizeToolUse renders a tool call as "Name: detail", or just the name
// when no detail is available.
func SummarizeToolUse(name string, input json.RawMessage) string {
	if name == HumanInputTool {
		var in struct {
			Questions []Question `json:"questions"`
		}
		if json.Unmarshal(input, &in) == nil && len(in.Questions) > 0 {
			return truncate(name + ": " + in.Questions[0].Question)
		}
		return name
	}

	field, ok := summaryFields[name]
	if !ok || len(input) == 0 {
		return name
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return name
	}
	detail, _ := fields[field].(string)
	detail = strings.Join(strings.Fields(detail), " ")
	if detail == "" {
		return name
	}
	return truncate(name + ": " + detail)
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxSummaryLen {
		return s
	}
	return string(r[:maxSummaryLen-3]) + "..."
}
