// Package assembler turns an agent transcript into the chat messages to post.
//
// Tool calls are held back until their result arrives and are then posted as
// one message. Calls and results pair strictly first-in first-out; call IDs
// are not consulted, so a runtime that reports results out of order will get
// mismatched pairs.
package assembler

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/agentoven/chatbridge/pkg/models"
)

// Assemble walks turns and returns the segments produced after the last
// occurrence of the triggering user message.
func Assemble(turns []models.Turn, triggering string) []models.Segment {
	var (
		out     []models.Segment
		pending []string
	)

	for _, turn := range turns {
		switch turn.Kind {
		case models.TurnToolCall:
			if turn.Call == nil {
				continue
			}
			pending = append(pending, FormatCallLabel(turn.Call.Name, turn.Call.Args))

		case models.TurnToolResult:
			if turn.Result == nil {
				continue
			}
			result := formatResult(turn.Result)
			if len(pending) == 0 {
				out = append(out, models.Segment{Text: result})
				continue
			}
			label := pending[0]
			pending = pending[1:]
			out = append(out, models.Segment{Text: label + "\n" + result})

		case models.TurnText:
			if turn.Role == models.RoleUser {
				if turn.Text == triggering {
					out = nil
				}
				continue
			}
			if turn.Text != "" {
				out = append(out, models.Segment{Text: turn.Text})
			}
		}
	}
	return out
}

// FormatCallLabel renders "Called tool: <name>" with the arguments as a
// fenced JSON block when there are any.
func FormatCallLabel(name string, args map[string]any) string {
	label := "Called tool: " + name
	if len(args) == 0 {
		return label
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(args); err != nil {
		return label
	}
	return label + "\n```json\n" + strings.TrimRight(buf.String(), "\n") + "\n```"
}

func formatResult(r *models.ToolResult) string {
	if r.Status == "" {
		return "Result: " + r.Content
	}
	return "Result: " + r.Content + " (" + r.Status + ")"
}
