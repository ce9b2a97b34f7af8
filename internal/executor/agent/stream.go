package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

const consolePreviewCap = 2000

// streamEvent is one line of the agent's stream-json output. Only the fields
// the accumulator cares about are decoded; everything else rides in Raw.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Text    string `json:"text"`
	Message *struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	ToolCall map[string]json.RawMessage `json:"tool_call"`
	Result   json.RawMessage            `json:"result"`
}

// accumulator folds stream-json events into the four output sections.
type accumulator struct {
	thinking   strings.Builder
	response   string
	console    strings.Builder
	fullResult string
}

// handleLine parses one stream line and updates the accumulator. Unparseable
// lines are ignored; the agent interleaves diagnostics on stdout.
func (a *accumulator) handleLine(line []byte) {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "thinking":
		if ev.Subtype == "delta" {
			a.thinking.WriteString(ev.Text)
		}
	case "assistant":
		text, ok := assistantText(&ev)
		if !ok {
			return
		}
		if ev.Subtype == "delta" {
			a.response += text
		} else {
			// Non-delta assistant events re-send the accumulated message;
			// replacing avoids doubling the text.
			a.response = text
		}
	case "tool_call":
		a.handleToolCall(&ev)
	case "result":
		var result string
		if json.Unmarshal(ev.Result, &result) == nil && result != "" {
			a.fullResult = result
		}
	}
}

func assistantText(ev *streamEvent) (string, bool) {
	if ev.Message == nil || len(ev.Message.Content) == 0 {
		return "", false
	}
	return ev.Message.Content[0].Text, true
}

// handleToolCall renders the tool_call event into the console section. The
// tool_call object carries a single key like "bashToolCall" whose value
// holds args (started) or a result (completed).
func (a *accumulator) handleToolCall(ev *streamEvent) {
	var toolKey string
	var inner json.RawMessage
	for k, v := range ev.ToolCall {
		toolKey, inner = k, v
		break
	}
	if toolKey == "" {
		return
	}
	toolName := strings.TrimSuffix(strings.TrimSuffix(toolKey, "ToolCall"), "Tool")

	switch ev.Subtype {
	case "started":
		var call struct {
			Args map[string]any `json:"args"`
		}
		json.Unmarshal(inner, &call)
		desc := describeToolStart(toolName, call.Args)
		if desc == "" {
			return
		}
		if a.console.Len() > 0 {
			a.console.WriteByte('\n')
		}
		a.console.WriteString(desc)
		a.console.WriteString(" ...")
	case "completed":
		var call struct {
			Result *struct {
				Error   *string          `json:"error"`
				Stdout  *string          `json:"stdout"`
				Output  *string          `json:"output"`
				Success *json.RawMessage `json:"success"`
			} `json:"result"`
		}
		if json.Unmarshal(inner, &call) != nil || call.Result == nil {
			return
		}
		r := call.Result
		if r.Error != nil {
			fmt.Fprintf(&a.console, "\n✗ %s", *r.Error)
			return
		}
		out := r.Stdout
		if out == nil {
			out = r.Output
		}
		if out != nil {
			trimmed := strings.TrimSpace(*out)
			if trimmed != "" {
				preview := []rune(trimmed)
				if len(preview) > consolePreviewCap {
					fmt.Fprintf(&a.console, "\n%s\n... (truncated)", string(preview[:consolePreviewCap]))
				} else {
					fmt.Fprintf(&a.console, "\n%s", trimmed)
				}
			}
			return
		}
		if r.Success != nil {
			a.console.WriteString(" ✓")
		}
	}
}

func describeToolStart(toolName string, args map[string]any) string {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := args[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	switch toolName {
	case "bash", "runCommand", "terminal":
		if cmd := pick("command", "cmd"); cmd != "" {
			return "$ " + cmd
		}
	case "ls", "listDir":
		if path := pick("path"); path != "" {
			return "ls " + path
		}
	case "read", "readFile":
		if path := pick("path", "filePath"); path != "" {
			return "cat " + path
		}
	case "write", "writeFile", "editFile", "edit":
		if path := pick("path", "filePath"); path != "" {
			return "write " + path
		}
	case "grep", "search":
		if pattern := pick("pattern", "query"); pattern != "" {
			return "grep " + pattern
		}
	default:
		return "[" + toolName + "]"
	}
	return ""
}

// display renders the current progress view with only the nonempty sections.
func (a *accumulator) display() string {
	var b strings.Builder
	if a.thinking.Len() > 0 {
		b.WriteString("[Thinking]\n")
		b.WriteString(a.thinking.String())
		b.WriteString("\n\n")
	}
	if a.console.Len() > 0 {
		b.WriteString("[Console]\n")
		b.WriteString(a.console.String())
		b.WriteString("\n\n")
	}
	response := a.response
	if a.fullResult != "" {
		response = a.fullResult
	}
	if strings.TrimSpace(response) != "" {
		b.WriteString("[Response]\n")
		b.WriteString(response)
	}
	return b.String()
}

// final renders the output reported after a clean exit. The agent's result
// event supersedes the delta-accumulated response.
func (a *accumulator) final() string {
	if a.fullResult != "" {
		return a.fullResult
	}
	if a.thinking.Len() > 0 {
		return fmt.Sprintf("[Thinking]\n%s\n\n[Response]\n%s", a.thinking.String(), a.response)
	}
	return a.response
}
