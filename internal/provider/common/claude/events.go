package claude

import (
	"strings"
)

// Describe renders a message as a line of human-readable output. The
// second result reports whether the message ends the current turn.
func Describe(msg Message) (string, bool) {
	switch msg.Type {
	case MessageTypeResult:
		subtype, _ := msg.GetString("subtype")
		if subtype == "" {
			subtype = "success"
		}
		if isErr, _ := msg.getValue("is_error"); isErr == true {
			if text, ok := msg.GetString("result"); ok && text != "" {
				return "[error: " + text + "]", true
			}
		}
		return "[done: " + subtype + "]", true

	case MessageTypeAssistant:
		return describeBlocks(msg.ContentBlocks()), false

	case MessageTypeUser:
		blocks := msg.ContentBlocks()
		for _, b := range blocks {
			if b.Type == ContentBlockTypeToolResult {
				return "[tool result]", false
			}
		}
		return describeBlocks(blocks), false

	case MessageTypeSystem:
		subtype, _ := msg.GetString("subtype")
		if subtype == "" {
			return "[system]", false
		}
		return "[system: " + subtype + "]", false

	case MessageTypeError:
		if info, ok := msg.ExtractError(); ok && info.Message != "" {
			return "[error: " + info.Message + "]", false
		}
		return "[error]", false

	default:
		return string(msg.Raw()), false
	}
}

func describeBlocks(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case ContentBlockTypeText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case ContentBlockTypeToolUse:
			parts = append(parts, "[tool: "+b.ToolUseName+"]")
		}
	}
	return strings.Join(parts, "\n")
}
