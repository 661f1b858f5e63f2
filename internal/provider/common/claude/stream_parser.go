package claude

import (
	"encoding/json"
	"fmt"
)

// MessageType is the top-level "type" of one stream-json line.
type MessageType string

const (
	MessageTypeSystem    MessageType = "system"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeUser      MessageType = "user"
	MessageTypeResult    MessageType = "result"
	MessageTypeError     MessageType = "error"
	MessageTypeStream    MessageType = "stream_event"
)

// Message represents a parsed JSON line from the CLI's stream-json output.
type Message struct {
	Type MessageType    `json:"type"`
	Data map[string]any `json:"-"` // Raw data for flexible access
	raw  []byte
}

// ParseMessage parses a single line of stream-json output. stream_event
// envelopes are unwrapped so the inner event type is reported.
func ParseMessage(line []byte) (Message, error) {
	if len(line) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}

	var envelope struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Message{}, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if envelope.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}

	if envelope.Type == string(MessageTypeStream) && len(envelope.Event) > 0 {
		var data map[string]any
		if err := json.Unmarshal(envelope.Event, &data); err != nil {
			return Message{}, fmt.Errorf("failed to parse inner event data: %w", err)
		}
		inner, _ := data["type"].(string)
		return Message{Type: MessageType(inner), Data: data, raw: envelope.Event}, nil
	}

	var data map[string]any
	if err := json.Unmarshal(line, &data); err != nil {
		return Message{}, fmt.Errorf("failed to parse message data: %w", err)
	}

	return Message{
		Type: MessageType(envelope.Type),
		Data: data,
		raw:  line,
	}, nil
}

// GetString safely extracts a string value from the message data.
func (m Message) GetString(path ...string) (string, bool) {
	value, ok := m.getValue(path...)
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetMap safely extracts a map value from the message data.
func (m Message) GetMap(path ...string) (map[string]any, bool) {
	value, ok := m.getValue(path...)
	if !ok {
		return nil, false
	}
	mapVal, ok := value.(map[string]any)
	return mapVal, ok
}

// GetArray safely extracts an array value from the message data.
func (m Message) GetArray(path ...string) ([]any, bool) {
	value, ok := m.getValue(path...)
	if !ok {
		return nil, false
	}
	arrVal, ok := value.([]any)
	return arrVal, ok
}

func (m Message) getValue(path ...string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}

	current := any(m.Data)
	for _, key := range path {
		mapVal, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = mapVal[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Raw returns the original JSON bytes.
func (m Message) Raw() []byte {
	return m.raw
}

// SessionID returns the CLI session id carried by the message, if any.
func (m Message) SessionID() string {
	id, _ := m.GetString("session_id")
	return id
}

// ContentBlockType represents the type of content block.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one entry of message.content.
type ContentBlock struct {
	Type        ContentBlockType
	Text        string
	ToolUseName string
	ToolUseID   string
}

// ContentBlocks extracts the blocks of an assistant or user message.
func (m Message) ContentBlocks() []ContentBlock {
	items, ok := m.GetArray("message", "content")
	if !ok {
		if text, ok := m.GetString("message", "content"); ok {
			return []ContentBlock{{Type: ContentBlockTypeText, Text: text}}
		}
		return nil
	}

	blocks := make([]ContentBlock, 0, len(items))
	for _, item := range items {
		itemMap, ok := item.(map[string]any)
		if !ok {
			continue
		}
		block := ContentBlock{}
		if blockType, ok := itemMap["type"].(string); ok {
			block.Type = ContentBlockType(blockType)
		}
		switch block.Type {
		case ContentBlockTypeText:
			block.Text, _ = itemMap["text"].(string)
		case ContentBlockTypeToolUse:
			block.ToolUseName, _ = itemMap["name"].(string)
			block.ToolUseID, _ = itemMap["id"].(string)
		case ContentBlockTypeToolResult:
			block.ToolUseID, _ = itemMap["tool_use_id"].(string)
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// ErrorInfo represents error information from the CLI.
type ErrorInfo struct {
	Type    string
	Message string
}

// ExtractError extracts error information from a message.
func (m Message) ExtractError() (ErrorInfo, bool) {
	if m.Type != MessageTypeError {
		return ErrorInfo{}, false
	}

	info := ErrorInfo{}
	if errorMap, ok := m.GetMap("error"); ok {
		if errType, ok := errorMap["type"].(string); ok {
			info.Type = errType
		}
		if message, ok := errorMap["message"].(string); ok {
			info.Message = message
		}
		return info, true
	}
	if message, ok := m.GetString("message"); ok {
		info.Message = message
		return info, true
	}

	return info, false
}
