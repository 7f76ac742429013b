package stream

import "encoding/json"

// Wire types for the agent CLI's line-oriented stream-json protocol. Every
// stdout line is one JSON object discriminated by "type".
const (
	eventAssistant         = "assistant"
	eventContentBlockStart = "content_block_start"
	eventContentBlockDelta = "content_block_delta"
	eventContentBlockStop  = "content_block_stop"
	eventResult            = "result"
	eventSystem            = "system"
	eventMessageStart      = "message_start"
	eventMessageDelta      = "message_delta"
	eventError             = "error"
)

const (
	deltaText      = "text_delta"
	deltaThinking  = "thinking_delta"
	deltaInputJSON = "input_json_delta"
)

type usagePayload struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type deltaPayload struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
}

type messagePayload struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
	Usage   *usagePayload  `json:"usage"`
}

// event is the envelope for one protocol line.
type event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// system
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`

	// result / error
	Result string        `json:"result"`
	Error  string        `json:"error"`
	Usage  *usagePayload `json:"usage"`

	// assistant / message_start
	Message *messagePayload `json:"message"`

	// content_block_start / content_block_delta
	Index        int           `json:"index"`
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *deltaPayload `json:"delta"`
}
