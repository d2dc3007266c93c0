package stream

import (
	"encoding/json"
	"strings"
)

// claudeEvent is the subset of a claude `--output-format stream-json` line
// the decoder understands. With --include-partial-messages the API stream
// events arrive wrapped as {"type":"stream_event","event":{...}}.
type claudeEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	Event *claudeEvent `json:"event,omitempty"`

	Message      *claudeMessage      `json:"message,omitempty"`
	ContentBlock *claudeContentBlock `json:"content_block,omitempty"`
	Delta        *claudeDelta        `json:"delta,omitempty"`

	IsError bool   `json:"is_error,omitempty"`
	Result  string `json:"result,omitempty"`
}

type claudeMessage struct {
	Content []claudeContentBlock `json:"content,omitempty"`
}

type claudeContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Name     string `json:"name,omitempty"`
}

type claudeDelta struct {
	Type     string `json:"type,omitempty"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ClaudeDecoder converts stream-json lines into chunks and keeps the text
// needed for the terminal result chunk.
//
// Partial deltas and complete assistant messages describe the same output;
// once a partial delta has been seen, assistant messages only contribute
// tool_use chunks that were not already announced by a block start.
type ClaudeDecoder struct {
	text       strings.Builder
	result     string
	hasResult  bool
	isError    bool
	sawPartial bool
	sawToolEv  bool
}

// Decode parses one line. Lines that are not JSON produce no chunks.
func (d *ClaudeDecoder) Decode(line []byte) []Chunk {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil
	}
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}
	if ev.Type == "stream_event" && ev.Event != nil {
		return d.decodePartial(*ev.Event)
	}

	switch ev.Type {
	case "content_block_start", "content_block_delta":
		return d.decodePartial(ev)

	case "assistant":
		if ev.Message == nil {
			return nil
		}
		var out []Chunk
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "tool_use":
				if !d.sawToolEv {
					out = append(out, ToolUse(block.Name))
				}
			case "text":
				if !d.sawPartial && block.Text != "" {
					d.text.WriteString(block.Text)
					out = append(out, TextDelta(block.Text))
				}
			case "thinking":
				if !d.sawPartial && block.Thinking != "" {
					out = append(out, Thinking(block.Thinking))
				}
			}
		}
		return out

	case "result":
		d.hasResult = true
		d.isError = ev.IsError
		d.result = strings.TrimSpace(ev.Result)
	}
	return nil
}

func (d *ClaudeDecoder) decodePartial(ev claudeEvent) []Chunk {
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			d.sawToolEv = true
			return []Chunk{ToolUse(ev.ContentBlock.Name)}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			d.sawPartial = true
			d.text.WriteString(ev.Delta.Text)
			return []Chunk{TextDelta(ev.Delta.Text)}
		case "thinking_delta":
			d.sawPartial = true
			return []Chunk{Thinking(ev.Delta.Thinking)}
		}
	}
	return nil
}

// FinalText is the authoritative result text when the CLI emitted a result
// event, otherwise the accumulated assistant text.
func (d *ClaudeDecoder) FinalText() string {
	if d.hasResult && d.result != "" {
		return d.result
	}
	return strings.TrimSpace(d.text.String())
}

// ResultIsError reports whether the CLI flagged its result as an error.
func (d *ClaudeDecoder) ResultIsError() bool {
	return d.isError
}
