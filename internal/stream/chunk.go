// Package stream turns AI backend process output into StreamChunks.
package stream

// ChunkType tags a Chunk.
type ChunkType string

const (
	TypeTextDelta ChunkType = "text_delta"
	TypeToolUse   ChunkType = "tool_use"
	TypeThinking  ChunkType = "thinking"
	TypeResult    ChunkType = "result"
	TypeError     ChunkType = "error"
)

// Chunk is one unit of structured output from an AI backend process.
// Content is set for text_delta, thinking and result; Tool for tool_use;
// Error for error.
type Chunk struct {
	Type    ChunkType `json:"type"`
	Content string    `json:"content,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func TextDelta(content string) Chunk { return Chunk{Type: TypeTextDelta, Content: content} }
func ToolUse(tool string) Chunk      { return Chunk{Type: TypeToolUse, Tool: tool} }
func Thinking(content string) Chunk  { return Chunk{Type: TypeThinking, Content: content} }
func Result(content string) Chunk    { return Chunk{Type: TypeResult, Content: content} }
func Error(msg string) Chunk         { return Chunk{Type: TypeError, Error: msg} }

// Terminal reports whether c ends a stream.
func (c Chunk) Terminal() bool {
	return c.Type == TypeResult || c.Type == TypeError
}
