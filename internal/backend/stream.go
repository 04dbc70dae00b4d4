package backend

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EventKind tags a StreamEvent variant.
type EventKind string

const (
	EventToolUse       EventKind = "tool_use"
	EventToolResult    EventKind = "tool_result"
	EventAssistantText EventKind = "assistant_text"
	EventResult        EventKind = "result"
)

// StreamEvent is one decoded message from an agent's stream-json output.
// Concrete types are ToolUseEvent, ToolResultEvent, AssistantTextEvent and
// ResultEvent.
type StreamEvent interface {
	Kind() EventKind
}

// ToolUseEvent is emitted when the agent starts a tool invocation.
type ToolUseEvent struct {
	SessionID string
	ID        string
	Name      string
	Input     map[string]any
}

func (ToolUseEvent) Kind() EventKind { return EventToolUse }

// FilePath returns the file the tool targets, if its input names one.
func (e ToolUseEvent) FilePath() string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := e.Input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Writes reports whether the tool modifies the file it targets.
func (e ToolUseEvent) Writes() bool {
	switch e.Name {
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return true
	}
	return false
}

// ToolResultEvent carries the output of a finished tool invocation.
type ToolResultEvent struct {
	SessionID string
	ToolUseID string
	Content   string
	IsError   bool
}

func (ToolResultEvent) Kind() EventKind { return EventToolResult }

// AssistantTextEvent is a block of text written by the agent.
type AssistantTextEvent struct {
	SessionID string
	Text      string
}

func (AssistantTextEvent) Kind() EventKind { return EventAssistantText }

// ResultEvent is the terminal message of a run.
type ResultEvent struct {
	SessionID  string
	Subtype    string
	Result     string
	IsError    bool
	DurationMS int64
	NumTurns   int
	CostUSD    float64
}

func (ResultEvent) Kind() EventKind { return EventResult }

// rawStreamLine mirrors one line of `claude --output-format stream-json`.
type rawStreamLine struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	SessionID  string  `json:"session_id"`
	Result     string  `json:"result"`
	IsError    bool    `json:"is_error"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	CostUSD    float64 `json:"total_cost_usd"`
	Message    struct {
		Content []rawContentBlock `json:"content"`
	} `json:"message"`
}

type rawContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ErrNoResult is returned when a stream ends without a terminal result.
var ErrNoResult = errors.New("stream ended without a result event")

// StreamDecoder reads StreamEvents from newline-delimited JSON.
type StreamDecoder struct {
	scanner *bufio.Scanner
	pending []StreamEvent
	lineNum int
}

// NewStreamDecoder returns a decoder reading from r.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	scanner := bufio.NewScanner(r)
	// Tool results can carry whole files.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &StreamDecoder{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream is exhausted.
// Lines that are not JSON, and message types without a variant (system
// init, for example), are skipped.
func (d *StreamDecoder) Next() (StreamEvent, error) {
	for len(d.pending) == 0 {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read stream at line %d: %w", d.lineNum, err)
			}
			return nil, io.EOF
		}
		d.lineNum++
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		var raw rawStreamLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		d.pending = decodeLine(raw)
	}

	ev := d.pending[0]
	d.pending = d.pending[1:]
	return ev, nil
}

func decodeLine(raw rawStreamLine) []StreamEvent {
	switch raw.Type {
	case "result":
		return []StreamEvent{ResultEvent{
			SessionID:  raw.SessionID,
			Subtype:    raw.Subtype,
			Result:     raw.Result,
			IsError:    raw.IsError,
			DurationMS: raw.DurationMS,
			NumTurns:   raw.NumTurns,
			CostUSD:    raw.CostUSD,
		}}
	case "assistant", "user":
		var events []StreamEvent
		for _, block := range raw.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, AssistantTextEvent{SessionID: raw.SessionID, Text: block.Text})
				}
			case "tool_use":
				events = append(events, ToolUseEvent{SessionID: raw.SessionID, ID: block.ID, Name: block.Name, Input: block.Input})
			case "tool_result":
				events = append(events, ToolResultEvent{
					SessionID: raw.SessionID,
					ToolUseID: block.ToolUseID,
					Content:   toolResultText(block.Content),
					IsError:   block.IsError,
				})
			}
		}
		return events
	}
	return nil
}

// toolResultText accepts both the string and the content-block-list form.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// ParseStream decodes every event from r, calling observe (if non-nil) for
// each one in order, and assembles the final Response from the terminal
// result. Files targeted by writing tools are collected in TouchedFiles.
func ParseStream(r io.Reader, observe func(StreamEvent)) (Response, error) {
	dec := NewStreamDecoder(r)

	var resp Response
	var texts []string
	seenFiles := make(map[string]bool)
	gotResult := false

	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return resp, err
		}
		if observe != nil {
			observe(ev)
		}

		switch e := ev.(type) {
		case AssistantTextEvent:
			texts = append(texts, e.Text)
			if resp.SessionID == "" {
				resp.SessionID = e.SessionID
			}
		case ToolUseEvent:
			if f := e.FilePath(); f != "" && e.Writes() && !seenFiles[f] {
				seenFiles[f] = true
				resp.TouchedFiles = append(resp.TouchedFiles, f)
			}
		case ResultEvent:
			gotResult = true
			resp.SessionID = e.SessionID
			resp.Content = e.Result
			resp.IsError = e.IsError
			resp.NumTurns = e.NumTurns
			resp.CostUSD = e.CostUSD
		}
	}

	if !gotResult {
		resp.Content = strings.Join(texts, "\n")
		return resp, ErrNoResult
	}
	if resp.Content == "" {
		resp.Content = strings.Join(texts, "\n")
	}
	if resp.IsError {
		resp.Error = resp.Content
	}
	return resp, nil
}
