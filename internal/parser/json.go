package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
)

// inlineCall is the inline JSON wire shape: a single object or an array of
// {tool_name, input} objects.
type inlineCall struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// jsonParser extracts tool calls emitted as inline JSON values in the text
// stream. A balanced JSON value that is not tool-call shaped passes through
// as narrative; one that names tool_name but cannot be decoded is a parse
// failure, never silently dropped.
type jsonParser struct {
	cand     strings.Builder
	inCand   bool
	depth    int
	inString bool
	escaped  bool
	calls    []run.ToolCall
	text     strings.Builder
}

func newJSONParser() *jsonParser {
	return &jsonParser{}
}

func (p *jsonParser) Feed(fragment string) (Chunk, error) {
	var chunk Chunk
	data := fragment
	for len(data) > 0 {
		if !p.inCand {
			idx := strings.IndexAny(data, "{[")
			if idx < 0 {
				p.text.WriteString(data)
				chunk.text(data)
				break
			}
			if idx > 0 {
				p.text.WriteString(data[:idx])
				chunk.text(data[:idx])
			}
			p.inCand = true
			p.depth = 0
			p.inString = false
			p.escaped = false
			p.cand.Reset()
			data = data[idx:]
			continue
		}

		consumed, complete := p.consume(data)
		data = data[consumed:]
		if !complete {
			break
		}
		p.inCand = false
		released, calls, err := p.finalizeCandidate(p.cand.String())
		if err != nil {
			return chunk, err
		}
		if released != "" {
			p.text.WriteString(released)
			chunk.text(released)
		}
		p.calls = append(p.calls, calls...)
		for _, c := range calls {
			chunk.call(c)
		}
	}
	return chunk, nil
}

func (p *jsonParser) Finalize() (Result, error) {
	if p.inCand {
		cand := p.cand.String()
		if strings.Contains(cand, "tool_name") {
			return Result{}, fmt.Errorf("unterminated tool call at stream end: %q: %w", cand, domain.ErrParsing)
		}
		// An unbalanced value that never looked like a call is narrative.
		p.text.WriteString(cand)
		p.inCand = false
	}
	return Result{Calls: p.calls, Text: p.text.String()}, nil
}

// consume feeds bytes into the current candidate until it balances or data
// runs out. Returns how many bytes were taken and whether the candidate
// completed.
func (p *jsonParser) consume(data string) (int, bool) {
	for i := 0; i < len(data); i++ {
		c := data[i]
		p.cand.WriteByte(c)
		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}
		switch c {
		case '"':
			p.inString = true
		case '{', '[':
			p.depth++
		case '}', ']':
			p.depth--
			if p.depth == 0 {
				return i + 1, true
			}
		}
	}
	return len(data), false
}

// finalizeCandidate classifies one balanced JSON value: tool calls, plain
// narrative, or a parse failure.
func (p *jsonParser) finalizeCandidate(cand string) (string, []run.ToolCall, error) {
	parsed, shaped := decodeInline(cand)
	if !shaped {
		if !strings.Contains(cand, "tool_name") {
			return cand, nil, nil
		}
		if json.Valid([]byte(cand)) {
			return "", nil, fmt.Errorf("malformed tool call %q: %w", cand, domain.ErrParsing)
		}
		repaired, err := jsonrepair.JSONRepair(cand)
		if err != nil {
			return "", nil, fmt.Errorf("malformed tool call %q: %w", cand, domain.ErrParsing)
		}
		parsed, shaped = decodeInline(repaired)
		if !shaped {
			return "", nil, fmt.Errorf("malformed tool call %q: %w", cand, domain.ErrParsing)
		}
	}

	out := make([]run.ToolCall, 0, len(parsed))
	for _, ic := range parsed {
		if !validToolName.MatchString(ic.ToolName) {
			return "", nil, fmt.Errorf("invalid tool name %q: %w", ic.ToolName, domain.ErrParsing)
		}
		input := ic.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		out = append(out, run.ToolCall{
			ID:    fmt.Sprintf("call_%d", len(p.calls)+len(out)),
			Name:  ic.ToolName,
			Input: input,
		})
	}
	return "", out, nil
}

// decodeInline tries the two wire shapes. shaped is false when the value
// does not decode into one-or-more named calls.
func decodeInline(s string) ([]inlineCall, bool) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") {
		var arr []inlineCall
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil || len(arr) == 0 {
			return nil, false
		}
		for _, c := range arr {
			if c.ToolName == "" {
				return nil, false
			}
		}
		return arr, true
	}
	var one inlineCall
	if err := json.Unmarshal([]byte(trimmed), &one); err != nil || one.ToolName == "" {
		return nil, false
	}
	return []inlineCall{one}, true
}
