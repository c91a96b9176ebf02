package parser

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
)

const (
	xmlOpen  = "<tool_call>"
	xmlClose = "</tool_call>"
)

// xmlParser extracts calls delimited by the fixed <tool_call> tag pair. A
// call body holds a <name> element and a JSON-valued <arguments> element.
// Text outside the tag pair is narrative.
type xmlParser struct {
	buf    string
	inCall bool
	calls  []run.ToolCall
	text   strings.Builder
}

func newXMLParser() *xmlParser {
	return &xmlParser{}
}

func (p *xmlParser) Feed(fragment string) (Chunk, error) {
	p.buf += fragment
	var chunk Chunk
	for {
		if p.inCall {
			idx := strings.Index(p.buf, xmlClose)
			if idx < 0 {
				break
			}
			inner := p.buf[:idx]
			p.buf = p.buf[idx+len(xmlClose):]
			p.inCall = false
			call, err := p.parseCall(inner)
			if err != nil {
				return chunk, err
			}
			p.calls = append(p.calls, call)
			chunk.call(call)
			continue
		}

		idx := strings.Index(p.buf, xmlOpen)
		if idx < 0 {
			// Hold back any suffix that could still grow into the opening
			// delimiter; everything before it is narrative.
			hold := overlapLen(p.buf, xmlOpen)
			if release := p.buf[:len(p.buf)-hold]; release != "" {
				chunk.text(release)
				p.text.WriteString(release)
				p.buf = p.buf[len(release):]
			}
			break
		}
		if release := p.buf[:idx]; release != "" {
			chunk.text(release)
			p.text.WriteString(release)
		}
		p.buf = p.buf[idx+len(xmlOpen):]
		p.inCall = true
	}
	return chunk, nil
}

func (p *xmlParser) Finalize() (Result, error) {
	if p.inCall {
		return Result{}, fmt.Errorf("unterminated tool call at stream end: %q: %w", xmlOpen+p.buf, domain.ErrParsing)
	}
	if p.buf != "" {
		// A held delimiter prefix that never completed is plain narrative.
		p.text.WriteString(p.buf)
		p.buf = ""
	}
	return Result{Calls: p.calls, Text: p.text.String()}, nil
}

// parseCall turns one completed tag body into a ToolCall. The id is
// assigned in encounter order, so duplicate tool names stay distinct.
func (p *xmlParser) parseCall(inner string) (run.ToolCall, error) {
	name, ok := extractElement(inner, "name")
	if !ok {
		return run.ToolCall{}, fmt.Errorf("tool call without name element: %q: %w", xmlOpen+inner+xmlClose, domain.ErrParsing)
	}
	name = strings.TrimSpace(name)
	if !validToolName.MatchString(name) {
		return run.ToolCall{}, fmt.Errorf("invalid tool name %q: %w", name, domain.ErrParsing)
	}

	argsRaw, _ := extractElement(inner, "arguments")
	input, err := repairArguments(argsRaw)
	if err != nil {
		return run.ToolCall{}, err
	}

	return run.ToolCall{
		ID:    fmt.Sprintf("call_%d", len(p.calls)),
		Name:  name,
		Input: input,
	}, nil
}

// extractElement returns the body of the first <tag>...</tag> pair in s.
func extractElement(s, tag string) (string, bool) {
	open, close := "<"+tag+">", "</"+tag+">"
	i := strings.Index(s, open)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(open):]
	j := strings.Index(rest, close)
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}
