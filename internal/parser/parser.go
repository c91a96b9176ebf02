// Package parser reconstructs structured tool calls from model output
// incrementally, across the supported wire formats. Fragments may split
// anywhere, including mid-delimiter; finalized calls are emitted as soon as
// their closing delimiter arrives, and narrative text passes through
// unchanged.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/agent"
	"github.com/droverhq/drover/internal/domain/run"
)

// validToolName matches tool identifiers the models are allowed to call.
var validToolName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Chunk is what one Feed releases: the pieces finalized by this fragment,
// in stream order. Order is preserved so consumers can attribute narrative
// to the call that follows it.
type Chunk struct {
	Segments []Segment
}

// Segment is one ordered element of a Chunk: narrative text, or a
// completed call when Call is non-nil.
type Segment struct {
	Text string
	Call *run.ToolCall
}

func (c *Chunk) text(s string) {
	c.Segments = append(c.Segments, Segment{Text: s})
}

func (c *Chunk) call(tc run.ToolCall) {
	c.Segments = append(c.Segments, Segment{Call: &tc})
}

// Result is the finalized outcome of a whole stream.
type Result struct {
	Calls []run.ToolCall
	Text  string
}

// StreamParser consumes model output fragment by fragment. Implementations
// buffer across arbitrary splits; feeding one complete payload or the same
// bytes in any fragmentation yields the identical Result.
type StreamParser interface {
	Feed(fragment string) (Chunk, error)
	Finalize() (Result, error)
}

// New returns the stream parser for an inline text format. The native
// format carries structured calls, not text; use Native for those.
func New(format agent.ToolFormat) (StreamParser, error) {
	switch format {
	case agent.FormatXML:
		return newXMLParser(), nil
	case agent.FormatJSON:
		return newJSONParser(), nil
	case agent.FormatNative:
		return nil, fmt.Errorf("native format carries structured calls, not a text stream: %w", domain.ErrValidation)
	default:
		return nil, fmt.Errorf("unknown tool format %q: %w", format, domain.ErrValidation)
	}
}

// Collect drains a whole payload through a stream parser in one pass.
func Collect(p StreamParser, payload string) (Result, error) {
	if _, err := p.Feed(payload); err != nil {
		return Result{}, err
	}
	return p.Finalize()
}

// repairArguments normalizes an arguments payload to valid JSON. Empty
// input means no arguments. Slightly broken JSON goes through a repair
// pass before being rejected.
func repairArguments(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil || !json.Valid([]byte(repaired)) {
		return nil, fmt.Errorf("malformed arguments %q: %w", raw, domain.ErrParsing)
	}
	return json.RawMessage(repaired), nil
}

// overlapLen returns the length of the longest proper prefix of delim that
// the buffer ends with. That suffix must be held back: the next fragment
// may complete the delimiter.
func overlapLen(buf, delim string) int {
	maxLen := min(len(buf), len(delim)-1)
	for k := maxLen; k > 0; k-- {
		if strings.HasSuffix(buf, delim[:k]) {
			return k
		}
	}
	return 0
}
