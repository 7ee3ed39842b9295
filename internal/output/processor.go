package output

import (
	"encoding/json"
	"strings"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// Result is the normalized form of a step's captured stdout. Exactly one of
// Text, Lines, or JSON is populated according to the capture mode; Lines
// and JSON omit the raw text to avoid duplicating it in persisted state.
type Result struct {
	Text       string   `json:"text,omitempty"`
	Lines      []string `json:"lines,omitempty"`
	JSON       any      `json:"json,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
	SpillPath  string   `json:"spill_path,omitempty"`
	ParseError bool     `json:"parse_error,omitempty"`
}

// Process finalizes a capture under the given mode. allowParseError only
// affects json mode: a malformed or oversized stream records
// parse_error=true with a spill instead of failing the step.
func Process(c *Capture, mode schema.CaptureMode, allowParseError bool) (*Result, error) {
	spillPath, spillErr := c.Close()
	if spillErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "spill output: %s", spillErr.Error()).WithCause(spillErr)
	}

	switch mode {
	case schema.CaptureLines:
		return processLines(c), nil
	case schema.CaptureJSON:
		return processJSON(c, spillPath, allowParseError)
	default: // text
		return processText(c, spillPath), nil
	}
}

func processText(c *Capture, spillPath string) *Result {
	res := &Result{}
	buf := c.Bytes()
	if len(buf) > TextStateCap {
		res.Text = string(buf[:TextStateCap])
		res.Truncated = true
	} else {
		res.Text = string(buf)
	}
	if c.Overflowed() {
		res.Truncated = true
		res.SpillPath = spillPath
	}
	return res
}

func processLines(c *Capture) *Result {
	res := &Result{}
	raw := strings.TrimRight(string(c.Bytes()), "\n")
	if raw == "" {
		res.Lines = []string{}
		res.Truncated = c.Overflowed()
		return res
	}
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) > LinesCap {
		lines = lines[:LinesCap]
		res.Truncated = true
	}
	if c.Overflowed() {
		res.Truncated = true
	}
	res.Lines = lines
	return res
}

func processJSON(c *Capture, spillPath string, allowParseError bool) (*Result, error) {
	res := &Result{}

	if c.Overflowed() {
		if allowParseError {
			res.ParseError = true
			res.Truncated = true
			res.SpillPath = spillPath
			return res, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeParse,
			"json output exceeds %d bytes (got %d)", BufferCap, c.Total())
	}

	var parsed any
	if err := json.Unmarshal(c.Bytes(), &parsed); err != nil {
		if allowParseError {
			res.ParseError = true
			// Preserve the raw stream for inspection even though it fit in memory.
			if sp, serr := c.SpillBuffered(); serr == nil {
				res.SpillPath = sp
			}
			return res, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeParse, "parse json output: %s", err.Error()).WithCause(err)
	}
	res.JSON = parsed
	return res, nil
}
