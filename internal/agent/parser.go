package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Prefix marks structured protocol lines in the agent's stdout.
const Prefix = "@@TERM_LINK/1 "

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Parser incrementally extracts protocol frames from the agent's mixed
// stdout. It tolerates frames split across chunk boundaries and falls open
// on malformed frames: the line is still forwarded as raw text so output
// never vanishes.
type Parser struct {
	sink Sink
	buf  strings.Builder
}

func NewParser(sink Sink) *Parser {
	return &Parser{sink: sink}
}

// Feed appends a chunk and processes every complete line in the buffer.
// Carriage returns are normalized to newlines so interactive progress
// redraws don't straddle frame boundaries.
func (p *Parser) Feed(chunk string) {
	p.buf.WriteString(strings.ReplaceAll(chunk, "\r", "\n"))

	rest := p.buf.String()
	for {
		i := strings.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := rest[:i]
		rest = rest[i+1:]
		p.parseLine(strings.TrimSpace(line))
	}
	p.buf.Reset()
	p.buf.WriteString(rest)
}

func (p *Parser) parseLine(line string) {
	if line == "" {
		return
	}

	// Strip ANSI escapes for detection only; raw forwarding keeps the line.
	clean := ansiRe.ReplaceAllString(line, "")

	if !strings.HasPrefix(clean, Prefix) {
		p.sink.HandleRaw(line + "\n")
		return
	}

	jsonPart := clean[len(Prefix):]
	var frame Frame
	if err := json.Unmarshal([]byte(jsonPart), &frame); err != nil {
		p.sink.HandleParseError(clean, err)
		p.sink.HandleRaw(line + "\n")
		return
	}

	switch frame.Type {
	case FrameAssistant, FrameProposal, FrameStatus, FrameDone, FrameError:
		p.sink.HandleFrame(frame)
	default:
		// Unknown frame types are forwarded, never dropped.
		p.sink.HandleRaw(jsonPart + "\n")
	}
}
