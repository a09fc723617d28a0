package agent

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// recordingSink captures parser output in arrival order.
type recordingSink struct {
	mu     sync.Mutex
	events []string
	frames []Frame
}

func (r *recordingSink) HandleFrame(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "frame:"+f.Type)
	r.frames = append(r.frames, f)
}

func (r *recordingSink) HandleRaw(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "raw:"+line)
}

func (r *recordingSink) HandleParseError(line string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "parse_error")
}

func (r *recordingSink) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingSink) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func TestParserStandardFrame(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Feed(Prefix + `{"type":"assistant","content":"Hello world"}` + "\n")

	frames := sink.Frames()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Type != FrameAssistant || frames[0].Content != "Hello world" {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestParserProposalFields(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Feed(Prefix + `{"type":"proposal","command":"ls -la","risk":"safe","summary":"list files"}` + "\n")

	frames := sink.Frames()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Command != "ls -la" || f.Risk != "safe" || f.Summary != "list files" {
		t.Errorf("proposal = %+v", f)
	}
}

func TestParserRawText(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Feed("Thinking about the request...\n")

	want := []string{"raw:Thinking about the request...\n"}
	if got := sink.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

// Splitting a frame arbitrarily across Feed calls yields the same events
// as feeding it whole.
func TestParserChunkBoundaryInvariance(t *testing.T) {
	input := Prefix + `{"type":"status","status":"thinking"}` + "\n" +
		"raw line\n" +
		Prefix + `{"type":"done"}` + "\n"

	whole := &recordingSink{}
	NewParser(whole).Feed(input)
	want := whole.Events()

	for split := 1; split < len(input); split++ {
		sink := &recordingSink{}
		p := NewParser(sink)
		p.Feed(input[:split])
		p.Feed(input[split:])
		if got := sink.Events(); !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: events = %v, want %v", split, got, want)
		}
	}
}

func TestParserManySmallChunks(t *testing.T) {
	input := Prefix + `{"type":"assistant","content":"hi"}` + "\n"

	sink := &recordingSink{}
	p := NewParser(sink)
	for _, c := range input {
		p.Feed(string(c))
	}

	frames := sink.Frames()
	if len(frames) != 1 || frames[0].Content != "hi" {
		t.Errorf("frames = %+v", frames)
	}
}

// Malformed frames emit exactly one parse-error event and one raw event
// with the original line, and never panic.
func TestParserMalformedFrameFailsOpen(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	line := Prefix + `{"type":"assistant", "content": "oops`
	p.Feed(line + "\n")

	want := []string{"parse_error", "raw:" + line + "\n"}
	if got := sink.Events(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestParserUnknownTypeForwardedAsRaw(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Feed(Prefix + `{"type":"telemetry","n":1}` + "\n")

	events := sink.Events()
	if len(events) != 1 || events[0] != `raw:{"type":"telemetry","n":1}`+"\n" {
		t.Errorf("events = %v", events)
	}
}

func TestParserCarriageReturnNormalization(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	// Progress redraw mid-stream: \r acts as a line boundary.
	p.Feed("progress 10%\rprogress 99%\r" + Prefix + `{"type":"done"}` + "\n")

	events := sink.Events()
	want := []string{
		"raw:progress 10%\n",
		"raw:progress 99%\n",
		"frame:done",
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestParserEmptyLinesDropped(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Feed("\n\n   \n")

	if got := sink.Events(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestParserStripsANSIForDetection(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Feed("\x1b[32m" + Prefix + `{"type":"done"}` + "\n")

	events := sink.Events()
	if len(events) != 1 || events[0] != "frame:done" {
		t.Errorf("events = %v", events)
	}
}

func TestParserIncompleteLineBuffered(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Feed(Prefix + `{"type":"done"}`)
	if got := sink.Events(); len(got) != 0 {
		t.Fatalf("events before newline = %v", got)
	}

	p.Feed("\n")
	if got := sink.Events(); len(got) != 1 || got[0] != "frame:done" {
		t.Errorf("events = %v", got)
	}
}

func TestParserInterleavedStream(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	for i := 0; i < 10; i++ {
		p.Feed(fmt.Sprintf("noise %d\n", i))
		p.Feed(Prefix + fmt.Sprintf(`{"type":"assistant","content":"msg %d"}`, i) + "\n")
	}

	frames := sink.Frames()
	if len(frames) != 10 {
		t.Fatalf("got %d frames, want 10", len(frames))
	}
	for i, f := range frames {
		if f.Content != fmt.Sprintf("msg %d", i) {
			t.Errorf("frame %d content = %q", i, f.Content)
		}
	}
}
