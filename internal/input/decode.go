package input

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

const eventSchemaURL = "https://kinetrace.local/schema/event-v1.json"

// maxLineSize bounds a single JSONL record.
const maxLineSize = 1 << 20

var eventSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventSchemaURL, bytes.NewReader(eventSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	return compiler.Compile(eventSchemaURL)
})

// wireEvent is the JSON form. Pointers distinguish absent from zero.
type wireEvent struct {
	Kind      string   `json:"kind"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Key       *string  `json:"key,omitempty"`
	Timestamp *float64 `json:"timestamp"`
}

// ParseEvent decodes and validates one JSON event.
// Fractional timestamps (as produced by browser high-resolution clocks) are
// rounded to the nearest millisecond.
func ParseEvent(data []byte) (Event, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	schema, err := eventSchema()
	if err != nil {
		return Event{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Timestamp == nil || !finite(*w.Timestamp) {
		return Event{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	// checked before conversion: float to int64 is undefined out of range
	if math.Abs(*w.Timestamp) > MaxTimestamp {
		return Event{}, fmt.Errorf("%w: timestamp %g out of range", ErrMalformed, *w.Timestamp)
	}

	e := Event{Kind: Kind(w.Kind), Timestamp: int64(math.Round(*w.Timestamp))}
	if w.X != nil {
		e.X = *w.X
	}
	if w.Y != nil {
		e.Y = *w.Y
	}
	if w.Key != nil {
		e.Key = *w.Key
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// ParseBatch decodes either a JSON array of events or a single event object.
// Malformed entries are skipped and counted. An error is returned only when
// data is not JSON at all.
func ParseBatch(data []byte) ([]Event, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, 0, nil
	}

	if trimmed[0] != '[' {
		e, err := ParseEvent(trimmed)
		if err != nil {
			if !json.Valid(trimmed) {
				return nil, 0, err
			}
			return nil, 1, nil
		}
		return []Event{e}, 0, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	events := make([]Event, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		e, err := ParseEvent(r)
		if err != nil {
			dropped++
			continue
		}
		events = append(events, e)
	}
	return events, dropped, nil
}

// Decoder reads newline-delimited JSON events, skipping malformed lines.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
	dropped int
	onDrop  func(line int, err error)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// OnDrop registers a callback invoked for every skipped line.
func (d *Decoder) OnDrop(fn func(line int, err error)) {
	d.onDrop = fn
}

// Next returns the next well-formed event, or io.EOF at the end of input.
// Blank lines are ignored silently.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		d.line++
		data := bytes.TrimSpace(d.scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		e, err := ParseEvent(data)
		if err != nil {
			if !errors.Is(err, ErrMalformed) {
				return Event{}, err
			}
			d.dropped++
			if d.onDrop != nil {
				d.onDrop(d.line, err)
			}
			continue
		}
		return e, nil
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read events: %w", err)
	}
	return Event{}, io.EOF
}

// Dropped returns the number of malformed lines skipped so far.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Line returns the number of lines read so far.
func (d *Decoder) Line() int {
	return d.line
}
