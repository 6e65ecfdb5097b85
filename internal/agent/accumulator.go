package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolFragment is one streamed piece of a tool call. Fragments of the same
// call share Index; ID and Name are usually only set on the first one.
type ToolFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// PendingToolCall collects the fragments of one call index.
type PendingToolCall struct {
	Index int
	ID    string
	Name  string
	args  strings.Builder
}

// ArgBuffer returns the concatenated argument fragments received so far.
func (p *PendingToolCall) ArgBuffer() string {
	return p.args.String()
}

// FinalizedCall is a complete tool call. Err is set, and Args is nil, when
// the call could not be parsed or never received a name.
type FinalizedCall struct {
	Index   int
	ID      string
	Name    string
	Args    map[string]any
	RawArgs string
	Err     error
}

// Accumulator assembles tool calls from interleaved fragments.
type Accumulator struct {
	byIndex map[int]*PendingToolCall
	seen    []int // indices in first-seen order
	named   []int // indices in name first-seen order
}

func NewAccumulator() *Accumulator {
	return &Accumulator{byIndex: make(map[int]*PendingToolCall)}
}

func (a *Accumulator) Add(f ToolFragment) {
	if a.byIndex == nil {
		a.byIndex = make(map[int]*PendingToolCall)
	}

	p, ok := a.byIndex[f.Index]
	if !ok {
		p = &PendingToolCall{Index: f.Index}
		a.byIndex[f.Index] = p
		a.seen = append(a.seen, f.Index)
	}
	if p.ID == "" && f.ID != "" {
		p.ID = f.ID
	}
	if p.Name == "" && f.Name != "" {
		p.Name = f.Name
		a.named = append(a.named, f.Index)
	}
	p.args.WriteString(f.Arguments)
}

// Pending returns the number of call indices seen since the last Finalize.
func (a *Accumulator) Pending() int {
	return len(a.seen)
}

// Finalize parses every pending call and resets the accumulator. Named
// calls come first, in the order their names arrived; indices that never
// received a name follow as malformed calls.
func (a *Accumulator) Finalize() []FinalizedCall {
	if len(a.seen) == 0 {
		return nil
	}

	calls := make([]FinalizedCall, 0, len(a.seen))
	for _, idx := range a.named {
		p := a.byIndex[idx]
		raw := p.ArgBuffer()
		call := FinalizedCall{Index: p.Index, ID: p.ID, Name: p.Name, RawArgs: raw}

		args, err := ParseToolArguments(raw)
		if err != nil {
			call.Err = &ToolCallError{Index: p.Index, Name: p.Name, Err: err}
		} else {
			call.Args = args
		}
		calls = append(calls, call)
	}
	for _, idx := range a.seen {
		p := a.byIndex[idx]
		if p.Name != "" {
			continue
		}
		calls = append(calls, FinalizedCall{
			Index:   p.Index,
			ID:      p.ID,
			RawArgs: p.ArgBuffer(),
			Err: &ToolCallError{
				Index: p.Index,
				Err:   fmt.Errorf("%w: call has no name", ErrMalformedToolArguments),
			},
		})
	}

	a.Reset()
	return calls
}

func (a *Accumulator) Reset() {
	a.byIndex = make(map[int]*PendingToolCall)
	a.seen = nil
	a.named = nil
}

// ParseToolArguments decodes an argument buffer. Models sometimes stream
// several objects back to back, so the buffer is read as the body of a JSON
// array and the first object wins. A missing comma between objects is
// repaired once before giving up.
func ParseToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}

	objects, err := decodeArgumentList(raw)
	if err != nil {
		objects, err = decodeArgumentList(insertMissingCommas(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToolArguments, err)
	}

	if len(objects) == 0 || objects[0] == nil {
		return map[string]any{}, nil
	}
	return objects[0], nil
}

func decodeArgumentList(raw string) ([]map[string]any, error) {
	var objects []map[string]any
	if err := json.Unmarshal([]byte("["+raw+"]"), &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// insertMissingCommas adds a comma after every '}' that is followed later by
// another '}' and is not already followed by a comma.
func insertMissingCommas(raw string) string {
	last := strings.LastIndexByte(raw, '}')
	if last < 0 {
		return raw
	}

	var sb strings.Builder
	sb.Grow(len(raw) + 4)
	for i := 0; i < len(raw); i++ {
		sb.WriteByte(raw[i])
		if raw[i] != '}' || i >= last {
			continue
		}
		j := i + 1
		for j < len(raw) && isSpace(raw[j]) {
			j++
		}
		if j < len(raw) && raw[j] == ',' {
			continue
		}
		sb.WriteByte(',')
	}
	return sb.String()
}
