package event

import (
	"bufio"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Format is the on-disk encoding of an event log.
type Format uint8

const (
	FormatNDJSON  Format = iota + 1 // one JSON object per line
	FormatMsgpack                   // concatenated msgpack maps
)

// String returns the string representation of Format.
func (f Format) String() string {
	switch f {
	case FormatNDJSON:
		return "ndjson"
	case FormatMsgpack:
		return "msgpack"
	default:
		return "unknown"
	}
}

// FormatFromPath picks a log format from the file extension. Anything that is
// not recognisably msgpack is read as NDJSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp", ".msgpack":
		return FormatMsgpack
	default:
		return FormatNDJSON
	}
}

// Record is the flat, self-describing form of an event as it appears in a
// recorded log.
type Record struct {
	Kind   string   `json:"kind" msgpack:"kind"`
	Thread uint64   `json:"thread" msgpack:"thread"`
	Depth  int      `json:"depth,omitempty" msgpack:"depth,omitempty"`
	Sig    string   `json:"sig,omitempty" msgpack:"sig,omitempty"`
	File   string   `json:"file,omitempty" msgpack:"file,omitempty"`
	Line   int      `json:"line,omitempty" msgpack:"line,omitempty"`
	Params []string `json:"params,omitempty" msgpack:"params,omitempty"`
	Ret    *string  `json:"ret,omitempty" msgpack:"ret,omitempty"`
	Nanos  int64    `json:"nanos,omitempty" msgpack:"nanos,omitempty"`
	Child  uint64   `json:"child,omitempty" msgpack:"child,omitempty"`
	Index  int      `json:"index,omitempty" msgpack:"index,omitempty"`
	Value  string   `json:"value,omitempty" msgpack:"value,omitempty"`
}

// ToRecord flattens an event.
func ToRecord(ev Event) Record {
	rec := Record{Kind: ev.Kind().String(), Thread: uint64(ev.Thread())}
	switch e := ev.(type) {
	case MethodEnter:
		rec.Depth = e.Depth
		rec.Sig = e.Signature
		rec.File = e.CallerFile
		rec.Line = e.CallerLine
		rec.Params = e.Params
	case MethodExit:
		rec.Depth = e.Depth
		rec.Sig = e.Signature
		rec.Nanos = e.DurationNanos
		if e.HasReturn {
			ret := e.ReturnValue
			rec.Ret = &ret
		}
	case ThreadSpawn:
		rec.Depth = e.ParentDepth
		rec.Sig = e.Signature
		rec.Child = uint64(e.Child)
	case VarRead:
		rec.Index = e.Index
		rec.Value = e.Value
	case VarWrite:
		rec.Index = e.Index
		rec.Value = e.Value
	case LineMarker:
		rec.Line = e.Line
	}
	return rec
}

// Event rebuilds the typed event.
func (r Record) Event() (Event, error) {
	kind, err := ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}
	tid := ThreadID(r.Thread)
	switch kind {
	case KindEnter:
		return MethodEnter{
			ThreadID:   tid,
			Depth:      r.Depth,
			Signature:  r.Sig,
			CallerFile: r.File,
			CallerLine: r.Line,
			Params:     r.Params,
		}, nil
	case KindExit:
		ev := MethodExit{ThreadID: tid, Depth: r.Depth, Signature: r.Sig, DurationNanos: r.Nanos}
		if r.Ret != nil {
			ev.ReturnValue = *r.Ret
			ev.HasReturn = true
		}
		return ev, nil
	case KindSpawn:
		return ThreadSpawn{ThreadID: tid, ParentDepth: r.Depth, Signature: r.Sig, Child: ThreadID(r.Child)}, nil
	case KindRead:
		return VarRead{ThreadID: tid, Index: r.Index, Value: r.Value}, nil
	case KindWrite:
		return VarWrite{ThreadID: tid, Index: r.Index, Value: r.Value}, nil
	default:
		return LineMarker{ThreadID: tid, Line: r.Line}, nil
	}
}

// Encoder appends events to a log.
type Encoder interface {
	Encode(ev Event) error
}

// Decoder reads events from a log. Next returns io.EOF after the last event.
type Decoder interface {
	Next() (Event, error)
}

// NewEncoder returns an encoder writing the given format to w.
func NewEncoder(w io.Writer, f Format) Encoder {
	if f == FormatMsgpack {
		return &msgpackEncoder{enc: msgpack.NewEncoder(w)}
	}
	return &jsonEncoder{enc: json.NewEncoder(w)}
}

// NewDecoder returns a decoder reading the given format from r.
func NewDecoder(r io.Reader, f Format) Decoder {
	if f == FormatMsgpack {
		return &msgpackDecoder{dec: msgpack.NewDecoder(bufio.NewReader(r))}
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &jsonDecoder{sc: sc}
}

type jsonEncoder struct{ enc *json.Encoder }

func (e *jsonEncoder) Encode(ev Event) error {
	return e.enc.Encode(ToRecord(ev))
}

type msgpackEncoder struct{ enc *msgpack.Encoder }

func (e *msgpackEncoder) Encode(ev Event) error {
	return e.enc.Encode(ToRecord(ev))
}

type jsonDecoder struct {
	sc   *bufio.Scanner
	line int
}

func (d *jsonDecoder) Next() (Event, error) {
	for d.sc.Scan() {
		d.line++
		text := strings.TrimSpace(d.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, errors.Wrapf(err, "line %d", d.line)
		}
		ev, err := rec.Event()
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", d.line)
		}
		return ev, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

type msgpackDecoder struct {
	dec *msgpack.Decoder
	n   int
}

func (d *msgpackDecoder) Next() (Event, error) {
	var rec Record
	if err := d.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(err, "record %d", d.n)
	}
	d.n++
	return rec.Event()
}

// ReadAll decodes every remaining event.
func ReadAll(d Decoder) ([]Event, error) {
	var out []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
