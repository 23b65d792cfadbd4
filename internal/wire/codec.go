package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"calltrace/internal/calltree"
)

// Format is the encoding of a trace stream.
type Format uint8

const (
	FormatMsgpack Format = iota + 1 // concatenated msgpack records
	FormatNDJSON                    // one JSON record per line
	FormatText                      // human-readable, write-only
)

// ErrUnknownFormat is returned for unrecognised format names.
var ErrUnknownFormat = errors.New("unknown trace format")

// String returns the string representation of Format.
func (f Format) String() string {
	switch f {
	case FormatMsgpack:
		return "msgpack"
	case FormatNDJSON:
		return "ndjson"
	case FormatText:
		return "text"
	default:
		return "unknown"
	}
}

// Ext returns the file extension used for streams of this format.
func (f Format) Ext() string {
	switch f {
	case FormatNDJSON:
		return ".ndjson"
	case FormatText:
		return ".txt"
	default:
		return ".mp"
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "msgpack", "mp":
		return FormatMsgpack, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	case "text", "txt":
		return FormatText, nil
	default:
		return 0, errors.Wrapf(ErrUnknownFormat, "%q (expected: msgpack|ndjson|text)", s)
	}
}

// FormatFromPath detects the format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp", ".msgpack":
		return FormatMsgpack, true
	case ".ndjson", ".jsonl":
		return FormatNDJSON, true
	case ".txt":
		return FormatText, true
	default:
		return 0, false
	}
}

// Encoder writes traces to a stream.
type Encoder interface {
	Encode(t *Trace) error
}

// Decoder reads traces from a stream. Decode returns io.EOF at the end.
type Decoder interface {
	Decode() (*Trace, error)
}

// NewEncoder returns an encoder for f writing to w.
func NewEncoder(w io.Writer, f Format) Encoder {
	switch f {
	case FormatNDJSON:
		return &jsonEncoder{enc: json.NewEncoder(w)}
	case FormatText:
		return &textEncoder{w: w}
	default:
		return &msgpackEncoder{enc: msgpack.NewEncoder(w)}
	}
}

// NewDecoder returns a decoder for f reading from r. Text streams cannot be
// decoded.
func NewDecoder(r io.Reader, f Format) (Decoder, error) {
	switch f {
	case FormatMsgpack:
		return &msgpackDecoder{dec: msgpack.NewDecoder(bufio.NewReader(r))}, nil
	case FormatNDJSON:
		return &jsonDecoder{dec: json.NewDecoder(r)}, nil
	default:
		return nil, errors.Newf("%s traces cannot be decoded", f)
	}
}

// Marshal encodes a single trace as msgpack.
func Marshal(t *Trace) ([]byte, error) {
	return msgpack.Marshal(ToRecord(t))
}

// Unmarshal decodes a single msgpack trace.
func Unmarshal(data []byte) (*Trace, error) {
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode trace")
	}
	return rec.Trace()
}

type msgpackEncoder struct{ enc *msgpack.Encoder }

func (e *msgpackEncoder) Encode(t *Trace) error {
	return e.enc.Encode(ToRecord(t))
}

type jsonEncoder struct{ enc *json.Encoder }

func (e *jsonEncoder) Encode(t *Trace) error {
	return e.enc.Encode(ToRecord(t))
}

type textEncoder struct{ w io.Writer }

func (e *textEncoder) Encode(t *Trace) error {
	if _, err := io.WriteString(e.w, Header(t)+"\n"); err != nil {
		return err
	}
	if t.Root == nil {
		return nil
	}
	return calltree.Render(e.w, t.Root, calltree.RenderOptions{Instructions: true})
}

// Header returns the one-line description printed above a rendered trace.
func Header(t *Trace) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# thread %d trace %d", t.Thread, t.Seq)
	if t.Partial {
		sb.WriteString(" partial")
	}
	if t.SpawnedBy != nil {
		fmt.Fprintf(&sb, " spawned-by %d via %s", t.SpawnedBy.ParentThread, t.SpawnedBy.Signature)
	}
	return sb.String()
}

type msgpackDecoder struct{ dec *msgpack.Decoder }

func (d *msgpackDecoder) Decode() (*Trace, error) {
	var rec Record
	if err := d.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to decode trace")
	}
	return rec.Trace()
}

type jsonDecoder struct{ dec *json.Decoder }

func (d *jsonDecoder) Decode() (*Trace, error) {
	var rec Record
	if err := d.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to decode trace")
	}
	return rec.Trace()
}
