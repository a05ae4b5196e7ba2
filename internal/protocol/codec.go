package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultMaxFrameSize bounds one encoded envelope.
const DefaultMaxFrameSize = 1 << 20

// Codec encodes envelopes for one transport. Marshal/Unmarshal handle a
// single self-delimited message (websocket frames); WriteEnvelope and
// ReadEnvelope add stream framing (TCP).
//
// Decoding never panics: malformed input yields a *ProtocolError, while
// transport failures are returned unchanged.
type Codec interface {
	Name() string
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(data []byte) (Envelope, error)
	WriteEnvelope(w io.Writer, env Envelope) error
	ReadEnvelope(r *bufio.Reader) (Envelope, error)
}

// NewCodec returns the codec registered under name ("json" or "binary").
//
// Postcondition: maxFrame <= 0 selects DefaultMaxFrameSize.
func NewCodec(name string, maxFrame int) (Codec, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	switch name {
	case "json":
		return &JSONCodec{MaxFrameSize: maxFrame}, nil
	case "binary":
		return &BinaryCodec{MaxFrameSize: maxFrame}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec writes one JSON object per line with sorted keys.
type JSONCodec struct {
	MaxFrameSize int
}

// Name implements Codec.
func (c *JSONCodec) Name() string { return "json" }

// Marshal implements Codec.
func (c *JSONCodec) Marshal(env Envelope) ([]byte, error) {
	m, err := toMap(env)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, malformed(err, "encoding json")
	}
	return data, nil
}

// Unmarshal implements Codec.
func (c *JSONCodec) Unmarshal(data []byte) (Envelope, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, malformed(err, "decoding json")
	}
	if m == nil {
		return Envelope{}, malformed(nil, "envelope must be an object")
	}
	return fromMap(m)
}

// WriteEnvelope implements Codec.
func (c *JSONCodec) WriteEnvelope(w io.Writer, env Envelope) error {
	data, err := c.Marshal(env)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// ReadEnvelope implements Codec. Blank lines are skipped.
func (c *JSONCodec) ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	for {
		line, err := c.readLine(r)
		if err != nil {
			return Envelope{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return c.Unmarshal(line)
	}
}

// readLine returns the next line without its terminator. An over-long
// line is consumed up to its newline and reported as a *ProtocolError.
func (c *JSONCodec) readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > c.MaxFrameSize+1 {
				tooLong = true
				line = nil
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, malformed(nil, "frame exceeds %d bytes", c.MaxFrameSize)
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0 && !tooLong:
			return line, nil
		default:
			return nil, err
		}
	}
}

// BinaryCodec writes deterministic protobuf Struct messages, each prefixed
// by its varint length.
type BinaryCodec struct {
	MaxFrameSize int
}

var deterministic = proto.MarshalOptions{Deterministic: true}

// Name implements Codec.
func (c *BinaryCodec) Name() string { return "binary" }

func (c *BinaryCodec) toStruct(env Envelope) (*structpb.Struct, error) {
	m, err := toMap(env)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, malformed(err, "encoding struct")
	}
	return st, nil
}

// Marshal implements Codec.
func (c *BinaryCodec) Marshal(env Envelope) ([]byte, error) {
	st, err := c.toStruct(env)
	if err != nil {
		return nil, err
	}
	data, err := deterministic.Marshal(st)
	if err != nil {
		return nil, malformed(err, "encoding protobuf")
	}
	return data, nil
}

// Unmarshal implements Codec.
func (c *BinaryCodec) Unmarshal(data []byte) (Envelope, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return Envelope{}, malformed(err, "decoding protobuf")
	}
	return fromMap(st.AsMap())
}

// WriteEnvelope implements Codec.
func (c *BinaryCodec) WriteEnvelope(w io.Writer, env Envelope) error {
	st, err := c.toStruct(env)
	if err != nil {
		return err
	}
	_, err = protodelim.MarshalOptions{MarshalOptions: deterministic}.MarshalTo(w, st)
	return err
}

// ReadEnvelope implements Codec. An oversized frame leaves the stream
// unaligned and is reported as a fatal *ProtocolError.
func (c *BinaryCodec) ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	st := &structpb.Struct{}
	err := protodelim.UnmarshalOptions{MaxSize: int64(c.MaxFrameSize)}.UnmarshalFrom(r, st)
	if err != nil {
		var tooLarge *protodelim.SizeTooLargeError
		switch {
		case errors.As(err, &tooLarge):
			return Envelope{}, &ProtocolError{Reason: "frame too large", Err: err, Fatal: true}
		case errors.Is(err, proto.Error):
			return Envelope{}, malformed(err, "decoding protobuf")
		default:
			return Envelope{}, err
		}
	}
	return fromMap(st.AsMap())
}
