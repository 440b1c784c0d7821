package protocol

import (
	"fmt"

	"nucleus/pkg/protocol/codec"
)

// Format is the one-byte payload encoding marker that prefixes typed bodies.
type Format uint8

const (
	FormatRaw Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	case FormatProto:
		return ContentProto
	default:
		return ContentUnknown
	}
}

// CodecFor returns the codec registered for f.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	if f == FormatRaw {
		return nil, fmt.Errorf("format %d has no codec", f)
	}
	if c := r.Get(f.String()); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("no codec for %s", f)
}

// EncodeBody serializes v with the codec for f behind a format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
	c, err := CodecFor(r, f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeBody decodes a payload produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, payload []byte, v any) (Format, error) {
	if len(payload) == 0 {
		return FormatRaw, fmt.Errorf("empty payload")
	}
	f := Format(payload[0])
	c, err := CodecFor(r, f)
	if err != nil {
		return f, err
	}
	if err := c.Unmarshal(payload[1:], v); err != nil {
		return f, err
	}
	return f, nil
}

// SetBody encodes v into the message body.
func (m *Message) SetBody(r *codec.Registry, f Format, v any) error {
	b, err := EncodeBody(r, f, v)
	if err != nil {
		return err
	}
	m.Body = b
	return nil
}

// DecodeBody decodes the message body into v.
func (m *Message) DecodeBody(r *codec.Registry, v any) error {
	_, err := DecodeBody(r, m.Body, v)
	return err
}
