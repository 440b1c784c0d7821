package protocol

import (
	"errors"
	"fmt"
	"net"
)

// Parser turns a byte stream into messages and messages into scatter-gather
// buffers. A parser belongs to exactly one session and is not safe for
// concurrent use; the session serialises reads and writes separately, so
// ReadBuffer/Received/Next are only called from the read side and
// SendBuffers only from the write side.
type Parser interface {
	// ReadBuffer returns the writable region the next read fills.
	ReadBuffer() []byte
	// Received records that n bytes were written into the last ReadBuffer.
	Received(n int)
	// Next extracts the next complete message, or nil when more bytes are needed.
	Next() (*Message, error)
	// SendBuffers returns the buffers to write for msg and their total length.
	SendBuffers(msg *Message) (net.Buffers, int, error)
}

// ParserFactory creates one parser per session.
type ParserFactory func() Parser

const (
	minReadSpace   = 4 << 10
	defaultMaxSize = 64 << 20
)

// ErrMessageTooLarge is returned by Next when a frame exceeds the parser limit.
var ErrMessageTooLarge = errors.New("message too large")

// NewParserFactory returns a factory for the named wire format: "frame" or "cbor".
// maxBytes <= 0 selects the default limit.
func NewParserFactory(kind string, maxBytes int) (ParserFactory, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxSize
	}
	switch kind {
	case "", "frame":
		return func() Parser { return NewFrameParser(maxBytes) }, nil
	case "cbor":
		return func() Parser { return NewCBORParser(maxBytes) }, nil
	}
	return nil, fmt.Errorf("unknown parser %q", kind)
}

// readBuffer keeps received-but-unparsed bytes in buf[start:end].
type readBuffer struct {
	buf        []byte
	start, end int
	want       int // total bytes the pending frame needs, 0 if unknown
}

func (b *readBuffer) pending() []byte { return b.buf[b.start:b.end] }

func (b *readBuffer) ReadBuffer() []byte {
	space := minReadSpace
	if need := b.want - (b.end - b.start); need > space {
		space = need
	}
	if len(b.buf)-b.end >= space {
		return b.buf[b.end:]
	}
	n := b.end - b.start
	if b.start > 0 && len(b.buf)-n >= space {
		copy(b.buf, b.buf[b.start:b.end])
	} else {
		nb := make([]byte, max(2*len(b.buf), n+space))
		copy(nb, b.buf[b.start:b.end])
		b.buf = nb
	}
	b.start, b.end = 0, n
	return b.buf[b.end:]
}

func (b *readBuffer) Received(n int) { b.end += n }

func (b *readBuffer) consume(n int) {
	b.start += n
	b.want = 0
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
}

// FrameParser reads and writes the fixed binary header format.
type FrameParser struct {
	readBuffer
	maxBytes int
}

func NewFrameParser(maxBytes int) *FrameParser {
	if maxBytes <= 0 {
		maxBytes = defaultMaxSize
	}
	return &FrameParser{maxBytes: maxBytes}
}

func (p *FrameParser) Next() (*Message, error) {
	data := p.pending()
	if len(data) < HeaderSize {
		p.want = HeaderSize
		return nil, nil
	}
	msg := &Message{}
	l, err := msg.decodeFixed(data)
	if err != nil {
		return nil, err
	}
	total := l.total()
	if total > p.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, total, p.maxBytes)
	}
	if len(data) < total {
		p.want = total
		return nil, nil
	}
	msg.decodeStrings(data, l)
	if l.bodyLen > 0 {
		off := total - l.bodyLen
		msg.Body = append([]byte(nil), data[off:total]...)
	}
	p.consume(total)
	return msg, nil
}

func (p *FrameParser) SendBuffers(msg *Message) (net.Buffers, int, error) {
	hdr, err := msg.AppendBinary(make([]byte, 0, HeaderSize+len(msg.Name)+len(msg.From)+len(msg.To)), len(msg.Body))
	if err != nil {
		return nil, 0, err
	}
	bufs := net.Buffers{hdr}
	if len(msg.Body) > 0 {
		bufs = append(bufs, msg.Body)
	}
	return bufs, len(hdr) + len(msg.Body), nil
}
