package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"nucleus/pkg/registry"
)

// wireMessage is the CBOR record; integer keys keep frames small.
type wireMessage struct {
	Version uint8  `cbor:"1,keyasint"`
	Flags   uint8  `cbor:"2,keyasint"`
	ID      uint64 `cbor:"3,keyasint"`
	Hash    uint64 `cbor:"4,keyasint"`
	Timeout uint32 `cbor:"5,keyasint,omitempty"`
	Error   int32  `cbor:"6,keyasint,omitempty"`
	Code    int32  `cbor:"7,keyasint"`
	Name    string `cbor:"8,keyasint"`
	From    string `cbor:"9,keyasint,omitempty"`
	To      string `cbor:"10,keyasint,omitempty"`
	Body    []byte `cbor:"11,keyasint,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// CBORParser frames each message as a u32 little-endian length followed by a
// canonical CBOR record.
type CBORParser struct {
	readBuffer
	maxBytes int
}

func NewCBORParser(maxBytes int) *CBORParser {
	if maxBytes <= 0 {
		maxBytes = defaultMaxSize
	}
	return &CBORParser{maxBytes: maxBytes}
}

func (p *CBORParser) Next() (*Message, error) {
	data := p.pending()
	if len(data) < 4 {
		p.want = 4
		return nil, nil
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if n > p.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, p.maxBytes)
	}
	if len(data) < 4+n {
		p.want = 4 + n
		return nil, nil
	}
	var w wireMessage
	if err := cborDec.Unmarshal(data[4:4+n], &w); err != nil {
		return nil, fmt.Errorf("decode cbor frame: %w", err)
	}
	p.consume(4 + n)
	return &Message{
		Header: Header{
			Version: w.Version,
			Flags:   Flags(w.Flags),
			ID:      w.ID,
			Hash:    w.Hash,
			Timeout: time.Duration(w.Timeout) * time.Millisecond,
			Error:   registry.ErrorCode(w.Error),
			Code:    registry.TaskCode(w.Code),
			Name:    w.Name,
			From:    w.From,
			To:      w.To,
		},
		Body: w.Body,
	}, nil
}

func (p *CBORParser) SendBuffers(msg *Message) (net.Buffers, int, error) {
	payload, err := cborEnc.Marshal(wireMessage{
		Version: msg.Version,
		Flags:   uint8(msg.Flags),
		ID:      msg.ID,
		Hash:    msg.Hash,
		Timeout: uint32(msg.Timeout / time.Millisecond),
		Error:   int32(msg.Error),
		Code:    int32(msg.Code),
		Name:    msg.Name,
		From:    msg.From,
		To:      msg.To,
		Body:    msg.Body,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode cbor frame: %w", err)
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	return net.Buffers{prefix[:], payload}, 4 + len(payload), nil
}
