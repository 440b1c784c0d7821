package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"nucleus/pkg/registry"
)

// Fixed header layout (48 bytes) preceding the variable part of a frame.
// All integer fields are little-endian.
//
//	0  ..1   Magic    'N''C' (0x434e)
//	2        Version  u8
//	3        Flags    u8
//	4  ..11  ID       u64  correlation id
//	12 ..19  Hash     u64  affinity key
//	20 ..23  Timeout  u32  milliseconds
//	24 ..27  Error    i32
//	28 ..31  Code     i32  sender-local task code
//	32 ..33  NameLen  u16
//	34 ..35  FromLen  u16
//	36 ..37  ToLen    u16
//	38 ..39  Reserved
//	40 ..43  BodyLen  u32
//	44 ..47  Reserved
//
// The variable part follows as name, from, to, body.
const (
	HeaderSize = 48
	magicWord  = uint16(0x434e)
	maxString  = 1<<16 - 1
)

var (
	errShortHeader = errors.New("short header")
	errBadMagic    = errors.New("bad magic")
)

// Header describes one rpc message.
type Header struct {
	Version uint8
	Flags   Flags
	ID      uint64
	Hash    uint64
	Timeout time.Duration
	Error   registry.ErrorCode
	Code    registry.TaskCode
	// Name is the rpc name; codes are process-local so receivers resolve by name.
	Name string
	From string
	To   string
}

// HasFlag checks whether a flag is set.
func (h *Header) HasFlag(f Flags) bool { return h.Flags&f != 0 }

// lengths of the variable section, validated.
func (h *Header) lengths() (int, int, int, error) {
	n, f, t := len(h.Name), len(h.From), len(h.To)
	if n > maxString || f > maxString || t > maxString {
		return 0, 0, 0, fmt.Errorf("header string too long: name=%d from=%d to=%d", n, f, t)
	}
	return n, f, t, nil
}

// AppendBinary appends the fixed header and the name/from/to strings to dst.
func (h *Header) AppendBinary(dst []byte, bodyLen int) ([]byte, error) {
	n, f, t, err := h.lengths()
	if err != nil {
		return dst, err
	}
	var fixed [HeaderSize]byte
	binary.LittleEndian.PutUint16(fixed[0:2], magicWord)
	fixed[2] = h.Version
	fixed[3] = uint8(h.Flags)
	binary.LittleEndian.PutUint64(fixed[4:12], h.ID)
	binary.LittleEndian.PutUint64(fixed[12:20], h.Hash)
	binary.LittleEndian.PutUint32(fixed[20:24], uint32(h.Timeout/time.Millisecond))
	binary.LittleEndian.PutUint32(fixed[24:28], uint32(h.Error))
	binary.LittleEndian.PutUint32(fixed[28:32], uint32(h.Code))
	binary.LittleEndian.PutUint16(fixed[32:34], uint16(n))
	binary.LittleEndian.PutUint16(fixed[34:36], uint16(f))
	binary.LittleEndian.PutUint16(fixed[36:38], uint16(t))
	binary.LittleEndian.PutUint32(fixed[40:44], uint32(bodyLen))
	dst = append(dst, fixed[:]...)
	dst = append(dst, h.Name...)
	dst = append(dst, h.From...)
	dst = append(dst, h.To...)
	return dst, nil
}

// frameLayout is the decoded fixed header plus the sizes of what follows.
type frameLayout struct {
	nameLen, fromLen, toLen int
	bodyLen                 int
}

func (l frameLayout) total() int { return HeaderSize + l.nameLen + l.fromLen + l.toLen + l.bodyLen }

// decodeFixed parses the fixed part of buf into h and returns the layout.
func (h *Header) decodeFixed(buf []byte) (frameLayout, error) {
	if len(buf) < HeaderSize {
		return frameLayout{}, errShortHeader
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return frameLayout{}, errBadMagic
	}
	h.Version = buf[2]
	h.Flags = Flags(buf[3])
	h.ID = binary.LittleEndian.Uint64(buf[4:12])
	h.Hash = binary.LittleEndian.Uint64(buf[12:20])
	h.Timeout = time.Duration(binary.LittleEndian.Uint32(buf[20:24])) * time.Millisecond
	h.Error = registry.ErrorCode(int32(binary.LittleEndian.Uint32(buf[24:28])))
	h.Code = registry.TaskCode(int32(binary.LittleEndian.Uint32(buf[28:32])))
	return frameLayout{
		nameLen: int(binary.LittleEndian.Uint16(buf[32:34])),
		fromLen: int(binary.LittleEndian.Uint16(buf[34:36])),
		toLen:   int(binary.LittleEndian.Uint16(buf[36:38])),
		bodyLen: int(binary.LittleEndian.Uint32(buf[40:44])),
	}, nil
}

// decodeStrings fills Name, From and To from the variable part starting at buf[HeaderSize:].
func (h *Header) decodeStrings(buf []byte, l frameLayout) {
	off := HeaderSize
	h.Name = string(buf[off : off+l.nameLen])
	off += l.nameLen
	h.From = string(buf[off : off+l.fromLen])
	off += l.fromLen
	h.To = string(buf[off : off+l.toLen])
}
