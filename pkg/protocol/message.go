package protocol

import (
	"time"

	"nucleus/pkg/registry"
)

// ReplyWriter is the connection a request arrived on.
type ReplyWriter interface {
	Write(msg *Message) error
}

// Message is one rpc request or response. Body is owned by whoever holds the message.
type Message struct {
	Header
	Body []byte
	// ReplyTo is set by the receiving side and never encoded. Responses
	// created from a request inherit it.
	ReplyTo ReplyWriter
}

// NewRequest builds a request message. A zero timeout means the engine default.
func NewRequest(code registry.TaskCode, name string, body []byte, timeout time.Duration, hash uint64) *Message {
	return &Message{
		Header: Header{
			Version: Version,
			Flags:   FlagRequest,
			Code:    code,
			Name:    name,
			Timeout: timeout,
			Hash:    hash,
		},
		Body: body,
	}
}

func (m *Message) IsRequest() bool  { return m.HasFlag(FlagRequest) }
func (m *Message) IsResponse() bool { return m.HasFlag(FlagResponse) }
func (m *Message) IsOneWay() bool   { return m.HasFlag(FlagOneWay) }

// CreateResponse returns an empty response addressed back to the sender of m.
func (m *Message) CreateResponse() *Message {
	return &Message{
		Header: Header{
			Version: Version,
			Flags:   FlagResponse,
			ID:      m.ID,
			Hash:    m.Hash,
			Timeout: m.Timeout,
			Code:    m.Code,
			Name:    m.Name,
			From:    m.To,
			To:      m.From,
		},
		ReplyTo: m.ReplyTo,
	}
}

// Size is the number of bytes m occupies in a frame.
func (m *Message) Size() int {
	return HeaderSize + len(m.Name) + len(m.From) + len(m.To) + len(m.Body)
}

// ForwardAddress returns the address carried by an ERR_FORWARD_TO_OTHERS response.
func (m *Message) ForwardAddress() (string, bool) {
	if m.Error != registry.ErrForwardToOthers || len(m.Body) == 0 {
		return "", false
	}
	return string(m.Body), true
}
