package protocol

import (
	"testing"
	"time"

	"nucleus/pkg/registry"
)

func sampleMessage() *Message {
	m := NewRequest(registry.TaskCode(7), "RPC_ECHO", []byte("payload"), 250*time.Millisecond, 0x1122334455667788)
	m.ID = 0x0102030405060708
	m.From = "10.0.0.1:34801"
	m.To = "10.0.0.2:34801"
	m.Error = registry.ErrForwardToOthers
	return m
}

func TestHeaderRoundtrip(t *testing.T) {
	m := sampleMessage()
	buf, err := m.AppendBinary(nil, len(m.Body))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	buf = append(buf, m.Body...)
	if len(buf) != m.Size() {
		t.Fatalf("size = %d want %d", len(buf), m.Size())
	}

	var h Header
	l, err := h.decodeFixed(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	h.decodeStrings(buf, l)
	if h != m.Header {
		t.Fatalf("headers differ: %#v vs %#v", h, m.Header)
	}
	if l.bodyLen != len(m.Body) {
		t.Fatalf("body len %d", l.bodyLen)
	}
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	buf, _ := sampleMessage().AppendBinary(nil, 0)
	buf[0] ^= 0xff
	var h Header
	if _, err := h.decodeFixed(buf); err != errBadMagic {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.decodeFixed(buf[:10]); err != errShortHeader {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateResponse(t *testing.T) {
	req := sampleMessage()
	resp := req.CreateResponse()
	if !resp.IsResponse() || resp.IsRequest() {
		t.Fatalf("flags %b", resp.Flags)
	}
	if resp.ID != req.ID || resp.Hash != req.Hash || resp.Name != req.Name {
		t.Fatalf("correlation not copied: %#v", resp.Header)
	}
	if resp.From != req.To || resp.To != req.From {
		t.Fatalf("addresses not swapped")
	}
	if resp.Error != registry.ErrOK || resp.Body != nil {
		t.Fatalf("response not empty")
	}

	resp.Error = registry.ErrForwardToOthers
	resp.Body = []byte("10.0.0.3:34801")
	if addr, ok := resp.ForwardAddress(); !ok || addr != "10.0.0.3:34801" {
		t.Fatalf("forward address %q %v", addr, ok)
	}
}
