package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nucleus/pkg/protocol"
	"nucleus/pkg/protocol/codec"
	"nucleus/pkg/registry"
)

// nucleus-genframe writes sample wire frames for both parsers, for use as
// fixtures by other implementations of the protocol.
func main() {
	outDir := flag.String("out", "testdata/frame", "output directory for binary frames")
	flag.Parse()
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}

	b := registry.NewBuilder()
	echo, _ := b.RegisterRPC("RPC_ECHO", registry.PriorityCommon, registry.PoolCode(0))
	b.Seal()

	bodies := codec.NewRegistry()
	req := protocol.NewRequest(echo, "RPC_ECHO", nil, 2*time.Second, 7)
	req.ID = 42
	req.From, req.To = "127.0.0.1:34801", "127.0.0.1:34802"
	if err := req.SetBody(bodies, protocol.FormatJSON, map[string]any{"ok": true, "n": 42}); err != nil {
		log.Fatal(err)
	}

	// 1) request with a JSON body
	frame := protocol.NewFrameParser(0)
	writeOut(*outDir, "frame_request_json.bin", mustFrame(frame, req))

	// 2) error response with no body
	resp := req.CreateResponse()
	resp.Error = registry.ErrHandlerNotFound
	writeOut(*outDir, "frame_response_not_found.bin", mustFrame(frame, resp))

	// 3) forward response carrying the next address
	fwd := req.CreateResponse()
	fwd.Error = registry.ErrForwardToOthers
	fwd.Body = []byte("127.0.0.1:34803")
	writeOut(*outDir, "frame_response_forward.bin", mustFrame(frame, fwd))

	// 4) the same request through the cbor parser
	writeOut(*outDir, "cbor_request_json.bin", mustFrame(protocol.NewCBORParser(0), req))

	fmt.Println("Generated frames in", *outDir)
}

func mustFrame(p protocol.Parser, m *protocol.Message) []byte {
	bufs, n, err := p.SendBuffers(m)
	if err != nil {
		log.Fatal(err)
	}
	out := make([]byte, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func writeOut(dir, name string, b []byte) {
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%-30s %5d bytes  head: %s\n", name, len(b), shortHex(b, 64))
}

func shortHex(b []byte, n int) string {
	if len(b) == 0 {
		return ""
	}
	n = min(n, len(b))
	enc := hex.EncodeToString(b[:n])
	if len(b) > n {
		enc += "..."
	}
	var out []string
	for i := 0; i < len(enc); i += 4 {
		out = append(out, enc[i:min(i+4, len(enc))])
	}
	return strings.Join(out, " ")
}
