package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"nucleus/pkg/aio"
	"nucleus/pkg/config"
	"nucleus/pkg/node"
	"nucleus/pkg/observability"
	"nucleus/pkg/protocol"
	"nucleus/pkg/protocol/codec"
	"nucleus/pkg/registry"
)

func main() {
	kind := flag.String("kind", "tcp", "transport kind: tcp|quic|winpipe|mem")
	addr := flag.String("addr", "127.0.0.1:34801", "node address to call")
	rpcName := flag.String("rpc", "RPC_ECHO", "rpc name to call")
	body := flag.String("body", "", "request body")
	parser := flag.String("parser", "frame", "wire format: frame|cbor")
	timeout := flag.Duration("timeout", 5*time.Second, "call timeout")
	copyDir := flag.String("copy", "", "copy this directory from the node instead of calling -rpc")
	dest := flag.String("dest", ".", "destination directory for -copy")
	overwrite := flag.Bool("overwrite", false, "overwrite existing files with -copy")
	stats := flag.Bool("stats", false, "print node counters instead of calling -rpc")
	flag.Parse()

	cfg := config.Default()
	cfg.AppName = "nucleus-ctl"
	cfg.DataDir = os.TempDir()
	cfg.Log.Level = "warn"
	cfg.Log.Outputs = []string{"stderr"}
	cfg.Transports = []config.TransportConfig{{Kind: *kind}}
	cfg.RPC.Parser = *parser
	cfg.RPC.DefaultTimeoutMS = int(timeout.Milliseconds())
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("setup logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	n := node.New(cfg)
	code, _ := n.Builder().RegisterRPC(*rpcName, registry.PriorityCommon, n.RPCPool())
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := n.Start(ctx, nil); err != nil {
		fatalf("start: %v", err)
	}
	defer n.Stop()

	if *stats {
		printStats(ctx, n, *addr)
		return
	}
	if *copyDir != "" {
		copyFrom(n, *addr, *copyDir, *dest, *overwrite, *timeout)
		return
	}

	resp, err := n.Engine().CallWait(ctx, *addr, protocol.NewRequest(code, *rpcName, []byte(*body), *timeout, 0))
	if err != nil {
		fatalf("%s: %s", *rpcName, describe(n, err))
	}
	fmt.Printf("%s -> %s (%d bytes)\n%s\n", *rpcName, resp.From, len(resp.Body), resp.Body)
}

func copyFrom(n *node.Node, addr, dir, dest string, overwrite bool, timeout time.Duration) {
	type result struct {
		err  registry.ErrorCode
		size int
	}
	done := make(chan result, 1)
	t := n.Scheduler().NewAIO(n.Codes().AIODone, func(_ context.Context, err registry.ErrorCode, size int, _ any) {
		done <- result{err: err, size: size}
	}, nil, 0)
	defer t.Release()
	n.Copier().Copy(&aio.CopyRequest{Source: addr, SourceDir: dir, DestDir: dest, Overwrite: overwrite}, t, nil)
	select {
	case r := <-done:
		if r.err != registry.ErrOK {
			fatalf("copy %s: %s", dir, n.Table().ErrorName(r.err))
		}
		fmt.Printf("copied %d bytes from %s:%s into %s\n", r.size, addr, dir, dest)
	case <-time.After(timeout):
		fatalf("copy %s: timed out", dir)
	}
}

func printStats(ctx context.Context, n *node.Node, addr string) {
	resp, err := n.Engine().CallWait(ctx, addr, protocol.NewRequest(n.Codes().Stats, "", nil, 0, 0))
	if err != nil {
		fatalf("stats: %s", describe(n, err))
	}
	var out map[string]any
	if err := resp.DecodeBody(codec.NewRegistry(), &out); err != nil {
		fatalf("stats: %v", err)
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

func describe(n *node.Node, err error) string {
	var code registry.ErrorCode
	if errors.As(err, &code) {
		return n.Table().ErrorName(code)
	}
	return err.Error()
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
