package aio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"nucleus/pkg/protocol"
	"nucleus/pkg/protocol/codec"
	"nucleus/pkg/registry"
	"nucleus/pkg/rpc"
	"nucleus/pkg/task"
)

// DefaultChunkSize is the largest slice of a file moved by one request.
const DefaultChunkSize = 1 << 20

// NFSCodes are the rpc codes of the file copy service.
type NFSCodes struct {
	List  registry.TaskCode
	Fetch registry.TaskCode
}

// RegisterNFS registers the copy service rpcs on pool.
func RegisterNFS(b *registry.Builder, pool registry.PoolCode) NFSCodes {
	list, _ := b.RegisterRPC("RPC_NFS_LIST_DIR", registry.PriorityCommon, pool)
	fetch, _ := b.RegisterRPC("RPC_NFS_GET_FILE", registry.PriorityCommon, pool)
	return NFSCodes{List: list, Fetch: fetch}
}

type listRequest struct {
	Dir string `cbor:"1,keyasint"`
}

type listResponse struct {
	Files []string `cbor:"1,keyasint"`
}

type fetchRequest struct {
	Dir    string `cbor:"1,keyasint"`
	File   string `cbor:"2,keyasint"`
	Offset int64  `cbor:"3,keyasint"`
	Size   int    `cbor:"4,keyasint"`
}

type fetchResponse struct {
	Data []byte `cbor:"1,keyasint"`
	EOF  bool   `cbor:"2,keyasint"`
}

// NFS copies files between nodes over rpc. As a server it exposes the tree
// under root; as a client it pulls files from CopyRequest.Source. Requests
// without a Source are copied locally.
type NFS struct {
	engine *rpc.Engine
	codes  NFSCodes
	root   string
	chunk  int
	bodies *codec.Registry
}

func NewNFS(engine *rpc.Engine, codes NFSCodes, root string) *NFS {
	return &NFS{engine: engine, codes: codes, root: root, chunk: DefaultChunkSize, bodies: codec.NewRegistry()}
}

// Serve registers the list and fetch handlers.
func (n *NFS) Serve() error {
	if !n.engine.RegisterHandler(n.codes.List, "", n.serveList, nil) {
		return fmt.Errorf("nfs: list handler already registered")
	}
	if !n.engine.RegisterHandler(n.codes.Fetch, "", n.serveFetch, nil) {
		n.engine.UnregisterHandler(n.codes.List)
		return fmt.Errorf("nfs: fetch handler already registered")
	}
	return nil
}

// Stop unregisters the handlers.
func (n *NFS) Stop() {
	n.engine.UnregisterHandler(n.codes.List)
	n.engine.UnregisterHandler(n.codes.Fetch)
}

// local maps a requested directory onto the served root. Absolute paths
// are taken relative to root.
func (n *NFS) local(dir string) string {
	rel := path.Clean("/" + filepath.ToSlash(dir))
	return filepath.Join(n.root, filepath.FromSlash(rel))
}

func (n *NFS) serveList(_ context.Context, req *protocol.Message, _ any) {
	var in listRequest
	resp := req.CreateResponse()
	if err := req.DecodeBody(n.bodies, &in); err != nil {
		n.engine.Reply(resp, registry.ErrInvalidParameters)
		return
	}
	files, err := listFiles(n.local(in.Dir))
	if err != nil {
		n.engine.Reply(resp, errorCode(err))
		return
	}
	n.reply(resp, listResponse{Files: files})
}

func (n *NFS) serveFetch(_ context.Context, req *protocol.Message, _ any) {
	var in fetchRequest
	resp := req.CreateResponse()
	if err := req.DecodeBody(n.bodies, &in); err != nil || in.Size <= 0 || in.Offset < 0 {
		n.engine.Reply(resp, registry.ErrInvalidParameters)
		return
	}
	rel, err := cleanRel(in.File)
	if err != nil {
		n.engine.Reply(resp, errorCode(err))
		return
	}
	f, err := os.Open(filepath.Join(n.local(in.Dir), filepath.FromSlash(rel)))
	if err != nil {
		n.engine.Reply(resp, errorCode(err))
		return
	}
	defer f.Close()
	buf := make([]byte, min(in.Size, n.chunk))
	got, err := f.ReadAt(buf, in.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		n.engine.Reply(resp, registry.ErrFileOperationFailed)
		return
	}
	n.reply(resp, fetchResponse{Data: buf[:got], EOF: errors.Is(err, io.EOF) || got < len(buf)})
}

func (n *NFS) reply(resp *protocol.Message, v any) {
	if err := resp.SetBody(n.bodies, protocol.FormatCBOR, v); err != nil {
		zap.L().Error("encode nfs reply", zap.Error(err))
		n.engine.Reply(resp, registry.ErrInvalidState)
		return
	}
	n.engine.Reply(resp, registry.ErrOK)
}

// Copy pulls the requested files from req.Source and completes t with the
// number of bytes written. It must not run on a worker of the copy pool.
func (n *NFS) Copy(req *CopyRequest, t *task.Task, tr *task.Tracker) {
	if req.Source == "" {
		LocalCopier{}.Copy(req, t, tr)
		return
	}
	if tr != nil && !t.Track(tr) {
		return
	}
	t.AddRef()
	go func() {
		defer t.Release()
		total, err := n.pull(context.Background(), req)
		code := registry.ErrOK
		if err != nil {
			zap.L().Warn("remote copy failed", zap.String("source", req.Source), zap.String("dir", req.SourceDir), zap.Error(err))
			code = errorCode(err)
		}
		t.EnqueueAIO(code, int(total))
	}()
}

func (n *NFS) call(ctx context.Context, addr string, code registry.TaskCode, in, out any) error {
	msg := protocol.NewRequest(code, "", nil, 0, 0)
	if err := msg.SetBody(n.bodies, protocol.FormatCBOR, in); err != nil {
		return err
	}
	resp, err := n.engine.CallWait(ctx, addr, msg)
	if err != nil {
		return err
	}
	return resp.DecodeBody(n.bodies, out)
}

func (n *NFS) pull(ctx context.Context, req *CopyRequest) (int64, error) {
	files := req.Files
	if len(files) == 0 {
		var out listResponse
		if err := n.call(ctx, req.Source, n.codes.List, listRequest{Dir: req.SourceDir}, &out); err != nil {
			return 0, fmt.Errorf("list %s: %w", req.SourceDir, err)
		}
		files = out.Files
	}
	var total int64
	for _, name := range files {
		rel, err := cleanRel(name)
		if err != nil {
			return total, err
		}
		dst, skip, err := destination(req, rel)
		if err != nil {
			return total, err
		}
		if skip {
			continue
		}
		got, err := n.pullFile(ctx, req, rel, dst)
		total += got
		if err != nil {
			return total, fmt.Errorf("fetch %s: %w", rel, err)
		}
	}
	return total, nil
}

func (n *NFS) pullFile(ctx context.Context, req *CopyRequest, rel, dst string) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	var off int64
	for {
		var chunk fetchResponse
		in := fetchRequest{Dir: req.SourceDir, File: rel, Offset: off, Size: n.chunk}
		if err := n.call(ctx, req.Source, n.codes.Fetch, in, &chunk); err != nil {
			return off, err
		}
		if _, err := out.WriteAt(chunk.Data, off); err != nil {
			return off, err
		}
		off += int64(len(chunk.Data))
		if chunk.EOF || len(chunk.Data) == 0 {
			return off, out.Sync()
		}
	}
}
