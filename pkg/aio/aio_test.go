package aio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nucleus/pkg/config"
	"nucleus/pkg/registry"
	"nucleus/pkg/rpc"
	"nucleus/pkg/task"
	"nucleus/pkg/transport/mem"
)

type fixture struct {
	table *registry.Table
	sched *task.Scheduler
	aio   registry.TaskCode
	nfs   NFSCodes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := registry.NewBuilder()
	disk := b.RegisterPool("THREAD_POOL_DISK")
	f := &fixture{
		aio: b.RegisterTask("LPC_AIO_DONE", registry.KindAIO, registry.PriorityCommon, disk),
		nfs: RegisterNFS(b, disk),
	}
	f.table = b.Seal()
	s, err := task.NewScheduler(f.table, []config.PoolConfig{{Name: "THREAD_POOL_DISK", Workers: 2}})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)
	f.sched = s
	return f
}

type result struct {
	err  registry.ErrorCode
	size int
}

func (f *fixture) task(ch chan result) *task.Task {
	return f.sched.NewAIO(f.aio, func(_ context.Context, err registry.ErrorCode, size int, _ any) {
		ch <- result{err: err, size: size}
	}, nil, 0)
}

func wait(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("aio completion missing")
	}
	return result{}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

func TestFileDiskWriteThenRead(t *testing.T) {
	f := newFixture(t)
	d := NewFileDisk(4)
	h, err := d.Open(filepath.Join(t.TempDir(), "data"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer d.Close(h)

	ch := make(chan result, 1)
	tr := task.NewTracker(0)
	wt := f.task(ch)
	d.Write(h, []byte("hello disk"), 4, wt, tr)
	require.Equal(t, result{err: registry.ErrOK, size: 10}, wait(t, ch))
	require.Equal(t, task.AIOWrite, wt.AIO().Op)
	require.Equal(t, int64(4), wt.AIO().Offset)
	require.Equal(t, 10, wt.TransferredSize())
	wt.Release()

	buf := make([]byte, 64)
	rt := f.task(ch)
	d.Read(h, buf, 4, rt, tr)
	r := wait(t, ch)
	require.Equal(t, registry.ErrOK, r.err)
	require.Equal(t, "hello disk", string(buf[:r.size]))
	rt.Release()

	require.NoError(t, tr.WaitOutstanding(context.Background()))
	d.Wait()
}

func TestFileDiskReadPastEnd(t *testing.T) {
	f := newFixture(t)
	d := NewFileDisk(0)
	p := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(p, nil, 0o644))
	h, err := d.Open(p, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer d.Close(h)

	ch := make(chan result, 1)
	rt := f.task(ch)
	d.Read(h, make([]byte, 8), 0, rt, nil)
	require.Equal(t, registry.ErrFileOperationFailed, wait(t, ch).err)
	rt.Release()
}

func TestLocalCopier(t *testing.T) {
	f := newFixture(t)
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "alpha", "sub/b.txt": "bravo"})
	writeTree(t, dst, map[string]string{"a.txt": "old"})

	ch := make(chan result, 1)
	ct := f.task(ch)
	LocalCopier{}.Copy(&CopyRequest{SourceDir: src, DestDir: dst}, ct, nil)
	r := wait(t, ch)
	require.Equal(t, registry.ErrOK, r.err)
	require.Equal(t, len("bravo"), r.size)
	require.Equal(t, "old", readFile(t, filepath.Join(dst, "a.txt")))
	require.Equal(t, "bravo", readFile(t, filepath.Join(dst, "sub", "b.txt")))
	ct.Release()

	ct = f.task(ch)
	LocalCopier{}.Copy(&CopyRequest{SourceDir: src, Files: []string{"a.txt"}, DestDir: dst, Overwrite: true}, ct, nil)
	require.Equal(t, result{err: registry.ErrOK, size: len("alpha")}, wait(t, ch))
	require.Equal(t, "alpha", readFile(t, filepath.Join(dst, "a.txt")))
	ct.Release()

	ct = f.task(ch)
	LocalCopier{}.Copy(&CopyRequest{SourceDir: src, Files: []string{"../etc/passwd"}, DestDir: dst}, ct, nil)
	require.Equal(t, registry.ErrInvalidParameters, wait(t, ch).err)
	ct.Release()

	ct = f.task(ch)
	LocalCopier{}.Copy(&CopyRequest{SourceDir: src, Files: []string{"missing"}, DestDir: dst}, ct, nil)
	require.Equal(t, registry.ErrObjectNotFound, wait(t, ch).err)
	ct.Release()
}

func TestNFSCopiesDirectoryOverRPC(t *testing.T) {
	f := newFixture(t)
	tr := mem.NewIsolated()
	root, dst := t.TempDir(), t.TempDir()
	big := make([]byte, 3*1024+7)
	for i := range big {
		big[i] = byte(i)
	}
	writeTree(t, filepath.Join(root, "ckpt"), map[string]string{"meta": "m", "data/blob": string(big)})

	engine := func(listen ...string) *rpc.Engine {
		e, err := rpc.NewEngine(f.table, f.sched, rpc.Options{Transport: tr, Listen: listen, DefaultTimeout: 2 * time.Second})
		require.NoError(t, err)
		require.NoError(t, e.Start(context.Background()))
		t.Cleanup(e.Stop)
		return e
	}
	srvEngine := engine("")
	server := NewNFS(srvEngine, f.nfs, root)
	require.NoError(t, server.Serve())
	require.Error(t, server.Serve())

	client := NewNFS(engine(), f.nfs, "")
	client.chunk = 1024

	ch := make(chan result, 1)
	ct := f.task(ch)
	client.Copy(&CopyRequest{Source: srvEngine.PrimaryAddress(), SourceDir: "/ckpt", DestDir: dst}, ct, nil)
	r := wait(t, ch)
	require.Equal(t, registry.ErrOK, r.err)
	require.Equal(t, len(big)+1, r.size)
	require.Equal(t, "m", readFile(t, filepath.Join(dst, "meta")))
	require.Equal(t, string(big), readFile(t, filepath.Join(dst, "data", "blob")))
	ct.Release()

	ct = f.task(ch)
	client.Copy(&CopyRequest{Source: srvEngine.PrimaryAddress(), SourceDir: "ckpt", Files: []string{"nope"}, DestDir: dst}, ct, nil)
	require.Equal(t, registry.ErrObjectNotFound, wait(t, ch).err)
	ct.Release()
}
