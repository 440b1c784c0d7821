// Package aio executes disk and file-copy requests off the worker pools
// and completes them through aio tasks.
package aio

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"nucleus/pkg/registry"
	"nucleus/pkg/task"
)

// DefaultMaxInflight bounds concurrent file operations of a FileDisk.
const DefaultMaxInflight = 64

// Handle is an open file of a Disk.
type Handle interface {
	Name() string
}

// Disk executes reads and writes asynchronously. Each operation fills the
// request fields of t, attaches the optional tracker and completes t with
// EnqueueAIO once the bytes moved.
type Disk interface {
	Open(name string, flag int, perm os.FileMode) (Handle, error)
	Close(h Handle) error
	Read(h Handle, buf []byte, offset int64, t *task.Task, tr *task.Tracker)
	Write(h Handle, buf []byte, offset int64, t *task.Task, tr *task.Tracker)
}

// FileDisk runs positional I/O on *os.File from goroutines.
type FileDisk struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewFileDisk(maxInflight int64) *FileDisk {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	return &FileDisk{sem: semaphore.NewWeighted(maxInflight)}
}

func (d *FileDisk) Open(name string, flag int, perm os.FileMode) (Handle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *FileDisk) Close(h Handle) error {
	f, ok := h.(*os.File)
	if !ok {
		return registry.ErrInvalidParameters
	}
	return f.Close()
}

func (d *FileDisk) Read(h Handle, buf []byte, offset int64, t *task.Task, tr *task.Tracker) {
	d.submit(task.AIORead, h, buf, offset, t, tr)
}

func (d *FileDisk) Write(h Handle, buf []byte, offset int64, t *task.Task, tr *task.Tracker) {
	d.submit(task.AIOWrite, h, buf, offset, t, tr)
}

func (d *FileDisk) submit(op task.AIOOp, h Handle, buf []byte, offset int64, t *task.Task, tr *task.Tracker) {
	req := t.AIO()
	req.Op, req.File, req.Buffer, req.Offset = op, h, buf, offset
	if tr != nil && !t.Track(tr) {
		return
	}
	f, ok := h.(*os.File)
	if !ok {
		t.EnqueueAIO(registry.ErrInvalidParameters, 0)
		return
	}
	t.AddRef()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer t.Release()
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			t.EnqueueAIO(registry.ErrFileOperationFailed, 0)
			return
		}
		defer d.sem.Release(1)

		var n int
		var err error
		if op == task.AIORead {
			n, err = f.ReadAt(buf, offset)
			// A short read at the end of the file still delivers its bytes.
			if errors.Is(err, io.EOF) && n > 0 {
				err = nil
			}
		} else {
			n, err = f.WriteAt(buf, offset)
		}
		code := registry.ErrOK
		if err != nil {
			code = registry.ErrFileOperationFailed
			zap.L().Debug("file operation failed", zap.Stringer("op", op), zap.String("file", f.Name()), zap.Int64("offset", offset), zap.Error(err))
		}
		t.EnqueueAIO(code, n)
	}()
}

// Wait blocks until every submitted operation has completed.
func (d *FileDisk) Wait() { d.wg.Wait() }
