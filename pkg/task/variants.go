package task

import (
	"context"
	"fmt"
	"time"

	"nucleus/pkg/protocol"
	"nucleus/pkg/registry"
)

// Callback is the body of compute and timer tasks.
type Callback func(ctx context.Context, param any)

// RequestHandler serves one inbound rpc request.
type RequestHandler func(ctx context.Context, req *protocol.Message, param any)

// ResponseHandler receives the outcome of one rpc call. resp is nil unless err is ErrOK
// or ErrForwardToOthers.
type ResponseHandler func(ctx context.Context, err registry.ErrorCode, req, resp *protocol.Message, param any)

// AIOHandler receives the outcome of one disk or remote copy operation.
type AIOHandler func(ctx context.Context, err registry.ErrorCode, size int, param any)

type computeBody struct{ cb Callback }

func (b *computeBody) exec(ctx context.Context, t *Task) {
	if b.cb != nil {
		b.cb(ctx, t.param)
	}
}

type timerBody struct {
	cb       Callback
	interval time.Duration
}

func (b *timerBody) exec(ctx context.Context, t *Task) {
	if b.cb != nil {
		b.cb(ctx, t.param)
	}
}

type requestBody struct {
	cb  RequestHandler
	req *protocol.Message
}

func (b *requestBody) exec(ctx context.Context, t *Task) { b.cb(ctx, b.req, t.param) }

type responseBody struct {
	cb   ResponseHandler
	req  *protocol.Message
	resp *protocol.Message
}

func (b *responseBody) exec(ctx context.Context, t *Task) {
	if b.cb != nil {
		b.cb(ctx, t.Err(), b.req, b.resp, t.param)
	}
}

// AIOOp is the direction of a disk operation.
type AIOOp uint8

const (
	AIORead AIOOp = iota
	AIOWrite
)

func (o AIOOp) String() string {
	if o == AIOWrite {
		return "write"
	}
	return "read"
}

// AIORequest holds the fields a disk engine needs to execute an aio task.
type AIORequest struct {
	Op     AIOOp
	File   any
	Buffer []byte
	Offset int64
}

type aioBody struct {
	cb   AIOHandler
	req  AIORequest
	size int
}

func (b *aioBody) exec(ctx context.Context, t *Task) {
	if b.cb != nil {
		b.cb(ctx, t.Err(), b.size, t.param)
	}
}

func (s *Scheduler) newTask(code registry.TaskCode, hash uint64, param any, body variant, opts []Option, kinds ...registry.TaskKind) *Task {
	spec := s.table.Spec(code)
	ok := false
	for _, k := range kinds {
		ok = ok || spec.Kind == k
	}
	if !ok {
		panic(fmt.Sprintf("task: code %s has kind %s, want %v", spec.Name, spec.Kind, kinds))
	}
	t := &Task{sched: s, spec: spec, priority: spec.Priority, hash: hash, param: param, body: body, done: make(chan struct{})}
	t.refs.Store(1)
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewCompute creates a one-shot task for a compute or timer code.
func (s *Scheduler) NewCompute(code registry.TaskCode, cb Callback, param any, hash uint64, opts ...Option) *Task {
	return s.newTask(code, hash, param, &computeBody{cb: cb}, opts, registry.KindCompute, registry.KindTimer)
}

// NewTimer creates a task that runs every interval after its first delay
// until cancelled. Each run is queued with the same hash.
func (s *Scheduler) NewTimer(code registry.TaskCode, cb Callback, param any, hash uint64, interval time.Duration, opts ...Option) *Task {
	if interval <= 0 {
		panic("task: timer interval must be positive")
	}
	return s.newTask(code, hash, param, &timerBody{cb: cb, interval: interval}, opts, registry.KindTimer, registry.KindCompute)
}

// NewRequest creates the server-side task that runs a handler for req.
func (s *Scheduler) NewRequest(code registry.TaskCode, cb RequestHandler, param any, req *protocol.Message, opts ...Option) *Task {
	return s.newTask(code, req.Hash, param, &requestBody{cb: cb, req: req}, opts, registry.KindRPCRequest)
}

// NewResponse creates the task that receives the outcome of calling req.
// cb may be nil when the caller only waits on the task.
func (s *Scheduler) NewResponse(code registry.TaskCode, cb ResponseHandler, param any, req *protocol.Message, hash uint64, opts ...Option) *Task {
	return s.newTask(code, hash, param, &responseBody{cb: cb, req: req}, opts, registry.KindRPCResponse)
}

// NewAIO creates the completion task of one disk or remote copy operation.
func (s *Scheduler) NewAIO(code registry.TaskCode, cb AIOHandler, param any, hash uint64, opts ...Option) *Task {
	return s.newTask(code, hash, param, &aioBody{cb: cb}, opts, registry.KindAIO)
}

// Request returns the request message of an rpc request or response task.
func (t *Task) Request() *protocol.Message {
	switch b := t.body.(type) {
	case *requestBody:
		return b.req
	case *responseBody:
		return b.req
	}
	return nil
}

// Response returns the delivered response; valid once the task is queued.
func (t *Task) Response() *protocol.Message {
	if b, ok := t.body.(*responseBody); ok {
		return b.resp
	}
	return nil
}

// EnqueueResponse delivers the outcome of an rpc call and schedules the
// callback. It returns false when the task was already cancelled or delivered.
func (t *Task) EnqueueResponse(err registry.ErrorCode, resp *protocol.Message) bool {
	b, ok := t.body.(*responseBody)
	if !ok {
		panic(fmt.Sprintf("task %s: EnqueueResponse on %s task", t.spec.Name, t.spec.Kind))
	}
	return t.complete(err, func() { b.resp = resp })
}

// AIO returns the request fields of an aio task for the disk engine to fill or read.
func (t *Task) AIO() *AIORequest {
	b, ok := t.body.(*aioBody)
	if !ok {
		panic(fmt.Sprintf("task %s: AIO on %s task", t.spec.Name, t.spec.Kind))
	}
	return &b.req
}

// TransferredSize is the byte count delivered with an aio completion.
func (t *Task) TransferredSize() int {
	if b, ok := t.body.(*aioBody); ok {
		return b.size
	}
	return 0
}

// EnqueueAIO delivers a disk or copy completion and schedules the callback.
func (t *Task) EnqueueAIO(err registry.ErrorCode, size int) bool {
	b, ok := t.body.(*aioBody)
	if !ok {
		panic(fmt.Sprintf("task %s: EnqueueAIO on %s task", t.spec.Name, t.spec.Kind))
	}
	return t.complete(err, func() { b.size = size })
}
