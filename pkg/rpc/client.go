package rpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"nucleus/pkg/protocol"
	"nucleus/pkg/registry"
	"nucleus/pkg/task"
)

// CreateResponseTask builds the task that receives the outcome of req, using
// the response code paired with req.Code.
func (e *Engine) CreateResponseTask(req *protocol.Message, cb task.ResponseHandler, param any, hash uint64, opts ...task.Option) *task.Task {
	spec := e.table.Spec(req.Code)
	if spec.Kind != registry.KindRPCRequest || spec.Paired == registry.TaskCodeInvalid {
		panic(fmt.Sprintf("rpc: %s is not a registered rpc request code", spec.Name))
	}
	if req.Name == "" {
		req.Name = spec.Name
	}
	return e.sched.NewResponse(spec.Paired, cb, param, req, hash, opts...)
}

// Call sends req to addr. With a nil resp the call is one-way: nothing is
// correlated and nothing is ever delivered. Otherwise resp receives exactly
// one outcome: the response, ERR_TIMEOUT after req.Timeout, or ERR_CANCELLED
// when the engine stops. Send failures are not reported early; the timeout
// covers them.
func (e *Engine) Call(addr string, req *protocol.Message, resp *task.Task, tr *task.Tracker) {
	req.To = addr
	req.From = e.PrimaryAddress()
	req.Flags |= protocol.FlagRequest
	if req.Timeout <= 0 {
		req.Timeout = e.opts.DefaultTimeout
	}
	if req.Name == "" {
		req.Name = e.table.TaskName(req.Code)
	}

	if resp == nil {
		req.Flags |= protocol.FlagOneWay
		if err := e.send(addr, req); err != nil {
			zap.L().Debug("one-way send failed", zap.String("rpc", req.Name), zap.String("addr", addr), zap.Error(err))
		}
		return
	}
	if tr != nil && !resp.Track(tr) {
		return
	}

	id := e.seq.Add(1)
	req.ID = id
	_, span := e.tracer.Start(context.Background(), "rpc.call "+req.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", req.Name),
			attribute.String("net.peer.name", addr),
			attribute.Int64("rpc.id", int64(id)),
		))
	resp.AddRef()
	e.pending.add(id, &pendingCall{t: resp, span: span, addr: addr})
	e.pending.arm(id, req.Timeout, func() { e.deliver(id, registry.ErrTimeout, nil) })

	if err := e.send(addr, req); err != nil {
		span.AddEvent("send failed", trace.WithAttributes(attribute.String("error", err.Error())))
		zap.L().Debug("send failed, waiting for timeout", zap.String("rpc", req.Name), zap.String("addr", addr), zap.Error(err))
	}
}

// CallOneWay sends req without expecting a response.
func (e *Engine) CallOneWay(addr string, req *protocol.Message) { e.Call(addr, req, nil, nil) }

// CallWait calls addr and blocks until the outcome. Any error, including a
// forward, returns a nil message. It must not be called from an exclusive
// worker of the response code's pool.
func (e *Engine) CallWait(ctx context.Context, addr string, req *protocol.Message) (*protocol.Message, error) {
	t := e.CreateResponseTask(req, nil, nil, req.Hash)
	defer t.Release()
	e.Call(addr, req, t, nil)
	if !t.Wait(ctx) {
		t.Cancel(ctx, false)
		return nil, ctx.Err()
	}
	if err := t.Err(); !err.OK() {
		return nil, err
	}
	return t.Response(), nil
}

// EnqueueResponse hands an outcome to a response task directly. It returns
// false when the task was already cancelled or delivered.
func (e *Engine) EnqueueResponse(t *task.Task, err registry.ErrorCode, resp *protocol.Message) bool {
	return t.EnqueueResponse(err, resp)
}

// deliver claims the pending call id and queues its response task. Late or
// duplicate outcomes find nothing to claim and are dropped.
func (e *Engine) deliver(id uint64, err registry.ErrorCode, resp *protocol.Message) {
	pc := e.pending.claim(id)
	if pc == nil {
		zap.L().Debug("dropping outcome of unknown call", zap.Uint64("id", id), zap.String("err", err.Error()))
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if err.OK() {
		pc.span.SetStatus(codes.Ok, "")
	} else {
		pc.span.SetStatus(codes.Error, err.Error())
	}
	pc.span.End()

	if !err.OK() && err != registry.ErrForwardToOthers {
		resp = nil
	}
	if !pc.t.EnqueueResponse(err, resp) {
		zap.L().Debug("response task no longer waiting", zap.Stringer("task", pc.t), zap.String("addr", pc.addr), zap.String("err", err.Error()))
	}
	pc.t.Release()
}
