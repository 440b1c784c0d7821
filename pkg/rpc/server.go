package rpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"nucleus/pkg/netio"
	"nucleus/pkg/protocol"
	"nucleus/pkg/registry"
	"nucleus/pkg/task"
)

type handler struct {
	code  registry.TaskCode
	name  string
	cb    task.RequestHandler
	param any
}

// RegisterHandler serves requests named name with cb on the pool of code.
// An empty name means the registered name of code. It returns false when
// code or name already has a handler on this engine.
func (e *Engine) RegisterHandler(code registry.TaskCode, name string, cb task.RequestHandler, param any) bool {
	spec, ok := e.table.Lookup(code)
	if !ok || spec.Kind != registry.KindRPCRequest {
		panic(fmt.Sprintf("rpc: register handler for %d which is not an rpc request code", code))
	}
	if cb == nil {
		panic("rpc: nil handler for " + spec.Name)
	}
	if name == "" {
		name = spec.Name
	}
	e.hmu.Lock()
	defer e.hmu.Unlock()
	if _, dup := e.handlers[code]; dup {
		return false
	}
	if _, dup := e.byName[name]; dup {
		return false
	}
	h := &handler{code: code, name: name, cb: cb, param: param}
	e.handlers[code] = h
	e.byName[name] = h
	return true
}

// MustRegisterHandler is RegisterHandler for start-up code where a
// duplicate is a bug.
func (e *Engine) MustRegisterHandler(code registry.TaskCode, name string, cb task.RequestHandler, param any) {
	if !e.RegisterHandler(code, name, cb, param) {
		panic(fmt.Sprintf("rpc: handler for %s already registered", e.table.TaskName(code)))
	}
}

// UnregisterHandler removes the handler of code and returns its param, or
// nil when none was registered.
func (e *Engine) UnregisterHandler(code registry.TaskCode) any {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	h, ok := e.handlers[code]
	if !ok {
		return nil
	}
	delete(e.handlers, code)
	delete(e.byName, h.name)
	return h.param
}

func (e *Engine) lookup(name string) *handler {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	return e.byName[name]
}

func (e *Engine) onServerMessage(s *netio.Session, msg *protocol.Message) {
	if msg.IsResponse() {
		// Replies routed to our listen address instead of the calling session.
		e.deliver(msg.ID, msg.Error, msg)
		return
	}
	msg.ReplyTo = s
	e.serve(msg)
}

// serve queues a request task for req. Names resolve handlers because
// codes are local to each process.
func (e *Engine) serve(req *protocol.Message) {
	h := e.lookup(req.Name)
	if h == nil {
		zap.L().Warn("no handler for rpc", zap.String("rpc", req.Name), zap.String("from", req.From))
		if !req.IsOneWay() {
			e.Reply(req.CreateResponse(), registry.ErrHandlerNotFound)
		}
		return
	}
	t := e.sched.NewRequest(h.code, e.traced(h), h.param, req)
	if !t.Enqueue(e.serving, 0) {
		zap.L().Debug("request task cancelled before queueing", zap.String("rpc", req.Name))
	}
	t.Release()
}

func (e *Engine) traced(h *handler) task.RequestHandler {
	return func(ctx context.Context, req *protocol.Message, param any) {
		ctx, span := e.tracer.Start(ctx, "rpc.serve "+h.name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.method", h.name),
				attribute.String("net.peer.name", req.From),
				attribute.Int64("rpc.id", int64(req.ID)),
			))
		defer span.End()
		h.cb(ctx, req, param)
	}
}

// Reply sends resp with err back to the caller: on the session the request
// arrived on, or through a client session to resp.To when that one is gone.
func (e *Engine) Reply(resp *protocol.Message, err registry.ErrorCode) {
	resp.Error = err
	resp.Flags = (resp.Flags | protocol.FlagResponse) &^ (protocol.FlagRequest | protocol.FlagOneWay)
	if resp.ReplyTo != nil {
		werr := resp.ReplyTo.Write(resp)
		if werr == nil {
			return
		}
		zap.L().Debug("reply session gone", zap.String("rpc", resp.Name), zap.Error(werr))
	}
	if resp.To == "" {
		zap.L().Warn("dropping reply without address", zap.String("rpc", resp.Name), zap.Uint64("id", resp.ID))
		return
	}
	if serr := e.send(resp.To, resp); serr != nil {
		zap.L().Warn("reply failed", zap.String("rpc", resp.Name), zap.String("to", resp.To), zap.Error(serr))
	}
}

// Forward answers req with ERR_FORWARD_TO_OTHERS carrying addr. The caller
// decides whether to re-issue the call there.
func (e *Engine) Forward(req *protocol.Message, addr string) {
	resp := req.CreateResponse()
	resp.Body = []byte(addr)
	e.Reply(resp, registry.ErrForwardToOthers)
}
