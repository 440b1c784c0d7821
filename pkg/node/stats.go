package node

import (
	"context"

	"go.uber.org/zap"

	"nucleus/pkg/protocol"
	"nucleus/pkg/protocol/codec"
	"nucleus/pkg/registry"
)

// Stats is a snapshot of node counters as served by RPC_NODE_STATS.
func (n *Node) Stats() map[string]any {
	es := n.engine.Stats()
	outbound := make([]any, 0, len(es.Outbound))
	for _, a := range es.Outbound {
		outbound = append(outbound, a)
	}
	var pools []any
	for _, p := range n.sched.Stats() {
		pools = append(pools, map[string]any{
			"name":      p.Name,
			"workers":   p.Workers,
			"queued":    p.Queued,
			"executed":  p.Executed,
			"cancelled": p.Cancelled,
		})
	}
	kv := n.store.Metrics()
	return map[string]any{
		"node_id":  n.cfg.NodeID,
		"address":  n.engine.PrimaryAddress(),
		"pending":  es.Pending,
		"serving":  es.Serving,
		"inbound":  es.Inbound,
		"outbound": outbound,
		"pools":    pools,
		"coord":    map[string]any{"nodes": kv.Keys, "bytes": kv.Bytes},
	}
}

func (n *Node) serveStats(bodies *codec.Registry) func(context.Context, *protocol.Message, any) {
	return func(_ context.Context, req *protocol.Message, _ any) {
		resp := req.CreateResponse()
		if err := resp.SetBody(bodies, protocol.FormatProto, n.Stats()); err != nil {
			zap.L().Error("encode node stats", zap.Error(err))
			n.engine.Reply(resp, registry.ErrInvalidState)
			return
		}
		n.engine.Reply(resp, registry.ErrOK)
	}
}
