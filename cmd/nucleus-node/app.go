package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"nucleus/pkg/config"
	"nucleus/pkg/node"
	"nucleus/pkg/observability"
	"nucleus/pkg/protocol"
	"nucleus/pkg/registry"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Echo != "" {
		cfg.Apps = append(cfg.Apps, config.AppConfig{Name: opts.Echo, Role: "echo", Pool: config.DefaultPool})
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("nucleus-node starting", zap.String("app", cfg.AppName), zap.String("node_id", cfg.NodeID))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	n := node.New(cfg)
	if err := registerEcho(n); err != nil {
		zap.L().Error("register echo role", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Start(ctx, nil); err != nil {
		zap.L().Error("failed to start node", zap.Error(err))
		return 1
	}
	zap.L().Info("node is running; press Ctrl+C to exit", zap.String("address", n.Engine().PrimaryAddress()))
	<-ctx.Done()
	n.Stop()
	return 0
}

// registerEcho adds the "echo" role: RPC_ECHO replies with the request body.
func registerEcho(n *node.Node) error {
	code, _ := n.Builder().RegisterRPC("RPC_ECHO", registry.PriorityCommon, n.RPCPool())
	return n.RegisterRole("echo", node.AppRole{
		Create: func(env *node.Env) (any, error) { return env, nil },
		Start: func(_ context.Context, app any, _ []string) error {
			eng := app.(*node.Env).Node.Engine()
			ok := eng.RegisterHandler(code, "", func(_ context.Context, req *protocol.Message, _ any) {
				resp := req.CreateResponse()
				resp.Body = bytes.Clone(req.Body)
				eng.Reply(resp, registry.ErrOK)
			}, nil)
			if !ok {
				zap.L().Debug("echo handler shared", zap.String("app", app.(*node.Env).Name))
			}
			return nil
		},
		Destroy: func(app any, _ bool) error {
			app.(*node.Env).Node.Engine().UnregisterHandler(code)
			return nil
		},
	})
}
