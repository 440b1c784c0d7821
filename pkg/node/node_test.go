package node

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nucleus/pkg/config"
	"nucleus/pkg/coord"
	"nucleus/pkg/protocol"
	"nucleus/pkg/protocol/codec"
	"nucleus/pkg/registry"
	"nucleus/pkg/transport/mem"
)

func testConfig(t *testing.T, apps ...config.AppConfig) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Transports = []config.TransportConfig{{Kind: "mem", Listen: []string{""}}}
	cfg.Pools = []config.PoolConfig{{Name: config.DefaultPool, Workers: 2}, {Name: "THREAD_POOL_ECHO", Workers: 2}}
	cfg.Apps = apps
	return cfg
}

type echoApp struct {
	env     *Env
	code    registry.TaskCode
	args    []string
	stopped bool
}

func TestNodeHostsApps(t *testing.T) {
	cfg := testConfig(t, config.AppConfig{Name: "echo.1", Role: "echo", Pool: "THREAD_POOL_ECHO", Args: []string{"-v"}})
	n := New(cfg)
	echo, _ := n.Builder().RegisterRPC("RPC_ECHO", registry.PriorityCommon, n.Builder().RegisterPool("THREAD_POOL_ECHO"))

	var app *echoApp
	require.NoError(t, n.RegisterRole("echo", AppRole{
		Create: func(env *Env) (any, error) {
			app = &echoApp{env: env, code: echo}
			return app, nil
		},
		Start: func(_ context.Context, a any, args []string) error {
			ea := a.(*echoApp)
			ea.args = args
			eng := ea.env.Node.Engine()
			if !eng.RegisterHandler(ea.code, "", func(_ context.Context, req *protocol.Message, _ any) {
				resp := req.CreateResponse()
				resp.Body = bytes.ToUpper(req.Body)
				eng.Reply(resp, registry.ErrOK)
			}, nil) {
				return errors.New("echo handler taken")
			}
			return nil
		},
		Destroy: func(a any, _ bool) error {
			a.(*echoApp).stopped = true
			return nil
		},
	}))
	require.Error(t, n.RegisterRole("echo", AppRole{Create: func(*Env) (any, error) { return nil, nil }}))

	require.NoError(t, n.Start(context.Background(), mem.NewIsolated()))
	require.ErrorIs(t, n.Start(context.Background(), nil), ErrStarted)
	require.ErrorIs(t, n.RegisterRole("late", AppRole{}), ErrStarted)

	require.Equal(t, "echo.1", app.env.Name)
	require.Equal(t, []string{"-v"}, app.args)
	require.Equal(t, "THREAD_POOL_ECHO", n.Table().PoolName(app.env.Pool))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := n.Engine().CallWait(ctx, n.Engine().PrimaryAddress(), protocol.NewRequest(echo, "", []byte("ping"), 0, 0))
	require.NoError(t, err)
	require.Equal(t, "PING", string(resp.Body))

	n.Stop()
	n.Stop()
	require.True(t, app.stopped)
}

func TestNodeServices(t *testing.T) {
	cfg := testConfig(t)
	cfg.RPC.Pool = "THREAD_POOL_RPC"
	n := New(cfg)
	require.NoError(t, n.Start(context.Background(), mem.NewIsolated()))
	t.Cleanup(n.Stop)

	require.Equal(t, "THREAD_POOL_RPC", n.Table().PoolName(n.RPCPool()))
	require.Equal(t, n.RPCPool(), n.Table().Spec(n.Codes().Stats).Pool)

	require.NotNil(t, n.Disk())
	require.NotNil(t, n.Copier())
	require.NotNil(t, n.Sections())
	require.Equal(t, "fallback", n.Sections().GetString("app", "missing", "fallback"))

	h, err := n.Coord().Connect("local", time.Second)
	require.NoError(t, err)
	defer n.Coord().Disconnect(h)
	done := make(chan *coord.Visitor, 1)
	v := new(coord.Visitor).Create("/nodes", coord.Ephemeral, []byte(n.Config().NodeID))
	ct := n.Scheduler().NewCompute(n.Codes().CoordWatch, func(_ context.Context, p any) { done <- p.(*coord.Visitor) }, v, 0)
	defer ct.Release()
	require.Equal(t, registry.ErrOK, n.Coord().AsyncVisit(h, v, ct, n.NewTracker()))
	select {
	case got := <-done:
		require.Equal(t, registry.ErrOK, got.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("coord visit did not complete")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := n.Engine().CallWait(ctx, n.Engine().PrimaryAddress(), protocol.NewRequest(n.Codes().Stats, "", nil, 0, 0))
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, resp.DecodeBody(codec.NewRegistry(), &stats))
	require.Equal(t, n.Config().NodeID, stats["node_id"])
	require.Equal(t, n.Engine().PrimaryAddress(), stats["address"])
	require.Equal(t, float64(1), stats["coord"].(map[string]any)["nodes"])
	require.NotEmpty(t, stats["pools"])
}

func TestNodeUnknownRole(t *testing.T) {
	n := New(testConfig(t, config.AppConfig{Name: "x", Role: "nope", Pool: config.DefaultPool}))
	err := n.Start(context.Background(), mem.NewIsolated())
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestRandom64(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := Random64(10, 12)
		require.GreaterOrEqual(t, v, uint64(10))
		require.LessOrEqual(t, v, uint64(12))
	}
	require.Equal(t, uint64(7), Random64(7, 7))
	v := Random64(20, 5)
	require.True(t, v >= 5 && v <= 20)
	_ = Random64(0, ^uint64(0))

	a := NowNS()
	time.Sleep(time.Millisecond)
	require.Greater(t, NowNS(), a)
}
