// Package node assembles a runnable process: it registers the configured
// pools and built-in task codes, lets callers add their own codes and app
// roles, and then starts the scheduler, rpc engine, disk, file copy service,
// coordination service and the configured apps.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nucleus/pkg/aio"
	"nucleus/pkg/config"
	"nucleus/pkg/coord"
	"nucleus/pkg/memkv"
	"nucleus/pkg/protocol"
	"nucleus/pkg/protocol/codec"
	"nucleus/pkg/registry"
	"nucleus/pkg/rpc"
	"nucleus/pkg/task"
	"nucleus/pkg/transport"
	"nucleus/pkg/transports"
)

var (
	ErrStarted     = errors.New("node: already started")
	ErrUnknownRole = errors.New("node: unknown app role")
)

// Codes are the task codes every node registers.
type Codes struct {
	AIODone    registry.TaskCode
	NFS        aio.NFSCodes
	CoordWatch registry.TaskCode
	Stats      registry.TaskCode
}

// AppRole is a kind of application a node can host. Create builds an
// instance, Start runs it with its configured args and Destroy tears it
// down; cleanup is true when the node asks the app to drop its state.
type AppRole struct {
	Create  func(env *Env) (any, error)
	Start   func(ctx context.Context, app any, args []string) error
	Destroy func(app any, cleanup bool) error
}

// Env is what an app sees of its hosting node.
type Env struct {
	Name     string
	Pool     registry.PoolCode
	Node     *Node
	Sections config.Provider
}

type runningApp struct {
	cfg  config.AppConfig
	role AppRole
	app  any
}

type Node struct {
	cfg     *config.Config
	builder *registry.Builder
	rpcPool registry.PoolCode
	codes   Codes

	mu      sync.Mutex
	roles   map[string]AppRole
	started bool
	stopped bool

	table    *registry.Table
	sched    *task.Scheduler
	engine   *rpc.Engine
	disk     *aio.FileDisk
	nfs      *aio.NFS
	store    *memkv.Store
	coord    *coord.MemService
	sections config.Provider
	apps     []*runningApp
}

// New registers the configured pools and the built-in codes.
func New(cfg *config.Config) *Node {
	b := registry.NewBuilder()
	for _, p := range cfg.Pools {
		b.RegisterPool(p.Name)
	}
	for _, a := range cfg.Apps {
		b.RegisterPool(a.Pool)
	}
	disk := b.RegisterPool(cfg.Disk.Pool)
	def := b.RegisterPool(config.DefaultPool)
	rpcPool := b.RegisterPool(cfg.RPC.Pool)
	stats, _ := b.RegisterRPC("RPC_NODE_STATS", registry.PriorityHigh, rpcPool)
	return &Node{
		cfg:     cfg,
		builder: b,
		rpcPool: rpcPool,
		roles:   make(map[string]AppRole),
		codes: Codes{
			AIODone:    b.RegisterTask("LPC_AIO_DONE", registry.KindAIO, registry.PriorityCommon, disk),
			NFS:        aio.RegisterNFS(b, disk),
			CoordWatch: b.RegisterTask("LPC_COORD_WATCH", registry.KindCompute, registry.PriorityCommon, def),
			Stats:      stats,
		},
	}
}

// Builder is open for registrations until Start.
func (n *Node) Builder() *registry.Builder { return n.builder }

func (n *Node) Codes() Codes { return n.codes }

// RPCPool is the configured rpc pool, for codes that need no dedicated one.
func (n *Node) RPCPool() registry.PoolCode { return n.rpcPool }

// RegisterRole makes a role available to the apps section of the config.
func (n *Node) RegisterRole(name string, r AppRole) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrStarted
	}
	if _, dup := n.roles[name]; dup {
		return fmt.Errorf("node: role %q already registered", name)
	}
	if r.Create == nil {
		return fmt.Errorf("node: role %q has no Create", name)
	}
	n.roles[name] = r
	return nil
}

func (n *Node) Table() *registry.Table     { return n.table }
func (n *Node) Scheduler() *task.Scheduler { return n.sched }
func (n *Node) Engine() *rpc.Engine        { return n.engine }
func (n *Node) Disk() aio.Disk             { return n.disk }
func (n *Node) Copier() aio.RemoteCopier   { return n.nfs }
func (n *Node) Coord() coord.Service       { return n.coord }
func (n *Node) Config() *config.Config     { return n.cfg }
func (n *Node) Sections() config.Provider  { return n.sections }
func (n *Node) NewTracker() *task.Tracker  { return task.NewTracker(n.cfg.Tracker.Buckets) }

// Start seals the registry and brings every service up. A nil tr selects
// the first configured transport. Apps are created in config order and
// started concurrently; the first failing app stops the node.
func (n *Node) Start(ctx context.Context, tr transport.Transport) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrStarted
	}
	n.started = true
	n.mu.Unlock()

	if err := n.startServices(ctx, tr); err != nil {
		n.Stop()
		return err
	}
	if err := n.startApps(ctx); err != nil {
		n.Stop()
		return err
	}
	zap.L().Info("node started",
		zap.String("node_id", n.cfg.NodeID),
		zap.String("address", n.engine.PrimaryAddress()),
		zap.Int("apps", len(n.apps)))
	return nil
}

func (n *Node) startServices(ctx context.Context, tr transport.Transport) error {
	n.table = n.builder.Seal()
	sched, err := task.NewScheduler(n.table, n.cfg.Pools)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	n.sched = sched
	sched.Start()

	opts, err := n.engineOptions(tr)
	if err != nil {
		return err
	}
	if n.engine, err = rpc.NewEngine(n.table, sched, opts); err != nil {
		return err
	}
	if err := n.engine.Start(ctx); err != nil {
		return err
	}

	if err := os.MkdirAll(n.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	n.disk = aio.NewFileDisk(aio.DefaultMaxInflight)
	n.nfs = aio.NewNFS(n.engine, n.codes.NFS, n.cfg.DataDir)
	if err := n.nfs.Serve(); err != nil {
		return err
	}
	n.store = memkv.New(memkv.Options{})
	n.coord = coord.NewMemService(n.store, sched, n.codes.CoordWatch)
	n.engine.MustRegisterHandler(n.codes.Stats, "", n.serveStats(codec.NewRegistry()), nil)

	if n.cfg.SectionsFile != "" {
		if n.sections, err = config.LoadSections(n.cfg.SectionsFile); err != nil {
			return err
		}
	} else if n.sections, err = config.ParseSections(""); err != nil {
		return err
	}
	return nil
}

// engineOptions picks the first configured transport unless tr is given.
func (n *Node) engineOptions(tr transport.Transport) (rpc.Options, error) {
	var tc config.TransportConfig
	if len(n.cfg.Transports) > 0 {
		tc = n.cfg.Transports[0]
		if len(n.cfg.Transports) > 1 {
			zap.L().Warn("only the first transport serves rpc", zap.String("kind", tc.Kind), zap.Int("configured", len(n.cfg.Transports)))
		}
	}
	if tr == nil {
		kind := tc.Kind
		if kind == "" {
			kind = "mem"
		}
		var err error
		if tr, err = transports.NewByKind(kind); err != nil {
			return rpc.Options{}, err
		}
	}
	parser, err := protocol.NewParserFactory(n.cfg.RPC.Parser, n.cfg.RPC.MaxMessageBytes)
	if err != nil {
		return rpc.Options{}, err
	}
	return rpc.Options{
		Transport:      tr,
		Listen:         tc.Listen,
		Parser:         parser,
		DefaultTimeout: time.Duration(n.cfg.RPC.DefaultTimeoutMS) * time.Millisecond,
		DialTimeout:    time.Duration(n.cfg.RPC.DialTimeoutMS) * time.Millisecond,
		TrackerBuckets: n.cfg.Tracker.Buckets,
	}, nil
}

func (n *Node) startApps(ctx context.Context) error {
	n.mu.Lock()
	roles := n.roles
	n.mu.Unlock()
	for _, ac := range n.cfg.Apps {
		role, ok := roles[ac.Role]
		if !ok {
			return fmt.Errorf("%w: %s (app %s)", ErrUnknownRole, ac.Role, ac.Name)
		}
		app, err := role.Create(&Env{
			Name:     ac.Name,
			Pool:     n.table.PoolFromString(ac.Pool, 0),
			Node:     n,
			Sections: n.sections,
		})
		if err != nil {
			return fmt.Errorf("create app %s: %w", ac.Name, err)
		}
		n.apps = append(n.apps, &runningApp{cfg: ac, role: role, app: app})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range n.apps {
		if a.role.Start == nil {
			continue
		}
		g.Go(func() error {
			if err := a.role.Start(gctx, a.app, a.cfg.Args); err != nil {
				return fmt.Errorf("start app %s: %w", a.cfg.Name, err)
			}
			zap.L().Info("app started", zap.String("app", a.cfg.Name), zap.String("role", a.cfg.Role))
			return nil
		})
	}
	return g.Wait()
}

// Stop destroys apps in reverse creation order and stops every service.
// It is safe to call more than once.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	apps := n.apps
	n.apps = nil
	n.mu.Unlock()

	for i := len(apps) - 1; i >= 0; i-- {
		a := apps[i]
		if a.role.Destroy == nil {
			continue
		}
		if err := a.role.Destroy(a.app, false); err != nil {
			zap.L().Warn("destroy app", zap.String("app", a.cfg.Name), zap.Error(err))
		}
	}
	if n.nfs != nil {
		n.nfs.Stop()
	}
	if n.engine != nil {
		n.engine.Stop()
	}
	if n.disk != nil {
		n.disk.Wait()
	}
	if n.sched != nil {
		n.sched.Stop()
	}
	zap.L().Info("node stopped", zap.String("node_id", n.cfg.NodeID))
}
