package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NUCLEUS_CONFIG", "")
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pools[0].Name != DefaultPool {
		t.Fatalf("default pool missing: %+v", cfg.Pools)
	}
	if !strings.HasPrefix(cfg.NodeID, "node-") {
		t.Fatalf("node id: %q", cfg.NodeID)
	}
	if cfg.RPC.Parser != "frame" || cfg.RPC.DefaultTimeoutMS != 5000 {
		t.Fatalf("rpc defaults: %+v", cfg.RPC)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	data := `
app_name: meta
log:
  level: debug
pools:
  - name: THREAD_POOL_REPLICATION
    workers: 3
    partitioned: true
rpc:
  parser: CBOR
apps:
  - role: meta_server
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppName != "meta" || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Pools) != 2 || cfg.Pools[0].Name != DefaultPool {
		t.Fatalf("pools: %+v", cfg.Pools)
	}
	if p := cfg.Pools[1]; !p.Partitioned || p.Workers != 3 {
		t.Fatalf("replication pool: %+v", p)
	}
	if cfg.RPC.Parser != "cbor" {
		t.Fatalf("parser not normalised: %q", cfg.RPC.Parser)
	}
	if a := cfg.Apps[0]; a.Name != "meta_server" || a.Pool != DefaultPool {
		t.Fatalf("app defaults: %+v", a)
	}
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	if err := cfg.validate(); err == nil {
		t.Fatal("expected log level error")
	}

	cfg = Default()
	cfg.Pools = append(cfg.Pools, PoolConfig{Name: DefaultPool})
	if err := cfg.validate(); err == nil {
		t.Fatal("expected duplicate pool error")
	}

	cfg = Default()
	cfg.RPC.Parser = "xml"
	if err := cfg.validate(); err == nil {
		t.Fatal("expected parser error")
	}
}

func TestSectionsOrderAndTypes(t *testing.T) {
	s, err := ParseSections(`
[replication]
zeta = "z"
alpha = 3
ratio = 0.5
enabled = true

[replication.sub]
depth = 2

[empty]
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := strings.Join(s.GetAllKeys("replication"), ",")
	if got != "zeta,alpha,ratio,enabled,sub.depth" {
		t.Fatalf("key order: %s", got)
	}
	if s.GetString("replication", "zeta", "") != "z" {
		t.Fatal("string")
	}
	if s.GetUint64("replication", "alpha", 0) != 3 {
		t.Fatal("uint64")
	}
	if s.GetDouble("replication", "ratio", 0) != 0.5 {
		t.Fatal("double")
	}
	if s.GetDouble("replication", "alpha", 0) != 3 {
		t.Fatal("int as double")
	}
	if !s.GetBool("replication", "enabled", false) {
		t.Fatal("bool")
	}
	if s.GetUint64("replication", "sub.depth", 0) != 2 {
		t.Fatal("nested")
	}
	if s.GetString("nope", "k", "def") != "def" {
		t.Fatal("default")
	}
	if len(s.GetAllKeys("empty")) != 0 {
		t.Fatal("empty section")
	}

	s.Set("replication", "added", "x")
	keys := s.GetAllKeys("replication")
	if keys[len(keys)-1] != "added" {
		t.Fatalf("set order: %v", keys)
	}
}

func TestViperProvider(t *testing.T) {
	v := viper.New()
	v.Set("core.b", "2")
	v.Set("core.a", true)
	p := ViperProvider{V: v}
	if !p.GetBool("core", "a", false) {
		t.Fatal("bool")
	}
	if p.GetUint64("core", "b", 0) != 2 {
		t.Fatal("uint")
	}
	if p.GetString("core", "missing", "d") != "d" {
		t.Fatal("default")
	}
	if got := strings.Join(p.GetAllKeys("core"), ","); got != "a,b" {
		t.Fatalf("keys: %s", got)
	}
	var _ Provider = p
	var _ Provider = (*Sections)(nil)
}
