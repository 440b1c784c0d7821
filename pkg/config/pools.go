package config

import (
	"fmt"
	"strings"
)

// DefaultPool is the pool every node declares even when the config omits it.
const DefaultPool = "THREAD_POOL_DEFAULT"

// PoolConfig declares one thread pool.
//
//	pools:
//	  - name: THREAD_POOL_DEFAULT
//	    workers: 4
//	  - name: THREAD_POOL_REPLICATION
//	    workers: 8
//	    partitioned: true
type PoolConfig struct {
	Name    string `mapstructure:"name"`
	Workers int    `mapstructure:"workers"`
	// Partitioned gives every worker its own queue; a task runs on worker hash % workers.
	Partitioned bool `mapstructure:"partitioned"`
	// MaxTasksPerSecond throttles dequeues when > 0.
	MaxTasksPerSecond int `mapstructure:"max_tasks_per_second"`
}

func (c *Config) validatePools() error {
	seen := make(map[string]bool, len(c.Pools))
	for i := range c.Pools {
		p := &c.Pools[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return fmt.Errorf("pools[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pools[%d]: duplicate pool %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Workers <= 0 {
			p.Workers = 1
		}
	}
	if !seen[DefaultPool] {
		c.Pools = append([]PoolConfig{{Name: DefaultPool, Workers: 4}}, c.Pools...)
	}
	return nil
}
