// Package memkv is a thread-safe in-memory tree of versioned nodes keyed by
// slash paths ("/a/b"). Nodes live in a sharded map guarded by RW mutexes;
// every node indexes its children so listings do not scan the store.
package memkv

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrNotFound   = errors.New("memkv: node not found")
	ErrExists     = errors.New("memkv: node already exists")
	ErrNoParent   = errors.New("memkv: parent does not exist")
	ErrNotEmpty   = errors.New("memkv: node has children")
	ErrBadVersion = errors.New("memkv: version mismatch")
	ErrBadPath    = errors.New("memkv: invalid path")
)

// AnyVersion skips the version check of Set and Delete.
const AnyVersion int64 = -1

type Options struct {
	Shards int // number of shards (default 64)
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	return o
}

type Store struct {
	shards []shard

	mKeys   atomic.Int64
	mBytes  atomic.Int64
	mSets   atomic.Uint64
	mGets   atomic.Uint64
	mHits   atomic.Uint64
	mMisses atomic.Uint64
	mDels   atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type entry struct {
	val      []byte
	version  int64
	children map[string]struct{}
}

// Node is a copy of one stored node.
type Node struct {
	Path     string
	Value    []byte
	Version  int64
	Children int
}

// New returns a store holding only the root "/".
func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{shards: make([]shard, opts.Shards)}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.shardFor("/").m["/"] = &entry{children: map[string]struct{}{}}
	return s
}

func (s *Store) shardIndex(key string) int {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return int(h % uint64(len(s.shards)))
}

func (s *Store) shardFor(key string) *shard { return &s.shards[s.shardIndex(key)] }

// lockPair write-locks the shards of a and b in index order.
func (s *Store) lockPair(a, b string) (unlock func()) {
	i, j := s.shardIndex(a), s.shardIndex(b)
	if i == j {
		s.shards[i].mu.Lock()
		return s.shards[i].mu.Unlock
	}
	if i > j {
		i, j = j, i
	}
	s.shards[i].mu.Lock()
	s.shards[j].mu.Lock()
	return func() {
		s.shards[j].mu.Unlock()
		s.shards[i].mu.Unlock()
	}
}

// Clean validates p and returns its canonical form.
func Clean(p string) (string, error) {
	if p == "/" {
		return p, nil
	}
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrBadPath, p)
		}
	}
	return p, nil
}

// Parent returns the parent path of a clean non-root path.
func Parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// Base returns the last segment of a clean path.
func Base(p string) string { return p[strings.LastIndexByte(p, '/')+1:] }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Create adds p with val. The parent must exist.
func (s *Store) Create(p string, val []byte) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: /", ErrExists)
	}
	parent := Parent(p)
	unlock := s.lockPair(parent, p)
	defer unlock()
	pe := s.shardFor(parent).m[parent]
	if pe == nil {
		return fmt.Errorf("%w: %s", ErrNoParent, parent)
	}
	sh := s.shardFor(p)
	if _, ok := sh.m[p]; ok {
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	sh.m[p] = &entry{val: clone(val), children: map[string]struct{}{}}
	pe.children[Base(p)] = struct{}{}
	s.mKeys.Add(1)
	s.mBytes.Add(int64(len(val)))
	s.mSets.Add(1)
	return nil
}

// Delete removes a childless node whose version matches (or AnyVersion).
func (s *Store) Delete(p string, version int64) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: cannot delete /", ErrBadPath)
	}
	parent := Parent(p)
	unlock := s.lockPair(parent, p)
	defer unlock()
	sh := s.shardFor(p)
	e := sh.m[p]
	switch {
	case e == nil:
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	case version != AnyVersion && version != e.version:
		return fmt.Errorf("%w: %s at %d, want %d", ErrBadVersion, p, e.version, version)
	case len(e.children) > 0:
		return fmt.Errorf("%w: %s", ErrNotEmpty, p)
	}
	delete(sh.m, p)
	if pe := s.shardFor(parent).m[parent]; pe != nil {
		delete(pe.children, Base(p))
	}
	s.mKeys.Add(-1)
	s.mBytes.Add(-int64(len(e.val)))
	s.mDels.Add(1)
	return nil
}

// Set replaces the value of p and returns the new version.
func (s *Store) Set(p string, val []byte, version int64) (int64, error) {
	p, err := Clean(p)
	if err != nil {
		return 0, err
	}
	sh := s.shardFor(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.m[p]
	if e == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if version != AnyVersion && version != e.version {
		return e.version, fmt.Errorf("%w: %s at %d, want %d", ErrBadVersion, p, e.version, version)
	}
	s.mBytes.Add(int64(len(val) - len(e.val)))
	e.val = clone(val)
	e.version++
	s.mSets.Add(1)
	return e.version, nil
}

// Get returns a copy of p.
func (s *Store) Get(p string) (Node, error) {
	p, err := Clean(p)
	if err != nil {
		return Node{}, err
	}
	s.mGets.Add(1)
	sh := s.shardFor(p)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e := sh.m[p]
	if e == nil {
		s.mMisses.Add(1)
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	s.mHits.Add(1)
	return Node{Path: p, Value: clone(e.val), Version: e.version, Children: len(e.children)}, nil
}

func (s *Store) Exists(p string) bool {
	_, err := s.Get(p)
	return err == nil
}

// Children lists the child names of p in lexical order.
func (s *Store) Children(p string) ([]string, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}
	sh := s.shardFor(p)
	sh.mu.RLock()
	e := sh.m[p]
	if e == nil {
		sh.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	out := make([]string, 0, len(e.children))
	for c := range e.children {
		out = append(out, c)
	}
	sh.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// Stats is a snapshot of store counters; reading it takes no locks.
type Stats struct {
	Keys   int64
	Bytes  int64
	Sets   uint64
	Gets   uint64
	Hits   uint64
	Misses uint64
	Dels   uint64
}

func (s *Store) Metrics() Stats {
	return Stats{
		Keys:   s.mKeys.Load(),
		Bytes:  s.mBytes.Load(),
		Sets:   s.mSets.Load(),
		Gets:   s.mGets.Load(),
		Hits:   s.mHits.Load(),
		Misses: s.mMisses.Load(),
		Dels:   s.mDels.Load(),
	}
}
