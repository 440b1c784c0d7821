// Package coord is a ZooKeeper-style coordination contract: callers fill a
// Visitor with one operation and hand it to a Service together with a
// compute task that is queued once the visitor holds the result.
package coord

import (
	"fmt"
	"time"

	"nucleus/pkg/registry"
	"nucleus/pkg/task"
)

// Handle identifies a connected session. The zero Handle is never valid.
type Handle uint64

// Op is the operation a Visitor carries.
type Op uint8

const (
	OpNone Op = iota
	OpCreate
	OpDelete
	OpSet
	OpGet
	OpGetChildren
	OpExists
	OpWatchNode
	OpWatchDir
)

var opNames = [...]string{"none", "create", "delete", "set", "get", "get_children", "exists", "watch_node", "watch_dir"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// CreateFlags modify OpCreate.
type CreateFlags uint8

const (
	// Ephemeral nodes are deleted when the creating session disconnects.
	Ephemeral CreateFlags = 1 << iota
	// Sequential appends a zero-padded counter to the node name.
	Sequential
)

// EventType classifies watch notifications.
type EventType uint8

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventChanged
	EventChildren
)

func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventChanged:
		return "changed"
	case EventChildren:
		return "children"
	}
	return "unknown"
}

// Event is delivered once per registered watch.
type Event struct {
	Type EventType
	Path string
}

// WatchFunc runs as a compute task when a watch fires.
type WatchFunc func(ev Event)

// Visitor is one request and, after completion, its result.
type Visitor struct {
	Op      Op
	Path    string
	Data    []byte
	Flags   CreateFlags
	Version int64 // expected version for set and delete; -1 skips the check
	Watch   WatchFunc

	Err      registry.ErrorCode
	Created  string // actual path of a sequential create
	Value    []byte
	Stat     int64 // node version after get, set or exists
	Children []string
	Exists   bool
}

func (v *Visitor) reset(op Op, path string) *Visitor {
	*v = Visitor{Op: op, Path: path, Version: -1}
	return v
}

func (v *Visitor) Create(path string, flags CreateFlags, data []byte) *Visitor {
	v.reset(OpCreate, path)
	v.Flags, v.Data = flags, data
	return v
}

func (v *Visitor) Delete(path string) *Visitor { return v.reset(OpDelete, path) }

func (v *Visitor) Set(path string, data []byte) *Visitor {
	v.reset(OpSet, path)
	v.Data = data
	return v
}

func (v *Visitor) Get(path string) *Visitor         { return v.reset(OpGet, path) }
func (v *Visitor) GetChildren(path string) *Visitor { return v.reset(OpGetChildren, path) }
func (v *Visitor) Exist(path string) *Visitor       { return v.reset(OpExists, path) }

// AddWatch watches path itself (node) or its child list (dir).
func (v *Visitor) AddWatch(path string, node bool, fn WatchFunc) *Visitor {
	op := OpWatchDir
	if node {
		op = OpWatchNode
	}
	v.reset(op, path)
	v.Watch = fn
	return v
}

// WithVersion sets the expected version of a set or delete.
func (v *Visitor) WithVersion(version int64) *Visitor {
	v.Version = version
	return v
}

// Service is a coordination backend.
type Service interface {
	Connect(hosts string, timeout time.Duration) (Handle, error)
	Disconnect(h Handle)
	// AsyncVisit executes v and then enqueues t with the optional tracker.
	// The result is read from v inside t's callback. A non-OK return means
	// nothing was executed and t was not queued.
	AsyncVisit(h Handle, v *Visitor, t *task.Task, tr *task.Tracker) registry.ErrorCode
}
