package registry

import "fmt"

// TaskKind tags the task variant a code creates.
type TaskKind uint8

const (
	KindCompute TaskKind = iota
	KindTimer
	KindRPCRequest
	KindRPCResponse
	KindAIO
)

func (k TaskKind) String() string {
	switch k {
	case KindCompute:
		return "TASK_TYPE_COMPUTE"
	case KindTimer:
		return "TASK_TYPE_TIMER"
	case KindRPCRequest:
		return "TASK_TYPE_RPC_REQUEST"
	case KindRPCResponse:
		return "TASK_TYPE_RPC_RESPONSE"
	case KindAIO:
		return "TASK_TYPE_AIO"
	}
	return fmt.Sprintf("TASK_TYPE_%d", uint8(k))
}

// Priority orders tasks inside one queue; larger values run first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityCommon
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "TASK_PRIORITY_LOW"
	case PriorityCommon:
		return "TASK_PRIORITY_COMMON"
	case PriorityHigh:
		return "TASK_PRIORITY_HIGH"
	}
	return fmt.Sprintf("TASK_PRIORITY_%d", uint8(p))
}

// PoolCode identifies a thread pool.
type PoolCode int32

// PoolDefault is registered by every Builder as THREAD_POOL_DEFAULT.
const PoolDefault PoolCode = 0

// TaskCode identifies a registered unit-of-work type.
type TaskCode int32

// TaskCodeInvalid is reserved and never resolves to a spec.
const TaskCodeInvalid TaskCode = 0

// TaskSpec holds the static scheduling attributes of a task code.
type TaskSpec struct {
	Code     TaskCode
	Name     string
	Kind     TaskKind
	Priority Priority
	Pool     PoolCode
	// Paired links an rpc request code with its response code and back.
	Paired TaskCode
}
