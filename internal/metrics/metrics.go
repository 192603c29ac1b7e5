package metrics

import (
	"sync"
	"sync/atomic"
)

// 指派状态迁移种类
const (
	TransitionCreated     = "created"
	TransitionTransferred = "transferred"
	TransitionEscalated   = "escalated"
	TransitionCompleted   = "completed"
	TransitionAutoAssign  = "auto_assigned"
	TransitionAutoMiss    = "auto_assign_miss"
)

// counterSet 一组按 key 计数的线程安全计数器
type counterSet struct {
	total uint64
	mu    sync.Mutex
	byKey map[string]uint64
}

func (c *counterSet) inc(key string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byKey == nil {
		c.byKey = make(map[string]uint64)
	}
	c.byKey[key]++
	c.mu.Unlock()
}

func (c *counterSet) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byKey))
	for k, v := range c.byKey {
		by[k] = v
	}
	return total, by
}

var (
	transitions   counterSet
	notifyFailure counterSet
)

// IncAssignmentTransition 记录一次指派状态迁移
func IncAssignmentTransition(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	transitions.inc(kind)
}

// IncNotificationFailure 记录一次推送失败，event 为事件名
func IncNotificationFailure(event string) {
	if event == "" {
		event = "unknown"
	}
	notifyFailure.inc(event)
}

// Snapshot 指标快照
type Snapshot struct {
	Transitions          uint64            `json:"transitions"`
	TransitionsByKind    map[string]uint64 `json:"transitions_by_kind"`
	NotificationFailures uint64            `json:"notification_failures"`
	FailuresByEvent      map[string]uint64 `json:"notification_failures_by_event"`
}

// TakeSnapshot 返回当前计数的副本
func TakeSnapshot() Snapshot {
	var s Snapshot
	s.Transitions, s.TransitionsByKind = transitions.snapshot()
	s.NotificationFailures, s.FailuresByEvent = notifyFailure.snapshot()
	return s
}

// Reset 清零，仅测试使用
func Reset() {
	transitions = counterSet{}
	notifyFailure = counterSet{}
}
