package registry

import (
	"sort"
	"strings"
	"time"
)

// Status 表示 Agent 在生命周期中的状态。
type Status string

const (
	StatusOnline    Status = "online"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusSuspended Status = "suspended"
)

// Capability 是 Agent 声明的能力，取值来自固定词表。
type Capability string

const (
	CapabilityRelay   Capability = "relay"
	CapabilityCompute Capability = "compute"
	CapabilityVerify  Capability = "verify"
	CapabilityStorage Capability = "storage"
	CapabilityGPU     Capability = "gpu"
)

var vocabulary = map[Capability]struct{}{
	CapabilityRelay:   {},
	CapabilityCompute: {},
	CapabilityVerify:  {},
	CapabilityStorage: {},
	CapabilityGPU:     {},
}

// IsKnownCapability 判断能力是否属于固定词表。
func IsKnownCapability(c Capability) bool {
	_, ok := vocabulary[c]
	return ok
}

// CapabilitySet 是去重后的能力集合。
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet 把能力列表规范化为集合，大小写与空白不敏感。未知能力会原样保留，由调用方校验。
func NewCapabilitySet(items ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(items))
	for _, item := range items {
		normalized := Capability(strings.ToLower(strings.TrimSpace(string(item))))
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}
	return set
}

// ParseCapabilities 与 NewCapabilitySet 相同，但接受字符串。
func ParseCapabilities(items []string) CapabilitySet {
	caps := make([]Capability, 0, len(items))
	for _, item := range items {
		caps = append(caps, Capability(item))
	}
	return NewCapabilitySet(caps...)
}

// Unknown 返回不在词表中的能力。
func (s CapabilitySet) Unknown() []Capability {
	var unknown []Capability
	for c := range s {
		if !IsKnownCapability(c) {
			unknown = append(unknown, c)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	return unknown
}

// Covers 判断 s 是否为 required 的超集。
func (s CapabilitySet) Covers(required CapabilitySet) bool {
	for c := range required {
		if _, ok := s[c]; !ok {
			return false
		}
	}
	return true
}

// Slice 返回排序后的能力列表。
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Key 返回集合的规范字符串，可用作 map 键。
func (s CapabilitySet) Key() string {
	parts := make([]string, 0, len(s))
	for _, c := range s.Slice() {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

// Clone 返回集合副本。
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Limits 是 Agent 声明的资源上限。
type Limits struct {
	MaxCPUPercent    int   `json:"max_cpu_percent"`
	MaxBandwidthKbps int64 `json:"max_bandwidth_kbps"`
	MaxDailyBytes    int64 `json:"max_daily_bytes"`
}

// Metrics 是 Agent 上报的累计指标。
type Metrics struct {
	BytesRelayed  int64 `json:"bytes_relayed"`
	SecondsActive int64 `json:"seconds_active"`
	Earnings      int64 `json:"earnings"`
}

// Agent 描述一个已知的远程工作节点。
type Agent struct {
	ID             string        `json:"id"`
	Capabilities   CapabilitySet `json:"-"`
	Limits         Limits        `json:"limits"`
	Status         Status        `json:"status"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
	Metrics        Metrics       `json:"metrics"`
	JobID          string        `json:"job_id,omitempty"`
	LastAssignedAt time.Time     `json:"last_assigned_at,omitempty"`
	Assignments    int64         `json:"assignments"`
	Reputation     float64       `json:"reputation"`
	SuspendReason  string        `json:"suspend_reason,omitempty"`
	Wallet         string        `json:"wallet,omitempty"`
	RegisteredAt   time.Time     `json:"registered_at"`
	// CapabilityList 仅用于序列化。
	CapabilityList []Capability `json:"capabilities"`
}

// Available 判断 Agent 当前是否可被分配。
func (a *Agent) Available() bool {
	return a.Status == StatusOnline && a.JobID == ""
}

func cloneAgent(a *Agent) *Agent {
	clone := *a
	clone.Capabilities = a.Capabilities.Clone()
	clone.CapabilityList = a.Capabilities.Slice()
	return &clone
}

// Heartbeat 是 Agent 周期性上报的存活与指标信息。
type Heartbeat struct {
	AgentID      string
	Capabilities CapabilitySet
	Limits       Limits
	Metrics      Metrics
	Wallet       string
}

// Orphan 表示 Agent 失联时仍持有的任务，由调度器负责回收。
type Orphan struct {
	AgentID string
	JobID   string
	Reason  string
}

// Stats 聚合了各状态的 Agent 数量。
type Stats struct {
	Total     int `json:"total"`
	Online    int `json:"online"`
	Busy      int `json:"busy"`
	Offline   int `json:"offline"`
	Suspended int `json:"suspended"`
}
