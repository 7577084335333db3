package agent

import (
	"sort"
	"strings"
)

// Mode 表示一次流水线声明的执行环境。
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeMobile Mode = "mobile"
	ModeLAN    Mode = "lan"
	ModeCI     Mode = "ci"
)

// AllModes 返回全部受支持的模式，顺序固定。
func AllModes() []Mode {
	return []Mode{ModeLocal, ModeMobile, ModeLAN, ModeCI}
}

// ParseMode 解析模式名称，大小写不敏感。
func ParseMode(raw string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	return m, m.Valid()
}

// Valid 判断模式是否属于固定枚举。
func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeMobile, ModeLAN, ModeCI:
		return true
	default:
		return false
	}
}

func (m Mode) String() string { return string(m) }

// ModeSet 是无序的模式集合。
type ModeSet map[Mode]struct{}

// NewModeSet 构造集合，忽略非法值。
func NewModeSet(modes ...Mode) ModeSet {
	set := make(ModeSet, len(modes))
	for _, m := range modes {
		if m.Valid() {
			set[m] = struct{}{}
		}
	}
	return set
}

// Has 判断集合是否包含给定模式。
func (s ModeSet) Has(m Mode) bool {
	_, ok := s[m]
	return ok
}

// Intersect 返回两个集合的交集。
func (s ModeSet) Intersect(other ModeSet) ModeSet {
	out := make(ModeSet)
	for m := range s {
		if other.Has(m) {
			out[m] = struct{}{}
		}
	}
	return out
}

// Sorted 按名称排序返回集合内容。
func (s ModeSet) Sorted() []Mode {
	out := make([]Mode, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExecutionContext 是一次流水线运行的不可变上下文。
type ExecutionContext struct {
	Mode  Mode   `json:"mode"`
	Actor string `json:"actor"`
	// IP 为可选的来源地址。
	IP string `json:"ip,omitempty"`
}
