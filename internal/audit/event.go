package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind 表示审计事件类型。
type Kind string

// 审计事件类型
const (
	KindPipelineStart      Kind = "pipeline-start"
	KindAgentRun           Kind = "agent-run"
	KindPipelineEnd        Kind = "pipeline-end"
	KindModeDenied         Kind = "mode-denied"
	KindApprovalDenied     Kind = "approval-denied"
	KindPolicyDenied       Kind = "policy-denied"
	KindAgentNotFound      Kind = "agent-not-found"
	KindAgentMisconfigured Kind = "agent-misconfigured"
	KindAgentFailed        Kind = "agent-failed"
	KindPipelineFailed     Kind = "pipeline-failed"
)

// Event 是一条不可变的审计记录。Seq 为同一 RunID 内的发出序号，从 1 开始。
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Kind      Kind           `json:"kind"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewEvent 构造事件并填充 ID 与时间戳。
func NewEvent(kind Kind, actor string, detail map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
}

func (e *Event) fill() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Filter 描述事件查询条件。
type Filter struct {
	Kind   Kind
	RunID  string
	Limit  int
	Offset int
}

// DefaultLimit 为未指定 Limit 时返回的最大条数。
const DefaultLimit = 100

func (f Filter) match(e Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	return true
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

// Stats 汇总已记录的事件。
type Stats struct {
	Total  int          `json:"total"`
	ByKind map[Kind]int `json:"by_kind"`
	Runs   int          `json:"runs"`
	Last   *time.Time   `json:"last_event_at,omitempty"`
}

// page 从按写入顺序排列的事件中取出过滤后的分页结果。
func page(events []Event, f Filter) []Event {
	out := make([]Event, 0)
	skipped := 0
	for _, e := range events {
		if !f.match(e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if len(out) >= f.limit() {
			break
		}
	}
	return out
}

func summarize(events []Event) Stats {
	st := Stats{ByKind: make(map[Kind]int)}
	runs := make(map[string]struct{})
	for i := range events {
		e := events[i]
		st.Total++
		st.ByKind[e.Kind]++
		if e.RunID != "" {
			runs[e.RunID] = struct{}{}
		}
		if st.Last == nil || e.Timestamp.After(*st.Last) {
			ts := e.Timestamp
			st.Last = &ts
		}
	}
	st.Runs = len(runs)
	return st
}
