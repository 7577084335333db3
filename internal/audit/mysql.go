package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"BSM-Orchestrator/internal/storage/mysql"
)

// MySQLSink 把事件追加到 audit_events 表。
type MySQLSink struct {
	repo *mysql.AuditRepository
	db   *sql.DB
}

// OpenMySQLSink 建立连接池并执行迁移。
func OpenMySQLSink(ctx context.Context, cfg mysql.Config) (*MySQLSink, error) {
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := mysql.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("执行审计表迁移失败: %w", err)
	}
	return NewMySQLSink(db), nil
}

// NewMySQLSink 基于已迁移的连接池创建 Sink。
func NewMySQLSink(db *sql.DB) *MySQLSink {
	return &MySQLSink{repo: mysql.NewAuditRepository(db), db: db}
}

// Name 实现 Sink。
func (s *MySQLSink) Name() string { return "mysql" }

// Record 实现 Sink。
func (s *MySQLSink) Record(ctx context.Context, event Event) error {
	event.fill()
	var detail []byte
	if len(event.Detail) > 0 {
		raw, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("序列化审计详情失败: %w", err)
		}
		detail = raw
	}
	return s.repo.Insert(ctx, mysql.AuditRow{
		EventID:    event.ID,
		RunID:      event.RunID,
		Seq:        event.Seq,
		Kind:       string(event.Kind),
		Actor:      event.Actor,
		OccurredAt: event.Timestamp.UnixMilli(),
		Detail:     detail,
	})
}

// Read 实现 Reader。
func (s *MySQLSink) Read(ctx context.Context, filter Filter) ([]Event, error) {
	rows, err := s.repo.List(ctx, mysql.AuditQuery{
		Kind:   string(filter.Kind),
		RunID:  filter.RunID,
		Limit:  filter.limit(),
		Offset: filter.Offset,
	})
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		e := Event{
			ID:        row.EventID,
			RunID:     row.RunID,
			Seq:       row.Seq,
			Kind:      Kind(row.Kind),
			Actor:     row.Actor,
			Timestamp: time.UnixMilli(row.OccurredAt).UTC(),
		}
		if len(row.Detail) > 0 {
			if err := json.Unmarshal(row.Detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("解析审计详情失败: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, nil
}

// Stats 实现 Reader。
func (s *MySQLSink) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.CountByKind(ctx)
	if err != nil {
		return Stats{}, err
	}
	runs, err := s.repo.CountRuns(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByKind: make(map[Kind]int, len(counts)), Runs: runs}
	for kind, n := range counts {
		st.ByKind[Kind(kind)] = n
		st.Total += n
	}
	return st, nil
}

// Close 实现 Closer。
func (s *MySQLSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
