package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// AuditRow 是 audit_events 表的一行。OccurredAt 为 Unix 毫秒。
type AuditRow struct {
	EventID    string
	RunID      string
	Seq        int64
	Kind       string
	Actor      string
	OccurredAt int64
	Detail     []byte
}

// AuditQuery 描述分页查询条件。
type AuditQuery struct {
	Kind   string
	RunID  string
	Limit  int
	Offset int
}

// AuditRepository 只追加写入审计事件，不提供修改与删除。
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository 基于已有连接池创建仓库。
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const insertAuditSQL = `INSERT INTO audit_events
    (event_id, run_id, seq, kind, actor, occurred_at, detail)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

// Insert 写入一条事件。
func (r *AuditRepository) Insert(ctx context.Context, row AuditRow) error {
	var detail any
	if len(row.Detail) > 0 {
		detail = row.Detail
	}
	if _, err := r.db.ExecContext(ctx, insertAuditSQL,
		row.EventID,
		row.RunID,
		row.Seq,
		row.Kind,
		row.Actor,
		row.OccurredAt,
		detail,
	); err != nil {
		return fmt.Errorf("写入审计事件失败: %w", err)
	}
	return nil
}

// List 按写入顺序返回匹配的事件。
func (r *AuditRepository) List(ctx context.Context, q AuditQuery) ([]AuditRow, error) {
	var (
		where []string
		args  []any
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var b strings.Builder
	b.WriteString(`SELECT event_id, run_id, seq, kind, actor, occurred_at, detail FROM audit_events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id ASC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("查询审计事件失败: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var detail sql.RawBytes
		if err := rows.Scan(&row.EventID, &row.RunID, &row.Seq, &row.Kind, &row.Actor, &row.OccurredAt, &detail); err != nil {
			return nil, fmt.Errorf("解析审计事件失败: %w", err)
		}
		if len(detail) > 0 {
			row.Detail = append([]byte(nil), detail...)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计事件失败: %w", err)
	}
	return out, nil
}

// CountByKind 返回各类型事件数量。
func (r *AuditRepository) CountByKind(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM audit_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("统计审计事件失败: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			kind  string
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("解析审计统计失败: %w", err)
		}
		counts[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计统计失败: %w", err)
	}
	return counts, nil
}

// CountRuns 返回出现过的 run 数量。
func (r *AuditRepository) CountRuns(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT run_id) FROM audit_events WHERE run_id <> ''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("统计审计 run 失败: %w", err)
	}
	return n, nil
}
