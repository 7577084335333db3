package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
)

var auditColumns = []string{"event_id", "run_id", "seq", "kind", "actor", "occurred_at", "detail"}

func TestAuditRepositoryInsert(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertAuditSQL, mockResult{lastInsertID: 1, rowsAffected: 1},
			"e-1", "run-1", int64(1), "pipeline-start", "u1", int64(1700000000000), []byte(`{"mode":"local"}`)),
		execOp(insertAuditSQL, mockResult{rowsAffected: 1},
			"e-2", "", int64(0), "agent-run", "u1", int64(1700000000001), nil),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := NewAuditRepository(db)
	ctx := context.Background()
	if err := repo.Insert(ctx, AuditRow{EventID: "e-1", RunID: "run-1", Seq: 1, Kind: "pipeline-start", Actor: "u1", OccurredAt: 1700000000000, Detail: []byte(`{"mode":"local"}`)}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := repo.Insert(ctx, AuditRow{EventID: "e-2", Kind: "agent-run", Actor: "u1", OccurredAt: 1700000000001}); err != nil {
		t.Fatalf("insert without detail failed: %v", err)
	}
}

func TestAuditRepositoryInsertError(t *testing.T) {
	t.Parallel()

	op := execOp(insertAuditSQL, mockResult{})
	op.err = errors.New("disk full")
	db, drv := newMockDB(t, []mockOperation{op})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := NewAuditRepository(db).Insert(context.Background(), AuditRow{EventID: "e", Kind: "k"}); err == nil {
		t.Fatalf("expected insert error")
	}
}

func TestAuditRepositoryList(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT event_id, run_id, seq, kind, actor, occurred_at, detail FROM audit_events WHERE kind = ? AND run_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
			mockRowsData{columns: auditColumns, values: [][]driver.Value{
				{"e-1", "run-1", int64(2), "agent-run", "u1", int64(10), []byte(`{"agent_id":"a1"}`)},
			}},
			"agent-run", "run-1", int64(5), int64(0)),
		queryOp(`SELECT event_id, run_id, seq, kind, actor, occurred_at, detail FROM audit_events ORDER BY id ASC LIMIT ? OFFSET ?`,
			mockRowsData{columns: auditColumns, values: [][]driver.Value{
				{"e-1", "run-1", int64(1), "pipeline-start", "u1", int64(9), nil},
				{"e-2", "run-1", int64(2), "agent-run", "u1", int64(10), nil},
			}},
			int64(100), int64(3)),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := NewAuditRepository(db)
	ctx := context.Background()

	rows, err := repo.List(ctx, AuditQuery{Kind: "agent-run", RunID: "run-1", Limit: 5})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Seq != 2 || string(rows[0].Detail) != `{"agent_id":"a1"}` {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	rows, err = repo.List(ctx, AuditQuery{Offset: 3})
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(rows) != 2 || rows[0].Detail != nil {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestAuditRepositoryCounts(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT kind, COUNT(*) FROM audit_events GROUP BY kind`, mockRowsData{
			columns: []string{"kind", "count"},
			values: [][]driver.Value{
				{"pipeline-start", int64(2)},
				{"agent-run", int64(3)},
			},
		}),
		queryOp(`SELECT COUNT(DISTINCT run_id) FROM audit_events WHERE run_id <> ''`, mockRowsData{
			columns: []string{"count"},
			values:  [][]driver.Value{{int64(2)}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := NewAuditRepository(db)
	counts, err := repo.CountByKind(context.Background())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts["agent-run"] != 3 || counts["pipeline-start"] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	runs, err := repo.CountRuns(context.Background())
	if err != nil || runs != 2 {
		t.Fatalf("unexpected runs: %d %v", runs, err)
	}
}
