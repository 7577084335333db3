package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"BSM-Orchestrator/deploy/migrations"
	"BSM-Orchestrator/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

const (
	createVersionTableSQL = `CREATE TABLE IF NOT EXISTS bsm_schema_versions (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version FROM bsm_schema_versions`
	insertVersionSQL  = `INSERT INTO bsm_schema_versions (version, name, applied_at) VALUES (?, ?, ?)`
)

// migration 是一个版本的全部语句，版本取自文件名中第一个下划线之前的部分。
type migration struct {
	version    string
	name       string
	statements []string
}

// RunMigrations 执行内嵌的审计表迁移，返回本次新应用的版本。
// 每个版本在独立事务中执行，失败的版本不会被记录，下次启动重试。
func RunMigrations(ctx context.Context, db *sql.DB) ([]string, error) {
	return applyMigrations(ctx, db, embeddedMigrations)
}

func applyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	pending, err := loadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, createVersionTableSQL); err != nil {
		return nil, fmt.Errorf("创建 bsm_schema_versions 表失败: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	log := logger.Named("storage")
	var done []string
	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return done, err
		}
		log.Info("已应用数据库迁移", slog.String("version", m.version), slog.String("name", m.name))
		done = append(done, m.version)
	}
	return done, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询已应用的迁移失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析迁移版本失败: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历迁移版本失败: %w", err)
	}
	return applied, nil
}

func (m migration) apply(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移 %s 事务失败: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, insertVersionSQL, m.version, m.name, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录迁移 %s 失败: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", m.version, err)
	}
	return nil
}

// loadMigrations 读取根目录下的 .sql 文件并按版本排序。同一版本出现两次视为错误。
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	seen := make(map[string]string, len(entries))
	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		version, _, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("迁移文件名缺少版本前缀: %s", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{version: version, name: name, statements: statements})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitSQLStatements 去掉整行 "--" 注释后按分号切分。
func splitSQLStatements(content string) []string {
	var body strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
