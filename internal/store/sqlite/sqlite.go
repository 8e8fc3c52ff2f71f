// Package sqlite 提供各引擎共享的sqlite连接和内嵌迁移
package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // 纯Go sqlite驱动
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// Open 打开sqlite数据库并应用迁移
// path传":memory:"时使用内存数据库，测试用
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path == ":memory:" {
		// 共享缓存让同一进程内的多个连接看到同一份内存数据库
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开sqlite数据库失败: %w", err)
	}

	// sqlite写入是单写者模型，限制连接数避免SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("设置sqlite参数失败: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// applyMigrations 按文件名顺序应用内嵌迁移，每个文件至多执行一次
func applyMigrations(db *sql.DB) error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`, migrationTable)
	if _, err := db.Exec(createSQL); err != nil {
		return fmt.Errorf("创建迁移记录表失败: %w", err)
	}

	for _, file := range files {
		applied, err := isApplied(db, file)
		if err != nil {
			return fmt.Errorf("检查迁移 %s 失败: %w", file, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(migrationFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("读取迁移 %s 失败: %w", file, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("开启迁移事务失败: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", file, err)
		}

		recordSQL := fmt.Sprintf("INSERT INTO %s (name, applied_at) VALUES (?, ?)", migrationTable)
		if _, err := tx.Exec(recordSQL, file, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("记录迁移 %s 失败: %w", file, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("提交迁移 %s 失败: %w", file, err)
		}
	}

	return nil
}

// isApplied 判断迁移是否已执行过
func isApplied(db *sql.DB, name string) (bool, error) {
	querySQL := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE name = ?", migrationTable)
	var count int
	if err := db.QueryRow(querySQL, name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
