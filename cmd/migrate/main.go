package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiflow/internal/config"
)

// migration is one pending or applied schema file
type migration struct {
	Filename string
	Checksum string
	Content  []byte
}

func main() {
	dir := flag.String("dir", "migrations", "マイグレーションディレクトリ")
	flag.Parse()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	logger.Info("zaiflow マイグレーション実行ツール",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	// 接続テスト
	if err := db.Ping(); err != nil {
		logger.Fatal("データベースpingに失敗しました", zap.Error(err))
	}

	if _, err := os.Stat(*dir); os.IsNotExist(err) {
		logger.Fatal("マイグレーションディレクトリが見つかりません", zap.String("dir", *dir))
	}

	// マイグレーション履歴テーブルの作成
	if err := createMigrationTable(db); err != nil {
		logger.Fatal("マイグレーション履歴テーブル作成に失敗しました", zap.Error(err))
	}

	files, err := loadMigrations(*dir)
	if err != nil {
		logger.Fatal("マイグレーションファイルの読み込みに失敗しました", zap.Error(err))
	}

	executed, err := getExecutedMigrations(db)
	if err != nil {
		logger.Fatal("実行済みマイグレーション取得に失敗しました", zap.Error(err))
	}

	pending, err := plan(files, executed)
	if err != nil {
		logger.Fatal("マイグレーション計画の作成に失敗しました", zap.Error(err))
	}

	for _, m := range pending {
		logger.Info("実行中", zap.String("file", m.Filename))
		if err := apply(db, m); err != nil {
			logger.Fatal("マイグレーション実行に失敗しました", zap.String("file", m.Filename), zap.Error(err))
		}
	}

	logger.Info("すべてのマイグレーションが完了しました",
		zap.Int("applied", len(pending)),
		zap.Int("skipped", len(files)-len(pending)),
	)
}

// createMigrationTable マイグレーション履歴テーブルを作成
func createMigrationTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

// loadMigrations reads *.sql files in name order
// マイグレーションファイルを読み込み
func loadMigrations(dir string) ([]migration, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	sort.Strings(files)

	out := make([]migration, 0, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("ファイル読み込みエラー %s: %w", filepath.Base(file), err)
		}
		out = append(out, migration{
			Filename: filepath.Base(file),
			Checksum: calculateChecksum(content),
			Content:  content,
		})
	}
	return out, nil
}

// plan returns the migrations still to run. An applied file whose content changed is an error.
// 未実行のマイグレーションを抽出（実行済みファイルの改変はエラー）
func plan(files []migration, executed map[string]string) ([]migration, error) {
	var pending []migration
	for _, m := range files {
		sum, ok := executed[m.Filename]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if sum != m.Checksum {
			return nil, fmt.Errorf("実行済みマイグレーションが変更されています: %s (記録=%s 現在=%s)", m.Filename, sum, m.Checksum)
		}
	}
	return pending, nil
}

// apply runs one migration and records it in the same transaction
func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("トランザクション開始エラー: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(m.Content)); err != nil {
		return fmt.Errorf("マイグレーション実行エラー: %w", err)
	}

	// マイグレーション履歴に記録
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
		m.Filename, m.Checksum,
	); err != nil {
		return fmt.Errorf("マイグレーション履歴記録エラー: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションコミットエラー: %w", err)
	}
	return nil
}

// getExecutedMigrations 実行済みマイグレーションとチェックサムを取得
func getExecutedMigrations(db *sql.DB) (map[string]string, error) {
	executed := make(map[string]string)

	rows, err := db.Query("SELECT filename, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var filename, checksum string
		if err := rows.Scan(&filename, &checksum); err != nil {
			return nil, err
		}
		executed[filename] = checksum
	}

	return executed, rows.Err()
}

// calculateChecksum ファイル内容のSHA-256チェックサムを計算
func calculateChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
