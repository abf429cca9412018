package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nemonet1337/zaiflow/pkg/production"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Registry RegistryConfig `yaml:"registry"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors"`
	EnableMetrics   bool          `yaml:"enable_metrics"`
}

// StorageConfig selects the storage backend
// ストレージ設定を保持
type StorageConfig struct {
	Driver string `yaml:"driver"` // postgres, memory
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// RegistryConfig points at the department registry file
// 部門レジストリ設定を保持
type RegistryConfig struct {
	Path string `yaml:"path"` // 空の場合は既定の部門構成
}

// Load loads configuration from a .env file (if present) and environment variables
// .envファイルと環境変数から設定を読み込み
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗しました: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "zaiflow"),
			Password:        getEnv("DB_PASSWORD", "password"),
			DBName:          getEnv("DB_NAME", "zaiflow_db"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		API: APIConfig{
			Port:            getEnvAsInt("API_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("API_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("API_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvAsDuration("API_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("API_SHUTDOWN_TIMEOUT", 15*time.Second),
			EnableCORS:      getEnvAsBool("API_ENABLE_CORS", true),
			EnableMetrics:   getEnvAsBool("API_ENABLE_METRICS", true),
		},
		Storage: StorageConfig{
			Driver: getEnv("STORAGE_DRIVER", "postgres"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		Registry: RegistryConfig{
			Path: getEnv("DEPARTMENT_REGISTRY", ""),
		},
	}

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		// データベース設定チェック
		if c.Database.Host == "" {
			return fmt.Errorf("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("データベース名が指定されていません")
		}
	case "memory":
	default:
		return fmt.Errorf("無効なストレージドライバー: %s", c.Storage.Driver)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// ログ設定チェック
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// LoadRegistry reads the department registry from a YAML file.
// An empty path yields the built-in garment routing.
// 部門レジストリをYAMLから読み込み
func LoadRegistry(path string) (*production.Config, error) {
	if path == "" {
		return production.DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("部門レジストリの読み込みに失敗しました: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes registry YAML; unset numeric settings keep their defaults
// 部門レジストリをデコード
func ParseRegistry(data []byte) (*production.Config, error) {
	cfg := production.DefaultConfig()
	cfg.Departments = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("部門レジストリの解析に失敗しました: %w", err)
	}
	if len(cfg.Departments) == 0 {
		return nil, fmt.Errorf("部門レジストリに部門が定義されていません")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("部門レジストリが不正です: %w", err)
	}
	return cfg, nil
}

// NewLogger builds a zap logger from the logging configuration
// ログ設定からロガーを作成
func NewLogger(c LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("無効なログレベル: %w", err)
	}

	var zc zap.Config
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	if c.Output != "" {
		zc.OutputPaths = []string{c.Output}
	}
	return zc.Build()
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
