// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// セッション設定
	SessionSecret string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // サーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// データベース設定
	DatabaseDriver string // sqlite または postgres
	DatabaseDSN    string // 接続文字列（sqlite の場合はファイルパス）
	SeedDemoUser   bool   // 起動時にデモユーザーを作成するか

	// パスワード復旧の試行制限
	RecoveryRedisURL      string // 空の場合は試行制限を無効化
	RecoveryMaxAttempts   int    // ウィンドウ内で許容する回答送信回数
	RecoveryWindowMinutes int    // 試行カウントのウィンドウ（分）

	// ログイン設定
	LoginMaxAttempts int // ロックまでの連続失敗回数
	LoginLockMinutes int // ロック時間（分）

	// ハッシュ設定
	BcryptCost int
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		SessionSecret: getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:8080"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "liquorlink.db"),
		SeedDemoUser:   getEnvAsBool("SEED_DEMO_USER", false),

		RecoveryRedisURL:      getEnv("RECOVERY_REDIS_URL", ""),
		RecoveryMaxAttempts:   getEnvAsInt("RECOVERY_MAX_ATTEMPTS", 5),
		RecoveryWindowMinutes: getEnvAsInt("RECOVERY_WINDOW_MINUTES", 15),

		LoginMaxAttempts: getEnvAsInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockMinutes: getEnvAsInt("LOGIN_LOCK_MINUTES", 15),

		BcryptCost: getEnvAsInt("BCRYPT_COST", bcrypt.DefaultCost),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	// ローカル開発ではセッション鍵は任意
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required in release mode")
		}
	}

	return nil
}

// RecoveryWindow は回答試行カウントのウィンドウを返します。
func (c *Config) RecoveryWindow() time.Duration {
	if c.RecoveryWindowMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.RecoveryWindowMinutes) * time.Minute
}

// LoginLockDuration はアカウントロックの時間を返します。
func (c *Config) LoginLockDuration() time.Duration {
	if c.LoginLockMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.LoginLockMinutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
