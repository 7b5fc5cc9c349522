// Package main はWebサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/liquorlink/internal/auth"
	"github.com/yourusername/liquorlink/internal/config"
	"github.com/yourusername/liquorlink/internal/httplog"
	"github.com/yourusername/liquorlink/internal/password"
	"github.com/yourusername/liquorlink/internal/recovery"
	"github.com/yourusername/liquorlink/internal/throttle"
	"github.com/yourusername/liquorlink/internal/users"
	"github.com/yourusername/liquorlink/internal/views"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// データベース接続
	db, err := users.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	store := users.NewStore(db)
	hasher := password.NewHasher(cfg.BcryptCost)

	if cfg.SeedDemoUser {
		if err := seedDemoUser(store, hasher); err != nil {
			logger.Fatal("failed to seed demo user", zap.Error(err))
		}
	}

	// 回答送信の試行制限（Redis 未設定の場合は無効）
	var limiter recovery.AttemptLimiter
	if cfg.RecoveryRedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := throttle.Connect(ctx, cfg.RecoveryRedisURL)
		cancel()
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		limiter = throttle.NewLimiter(rdb, cfg.RecoveryMaxAttempts, cfg.RecoveryWindow())
	} else {
		logger.Warn("RECOVERY_REDIS_URL is not set, security answer attempts are not rate limited")
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery(), httplog.Middleware(logger))
	router.SetHTMLTemplate(views.MustLoad())

	// セッションストアの設定（クッキー署名鍵は必須）
	sessionStore := cookie.NewStore([]byte(cfg.SessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		// 画面遷移のリダイレクトでクッキーを送るため Lax
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"X-CSRF-Token", // CSRF保護用ヘッダー
		httplog.HeaderRequestID,
	}
	corsConfig.ExposeHeaders = []string{httplog.HeaderRequestID}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, store, hasher, limiter, logger)

	// サーバーの起動
	addr := ":" + cfg.Port
	logger.Info("starting server",
		zap.String("addr", addr),
		zap.String("mode", cfg.GinMode),
		zap.String("database", cfg.DatabaseDriver),
	)
	if err := router.Run(addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// newLogger は実行モードに応じた zap ロガーを作成します。
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.GinMode == gin.ReleaseMode {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// seedDemoUser は開発用のデモユーザーを作成します。
func seedDemoUser(store *users.Store, hasher *password.Hasher) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return users.SeedDemoUser(ctx, store, hasher)
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "liquorlink",
		"version": "0.1.0",
	})
}

// setupRoutes は画面と認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, store *users.Store, hasher *password.Hasher, limiter recovery.AttemptLimiter, logger *zap.Logger) {
	// ヘルスチェックは CSRF 検証の対象外
	router.GET("/health", handleHealth)

	pages := router.Group("")
	pages.Use(auth.CSRF())

	authManager := auth.NewManager(cfg, store, hasher, logger)
	authManager.RegisterRoutes(pages)

	machine := recovery.NewMachine(store, hasher, limiter, logger)
	recovery.NewHandler(machine).RegisterRoutes(pages)
}
