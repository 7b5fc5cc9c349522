// Package auth はログイン・ログアウト・利用者登録とセッション検証を提供します。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/liquorlink/internal/config"
	"github.com/yourusername/liquorlink/internal/httplog"
	"github.com/yourusername/liquorlink/internal/users"
	"github.com/yourusername/liquorlink/internal/views"
)

const (
	SessionCookieName    = "ll_session"
	sessionKeyUser       = "auth_user_id"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader    = "X-CSRF-Token"
	csrfFormField = "csrf_token"

	PathLogin    = "/login"
	PathLogout   = "/logout"
	PathRegister = "/register"
	PathHome     = "/"
)

const (
	msgInvalidCredentials = "Invalid username or password."
	msgLocked             = "Too many failed attempts. Please try again later."
	msgDataError          = "A data error occurred."
	msgRegistered         = "Registration successful! You can now log in."
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザー ID を共有するためのキーです。
const ContextUserKey = "auth.user_id"

// Store はログインと登録に必要なユーザーストアです。
type Store interface {
	FindUser(ctx context.Context, identifier string) (*users.User, error)
	FindUserByID(ctx context.Context, id uint) (*users.User, error)
	DuplicateFields(ctx context.Context, idNumber, username, email string) ([]string, error)
	Create(ctx context.Context, user *users.User) error
	RecordLoginFailure(ctx context.Context, id uint, maxAttempts int, lockFor time.Duration) (*users.LoginFailure, error)
	ResetLoginFailures(ctx context.Context, id uint) error
}

// Hasher はパスワードのハッシュ化と検証を行います。
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(hash, plain string) bool
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg    *config.Config
	store  Store
	hasher Hasher
	logger *zap.Logger
	now    func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, store Store, hasher Hasher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		hasher: hasher,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterRoutes はログイン・登録・ホーム画面のルートを登録します。
func (m *Manager) RegisterRoutes(r gin.IRoutes) {
	r.GET(PathLogin, m.LoginForm)
	r.POST(PathLogin, m.Login)
	r.GET(PathRegister, m.RegisterForm)
	r.POST(PathRegister, m.Register)
	r.GET(PathHome, m.RequireLogin(), m.Home)
	r.POST(PathLogout, m.RequireLogin(), m.Logout)
}

type loginRequest struct {
	Identifier string `form:"identifier" binding:"required"`
	Password   string `form:"password" binding:"required"`
}

// LoginForm は GET /login のハンドラーです。登録・パスワード変更の完了メッセージを一度だけ表示します。
func (m *Manager) LoginForm(c *gin.Context) {
	session := sessions.Default(c)
	if _, ok := currentUserID(session); ok {
		c.Redirect(http.StatusSeeOther, PathHome)
		return
	}

	data := gin.H{"Title": "Log In"}
	if flashes := session.Flashes(views.FlashSuccess); len(flashes) > 0 {
		if msg, ok := flashes[0].(string); ok {
			data["Flash"] = msg
		}
		_ = session.Save()
	}
	views.Render(c, http.StatusOK, "login.html", data)
}

// Login は POST /login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	bindErr := c.ShouldBind(&req)
	req.Identifier = strings.TrimSpace(req.Identifier)
	input := map[string]string{"identifier": req.Identifier}
	if bindErr != nil || req.Identifier == "" {
		errs := map[string]string{}
		if req.Identifier == "" {
			errs["identifier"] = "Please enter your username or ID number."
		}
		if req.Password == "" {
			errs["password"] = "Please enter your password."
		}
		m.renderLogin(c, http.StatusUnprocessableEntity, errs, input)
		return
	}

	ctx := c.Request.Context()
	user, err := m.store.FindUser(ctx, req.Identifier)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			m.renderLogin(c, http.StatusUnauthorized, map[string]string{"form": msgInvalidCredentials}, input)
			return
		}
		m.log(ctx).Error("login lookup failed", zap.Error(err))
		m.renderLogin(c, http.StatusInternalServerError, map[string]string{"form": msgDataError}, input)
		return
	}

	now := m.now()
	if user.Locked(now) {
		m.renderLocked(c, user.LockoutUntil.Sub(now), input)
		return
	}

	if !m.hasher.Verify(user.PasswordHash, req.Password) {
		failure, err := m.store.RecordLoginFailure(ctx, user.ID, m.cfg.LoginMaxAttempts, m.cfg.LoginLockDuration())
		if err != nil {
			m.log(ctx).Error("login recording failure failed", zap.Uint("user_id", user.ID), zap.Error(err))
			m.renderLogin(c, http.StatusInternalServerError, map[string]string{"form": msgDataError}, input)
			return
		}
		if failure.LockedUntil != nil {
			m.log(ctx).Warn("login account locked", zap.Uint("user_id", user.ID))
			m.renderLocked(c, failure.LockedUntil.Sub(now), input)
			return
		}
		// 残り回数は表示しない。存在しないアカウントと同じ応答にする
		m.renderLogin(c, http.StatusUnauthorized, map[string]string{"form": msgInvalidCredentials}, input)
		return
	}

	if err := m.store.ResetLoginFailures(ctx, user.ID); err != nil {
		m.log(ctx).Warn("login resetting failures failed", zap.Uint("user_id", user.ID), zap.Error(err))
	}

	token, err := generateToken()
	if err != nil {
		m.renderLogin(c, http.StatusInternalServerError, map[string]string{"form": msgDataError}, input)
		return
	}

	// ログイン前のセッション内容（復旧フローの状態を含む）は引き継がない
	session := sessions.Default(c)
	session.Clear()
	session.Set(sessionKeyUser, user.ID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		m.renderLogin(c, http.StatusInternalServerError, map[string]string{"form": msgDataError}, input)
		return
	}

	m.log(ctx).Info("login succeeded", zap.Uint("user_id", user.ID))
	c.Redirect(http.StatusSeeOther, PathHome)
}

// Logout は POST /logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.String(http.StatusInternalServerError, msgDataError)
		return
	}
	c.Redirect(http.StatusSeeOther, PathLogin)
}

// Home は GET / のハンドラーです。
func (m *Manager) Home(c *gin.Context) {
	id, _ := c.Get(ContextUserKey)
	userID, _ := id.(uint)
	user, err := m.store.FindUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			session := sessions.Default(c)
			session.Clear()
			_ = session.Save()
			c.Redirect(http.StatusSeeOther, PathLogin)
			return
		}
		m.log(c.Request.Context()).Error("home lookup failed", zap.Uint("user_id", userID), zap.Error(err))
		views.Render(c, http.StatusInternalServerError, "home.html", gin.H{
			"Title":  "Dashboard",
			"Errors": map[string]string{"form": msgDataError},
		})
		return
	}
	views.Render(c, http.StatusOK, "home.html", gin.H{
		"Title":    "Dashboard",
		"Username": user.Username,
	})
}

func (m *Manager) renderLogin(c *gin.Context, status int, errs, input map[string]string) {
	views.Render(c, status, "login.html", gin.H{
		"Title":  "Log In",
		"Errors": errs,
		"Input":  input,
	})
}

func (m *Manager) renderLocked(c *gin.Context, retryAfter time.Duration, input map[string]string) {
	// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
	seconds := int64(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.FormatInt(seconds, 10))
	m.renderLogin(c, http.StatusTooManyRequests, map[string]string{"form": msgLocked}, input)
}

func (m *Manager) log(ctx context.Context) *zap.Logger {
	return m.logger.With(zap.String("request_id", httplog.RequestID(ctx)))
}

func currentUserID(session sessions.Session) (uint, bool) {
	switch id := session.Get(sessionKeyUser).(type) {
	case uint:
		return id, id != 0
	case int:
		return uint(id), id > 0
	case int64:
		return uint(id), id > 0
	case uint64:
		return uint(id), id != 0
	default:
		return 0, false
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
