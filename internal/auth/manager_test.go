package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/yourusername/liquorlink/internal/config"
	"github.com/yourusername/liquorlink/internal/password"
	"github.com/yourusername/liquorlink/internal/users"
	"github.com/yourusername/liquorlink/internal/views"
)

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

type testEnv struct {
	t       *testing.T
	store   *users.Store
	hasher  *password.Hasher
	manager *Manager
	router  *gin.Engine
	cookies map[string]*http.Cookie
	csrf    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := users.Migrate(db); err != nil {
		t.Fatalf("failed migrating: %v", err)
	}

	store := users.NewStore(db)
	hasher := password.NewHasher(bcrypt.MinCost)
	cfg := &config.Config{LoginMaxAttempts: 3, LoginLockMinutes: 15}
	manager := NewManager(cfg, store, hasher, zap.NewNop())

	router := gin.New()
	router.SetHTMLTemplate(views.MustLoad())
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	router.Use(CSRF())
	manager.RegisterRoutes(router)

	return &testEnv{
		t:       t,
		store:   store,
		hasher:  hasher,
		manager: manager,
		router:  router,
		cookies: map[string]*http.Cookie{},
	}
}

func (e *testEnv) createUser(username, idNumber, plain string) *users.User {
	e.t.Helper()
	hash, err := e.hasher.Hash(plain)
	if err != nil {
		e.t.Fatalf("hash: %v", err)
	}
	u := &users.User{
		IDNumber:       idNumber,
		FirstName:      "Alice",
		LastName:       "Reyes",
		Username:       username,
		Email:          username + "@example.com",
		PasswordHash:   hash,
		Birthdate:      time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		Age:            30,
		Sex:            "Female",
		SecurityQ1:     "favorite_pet_name",
		SecurityA1Hash: hash,
		SecurityQ2:     "favorite_teacher_hs",
		SecurityA2Hash: hash,
		SecurityQ3:     "best_friend_elementary",
		SecurityA3Hash: hash,
	}
	if err := e.store.Create(context.Background(), u); err != nil {
		e.t.Fatalf("create user: %v", err)
	}
	return u
}

func (e *testEnv) do(method, path string, form url.Values) *httptest.ResponseRecorder {
	e.t.Helper()
	var body io.Reader
	if form != nil {
		if e.csrf != "" && form.Get(csrfFormField) == "" {
			form.Set(csrfFormField, e.csrf)
		}
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, c := range e.cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		e.cookies[c.Name] = c
	}
	if m := csrfPattern.FindStringSubmatch(rec.Body.String()); m != nil {
		e.csrf = m[1]
	}
	return rec
}

var formErrorPattern = regexp.MustCompile(`<div class="error-text form-error">([^<]*)</div>`)

func formError(body string) string {
	if m := formErrorPattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func expectRedirect(t *testing.T, rec *httptest.ResponseRecorder, location string) {
	t.Helper()
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != location {
		t.Fatalf("Location = %q, want %q", got, location)
	}
}

func TestLoginAndLogout(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("alice", "1234-5678", "OldPassw0rd!")

	expectRedirect(t, e.do(http.MethodGet, PathHome, nil), PathLogin)

	e.do(http.MethodGet, PathLogin, nil)
	before := e.csrf
	if before == "" {
		t.Fatal("login form should carry a csrf token")
	}

	expectRedirect(t, e.do(http.MethodPost, PathLogin, url.Values{
		"identifier": {"1234-5678"}, "password": {"OldPassw0rd!"},
	}), PathHome)

	rec := e.do(http.MethodGet, PathHome, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<strong>alice</strong>") {
		t.Fatalf("expected dashboard: %d %s", rec.Code, rec.Body.String())
	}
	if e.csrf == before {
		t.Fatal("csrf token should be rotated on login")
	}

	expectRedirect(t, e.do(http.MethodGet, PathLogin, nil), PathHome)
	expectRedirect(t, e.do(http.MethodPost, PathLogout, url.Values{}), PathLogin)
	expectRedirect(t, e.do(http.MethodGet, PathHome, nil), PathLogin)
}

func TestLoginRejectsUnknownAndWrongPassword(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("alice", "1234-5678", "OldPassw0rd!")
	e.do(http.MethodGet, PathLogin, nil)

	rec := e.do(http.MethodPost, PathLogin, url.Values{"identifier": {"nobody"}, "password": {"whatever"}})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), msgInvalidCredentials) {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	unknown := formError(rec.Body.String())

	rec = e.do(http.MethodPost, PathLogin, url.Values{"identifier": {"alice"}, "password": {"wrong"}})
	body := rec.Body.String()
	if rec.Code != http.StatusUnauthorized || !strings.Contains(body, msgInvalidCredentials) {
		t.Fatalf("unexpected response: %d %s", rec.Code, body)
	}
	// 既存アカウントかどうかを応答から区別できない
	if got := formError(body); got != unknown {
		t.Fatalf("wrong password message %q differs from unknown account message %q", got, unknown)
	}
	if !strings.Contains(body, `value="alice"`) {
		t.Fatalf("identifier should be preserved: %s", body)
	}

	rec = e.do(http.MethodPost, PathLogin, url.Values{"identifier": {""}, "password": {""}})
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "Please enter your username or ID number.") {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoginLocksAccountAfterRepeatedFailures(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("alice", "1234-5678", "OldPassw0rd!")
	e.do(http.MethodGet, PathLogin, nil)

	wrong := func() *httptest.ResponseRecorder {
		return e.do(http.MethodPost, PathLogin, url.Values{"identifier": {"alice"}, "password": {"wrong"}})
	}
	wrong()
	if rec := wrong(); rec.Code != http.StatusUnauthorized || strings.Contains(rec.Body.String(), "remaining") {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
	rec := wrong()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	rec = e.do(http.MethodPost, PathLogin, url.Values{"identifier": {"alice"}, "password": {"OldPassw0rd!"}})
	if rec.Code != http.StatusTooManyRequests || !strings.Contains(rec.Body.String(), msgLocked) {
		t.Fatalf("correct password must be rejected while locked: %d", rec.Code)
	}

	e.manager.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	expectRedirect(t, e.do(http.MethodPost, PathLogin, url.Values{
		"identifier": {"alice"}, "password": {"OldPassw0rd!"},
	}), PathHome)

	u, err := e.store.FindUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if u.FailedLoginAttempts != 0 || u.LockoutUntil != nil {
		t.Fatalf("lockout should be cleared: %+v", u)
	}
}

func TestRequireLoginExpiresIdleSession(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("alice", "1234-5678", "OldPassw0rd!")
	e.do(http.MethodGet, PathLogin, nil)

	base := time.Now()
	e.manager.now = func() time.Time { return base }
	expectRedirect(t, e.do(http.MethodPost, PathLogin, url.Values{
		"identifier": {"alice"}, "password": {"OldPassw0rd!"},
	}), PathHome)

	e.manager.now = func() time.Time { return base.Add(20 * time.Minute) }
	if rec := e.do(http.MethodGet, PathHome, nil); rec.Code != http.StatusOK {
		t.Fatalf("session should still be active: %d", rec.Code)
	}

	e.manager.now = func() time.Time { return base.Add(20*time.Minute + idleTimeout + time.Second) }
	expectRedirect(t, e.do(http.MethodGet, PathHome, nil), PathLogin)

	e.manager.now = func() time.Time { return base.Add(21 * time.Minute) }
	expectRedirect(t, e.do(http.MethodGet, PathHome, nil), PathLogin)
}

func TestCSRFRejectsMissingOrWrongToken(t *testing.T) {
	e := newTestEnv(t)
	e.createUser("alice", "1234-5678", "OldPassw0rd!")

	rec := e.do(http.MethodPost, PathLogin, url.Values{"identifier": {"alice"}, "password": {"OldPassw0rd!"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a session token, got %d", rec.Code)
	}

	e.do(http.MethodGet, PathLogin, nil)
	rec = e.do(http.MethodPost, PathLogin, url.Values{
		"identifier": {"alice"}, "password": {"OldPassw0rd!"}, csrfFormField: {"deadbeef"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a wrong token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, PathLogin, strings.NewReader("identifier=alice&password=OldPassw0rd%21"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(csrfHeader, e.csrf)
	for _, c := range e.cookies {
		req.AddCookie(c)
	}
	hdr := httptest.NewRecorder()
	e.router.ServeHTTP(hdr, req)
	expectRedirect(t, hdr, PathHome)
}
