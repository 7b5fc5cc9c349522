package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/liquorlink/internal/views"
)

// RequireLogin はセッションを検証するミドルウェアを返します。
// 未ログイン・期限切れの場合はログイン画面へリダイレクトします。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		userID, ok := currentUserID(session)
		if !ok {
			c.Redirect(http.StatusSeeOther, PathLogin)
			c.Abort()
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		expired := issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime
		idle := lastActive.IsZero() || now.Sub(lastActive) > idleTimeout
		if expired || idle {
			session.Clear()
			_ = session.Save()
			c.Redirect(http.StatusSeeOther, PathLogin)
			c.Abort()
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		_ = session.Save()
		c.Set(ContextUserKey, userID)
		c.Next()
	}
}

// CSRF はセッションごとの CSRF トークンを発行し、状態変更系リクエストで検証するミドルウェアです。
// トークンは X-CSRF-Token ヘッダーまたは csrf_token フォーム項目で受け付けます。
func CSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		expected, _ := session.Get(sessionKeyCSRF).(string)

		if isSafeMethod(c.Request.Method) {
			if expected == "" {
				token, err := generateToken()
				if err != nil {
					c.AbortWithStatus(http.StatusInternalServerError)
					return
				}
				session.Set(sessionKeyCSRF, token)
				if err := session.Save(); err != nil {
					c.AbortWithStatus(http.StatusInternalServerError)
					return
				}
				expected = token
			}
			c.Set(views.ContextCSRFKey, expected)
			c.Next()
			return
		}

		received := c.GetHeader(csrfHeader)
		if received == "" {
			received = c.PostForm(csrfFormField)
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.String(http.StatusForbidden, "Invalid or missing CSRF token. Please reload the page and try again.")
			c.Abort()
			return
		}

		c.Set(views.ContextCSRFKey, expected)
		c.Next()
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
