package recovery

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/liquorlink/internal/users"
	"github.com/yourusername/liquorlink/internal/views"
)

const (
	PathBegin   = "/forgot-password"
	PathAnswers = "/forgot-password/answers"
	PathChange  = "/change-password"

	loginPath = "/login"
)

// MsgPasswordChanged はパスワード変更後にログイン画面で一度だけ表示するメッセージです。
const MsgPasswordChanged = "Password changed successfully."

type challengeQuestion struct {
	Number int
	Text   string
}

// Handler は復旧フローの HTTP ハンドラーです。
type Handler struct {
	machine *Machine
}

// NewHandler は Handler を作成します。
func NewHandler(machine *Machine) *Handler {
	return &Handler{machine: machine}
}

// RegisterRoutes は復旧フローのルートを登録します。
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET(PathBegin, h.Begin)
	r.POST(PathBegin, h.SubmitIdentifier)
	r.POST(PathAnswers, h.SubmitAnswers)
	r.GET(PathChange, h.ChangeForm)
	r.POST(PathChange, h.SubmitNewPassword)
}

// Begin は GET /forgot-password のハンドラーです。
func (h *Handler) Begin(c *gin.Context) {
	session := sessions.Default(c)
	outcome := h.machine.Begin(c.Request.Context(), session)
	if !saveSession(c, session) {
		return
	}
	renderRecovery(c, http.StatusOK, outcome)
}

// SubmitIdentifier は POST /forgot-password のハンドラーです。
func (h *Handler) SubmitIdentifier(c *gin.Context) {
	session := sessions.Default(c)
	outcome := h.machine.SubmitIdentifier(c.Request.Context(), session, c.PostForm("username"))
	if !saveSession(c, session) {
		return
	}
	renderRecovery(c, statusFor(outcome), outcome)
}

// SubmitAnswers は POST /forgot-password/answers のハンドラーです。
// 結果に関わらずリダイレクトし、エラーは次の GET /forgot-password で表示します。
func (h *Handler) SubmitAnswers(c *gin.Context) {
	session := sessions.Default(c)
	outcome := h.machine.SubmitAnswers(c.Request.Context(), session, Answers{
		A1: c.PostForm("security_a1"), A1Re: c.PostForm("security_a1_re"),
		A2: c.PostForm("security_a2"), A2Re: c.PostForm("security_a2_re"),
		A3: c.PostForm("security_a3"), A3Re: c.PostForm("security_a3_re"),
	})
	if !saveSession(c, session) {
		return
	}

	if outcome.Stage == StageAuthorized {
		c.Redirect(http.StatusSeeOther, PathChange)
		return
	}
	c.Redirect(http.StatusSeeOther, PathBegin)
}

// ChangeForm は GET /change-password のハンドラーです。
func (h *Handler) ChangeForm(c *gin.Context) {
	outcome := h.machine.ChangeForm(c.Request.Context(), sessions.Default(c))
	if outcome.Denied {
		c.Redirect(http.StatusSeeOther, loginPath)
		return
	}
	renderChange(c, http.StatusOK, outcome)
}

// SubmitNewPassword は POST /change-password のハンドラーです。
func (h *Handler) SubmitNewPassword(c *gin.Context) {
	session := sessions.Default(c)
	outcome := h.machine.SubmitNewPassword(c.Request.Context(), session,
		c.PostForm("new_password"), c.PostForm("confirm_password"))

	switch {
	case outcome.Denied:
		c.Redirect(http.StatusSeeOther, loginPath)
		return
	case outcome.Stage == StageComplete:
		session.AddFlash(MsgPasswordChanged, views.FlashSuccess)
	}

	if !saveSession(c, session) {
		return
	}

	switch outcome.Stage {
	case StageComplete:
		c.Redirect(http.StatusSeeOther, loginPath)
	case StageIdentify:
		c.Redirect(http.StatusSeeOther, PathBegin)
	default:
		renderChange(c, statusFor(outcome), outcome)
	}
}

func renderRecovery(c *gin.Context, status int, outcome Outcome) {
	data := gin.H{
		"Title":  "Account Recovery",
		"Stage":  string(outcome.Stage),
		"Errors": outcome.Errors,
		"Input":  outcome.Input,
	}
	if outcome.Stage == StageChallenge && outcome.User != nil {
		data["Username"] = outcome.User.Username
		data["Questions"] = questionsFor(outcome.User)
	}
	views.Render(c, status, "forgot_password.html", data)
}

func renderChange(c *gin.Context, status int, outcome Outcome) {
	views.Render(c, status, "change_password.html", gin.H{
		"Title":  "Change Password",
		"Errors": outcome.Errors,
	})
}

func questionsFor(u *users.User) []challengeQuestion {
	keys := u.Questions()
	out := make([]challengeQuestion, 0, len(keys))
	for i, key := range keys {
		out = append(out, challengeQuestion{Number: i + 1, Text: users.QuestionText(key)})
	}
	return out
}

func statusFor(outcome Outcome) int {
	if !outcome.Failed() {
		return http.StatusOK
	}
	if outcome.Errors[FieldForm] == MsgDataError {
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func saveSession(c *gin.Context, session sessions.Session) bool {
	if err := session.Save(); err != nil {
		views.Render(c, http.StatusInternalServerError, "forgot_password.html", gin.H{
			"Title":  "Account Recovery",
			"Stage":  string(StageIdentify),
			"Errors": map[string]string{FieldForm: MsgDataError},
		})
		return false
	}
	return true
}
