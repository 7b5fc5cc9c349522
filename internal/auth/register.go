package auth

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/yourusername/liquorlink/internal/password"
	"github.com/yourusername/liquorlink/internal/users"
	"github.com/yourusername/liquorlink/internal/views"
)

const minimumAge = 18

var (
	idNumberPattern    = regexp.MustCompile(`^\d{4}-\d{4}$`)
	nonDigitPattern    = regexp.MustCompile(`[^0-9]`)
	usernamePattern    = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	nameCharsPattern   = regexp.MustCompile(`^[A-Za-z\s'-]+$`)
	nameCapitalPattern = regexp.MustCompile(`^[A-Z][A-Za-z'-]*( [A-Z][A-Za-z'-]*)*$`)

	allowedExtensions = map[string]bool{
		"jr": true, "jr.": true, "sr": true, "sr.": true,
		"ii": true, "iii": true, "iv": true, "v": true, "vi": true,
		"vii": true, "viii": true, "ix": true, "x": true,
	}
)

type registerRequest struct {
	IDNumber        string `form:"id_number" binding:"required"`
	FirstName       string `form:"first_name" binding:"required,max=50"`
	MiddleInitial   string `form:"middle_initial" binding:"omitempty,max=10"`
	LastName        string `form:"last_name" binding:"required,max=50"`
	ExtensionName   string `form:"extension_name" binding:"omitempty,max=10"`
	Birthdate       string `form:"birthdate" binding:"required"`
	Sex             string `form:"sex" binding:"required,max=20"`
	Address         string `form:"address" binding:"omitempty,max=255"`
	Email           string `form:"email" binding:"required,email,max=100"`
	Username        string `form:"username" binding:"required,max=50"`
	Password        string `form:"password" binding:"required"`
	ConfirmPassword string `form:"confirm_password" binding:"eqfield=Password"`
	SecurityQ1      string `form:"security_q1"`
	SecurityA1      string `form:"security_a1"`
	SecurityQ2      string `form:"security_q2"`
	SecurityA2      string `form:"security_a2"`
	SecurityQ3      string `form:"security_q3"`
	SecurityA3      string `form:"security_a3"`
}

// formField はバリデーションエラーのフィールド名をフォーム項目名と表示名に対応付けます。
var formField = map[string]struct{ key, label string }{
	"IDNumber":        {"id_number", "ID Number"},
	"FirstName":       {"first_name", "First Name"},
	"MiddleInitial":   {"middle_initial", "Middle Initial"},
	"LastName":        {"last_name", "Last Name"},
	"ExtensionName":   {"extension_name", "Extension Name"},
	"Birthdate":       {"birthdate", "Birthdate"},
	"Sex":             {"sex", "Sex"},
	"Address":         {"address", "Address"},
	"Email":           {"email", "Email"},
	"Username":        {"username", "Username"},
	"Password":        {"password", "Password"},
	"ConfirmPassword": {"confirm_password", "Confirm Password"},
}

func (r *registerRequest) trim() {
	for _, f := range []*string{
		&r.IDNumber, &r.FirstName, &r.MiddleInitial, &r.LastName, &r.ExtensionName,
		&r.Birthdate, &r.Sex, &r.Address, &r.Email, &r.Username,
		&r.SecurityQ1, &r.SecurityA1, &r.SecurityQ2, &r.SecurityA2, &r.SecurityQ3, &r.SecurityA3,
	} {
		*f = strings.TrimSpace(*f)
	}
}

// input は再表示用の入力値を返します。パスワードと回答は含めません。
func (r *registerRequest) input() map[string]string {
	return map[string]string{
		"id_number":      r.IDNumber,
		"first_name":     r.FirstName,
		"middle_initial": r.MiddleInitial,
		"last_name":      r.LastName,
		"extension_name": r.ExtensionName,
		"birthdate":      r.Birthdate,
		"sex":            r.Sex,
		"address":        r.Address,
		"email":          r.Email,
		"username":       r.Username,
		"security_q1":    r.SecurityQ1,
		"security_q2":    r.SecurityQ2,
		"security_q3":    r.SecurityQ3,
	}
}

// RegisterForm は GET /register のハンドラーです。
func (m *Manager) RegisterForm(c *gin.Context) {
	m.renderRegister(c, http.StatusOK, nil, nil)
}

// Register は POST /register のハンドラーです。
func (m *Manager) Register(c *gin.Context) {
	var req registerRequest
	bindErr := c.ShouldBind(&req)
	req.trim()

	errs := bindingErrors(bindErr)
	birthdate := m.validateRegistration(&req, errs)
	if len(errs) > 0 {
		m.renderRegister(c, http.StatusUnprocessableEntity, errs, req.input())
		return
	}

	ctx := c.Request.Context()
	dups, err := m.store.DuplicateFields(ctx, req.IDNumber, req.Username, req.Email)
	if err != nil {
		m.log(ctx).Error("register duplicate check failed", zap.Error(err))
		m.renderRegister(c, http.StatusInternalServerError, map[string]string{"form": msgDataError}, req.input())
		return
	}
	if len(dups) > 0 {
		for _, field := range dups {
			errs[field] = formField[fieldName(field)].label + " already exists."
		}
		m.renderRegister(c, http.StatusConflict, errs, req.input())
		return
	}

	user, err := m.buildUser(&req, birthdate)
	if err != nil {
		m.log(ctx).Error("register hashing failed", zap.Error(err))
		m.renderRegister(c, http.StatusInternalServerError, map[string]string{"form": msgDataError}, req.input())
		return
	}
	if err := m.store.Create(ctx, user); err != nil {
		if errors.Is(err, users.ErrDuplicate) {
			m.renderRegister(c, http.StatusConflict, map[string]string{
				"form": "An account with these details already exists.",
			}, req.input())
			return
		}
		m.log(ctx).Error("register create failed", zap.Error(err))
		m.renderRegister(c, http.StatusInternalServerError, map[string]string{"form": msgDataError}, req.input())
		return
	}

	m.log(ctx).Info("register created user", zap.Uint("user_id", user.ID))
	session := sessions.Default(c)
	session.AddFlash(msgRegistered, views.FlashSuccess)
	if err := session.Save(); err != nil {
		m.log(ctx).Warn("register session save failed", zap.Error(err))
	}
	c.Redirect(http.StatusSeeOther, PathLogin)
}

// validateRegistration はタグで表現できない規則を検証し、errs に追記します。既にエラーのある項目は上書きしません。
func (m *Manager) validateRegistration(req *registerRequest, errs map[string]string) time.Time {
	set := func(field, msg string) {
		if _, exists := errs[field]; !exists && msg != "" {
			errs[field] = msg
		}
	}

	if req.IDNumber != "" {
		digits := nonDigitPattern.ReplaceAllString(req.IDNumber, "")
		if len(digits) == 8 {
			req.IDNumber = digits[:4] + "-" + digits[4:]
		}
		if !idNumberPattern.MatchString(req.IDNumber) {
			set("id_number", "ID Number must be in the format XXXX-XXXX (8 digits with dash).")
		}
	}

	set("first_name", validateName(req.FirstName, "First Name"))
	set("last_name", validateName(req.LastName, "Last Name"))
	set("middle_initial", validateName(req.MiddleInitial, "Middle Initial"))
	if req.ExtensionName != "" && !allowedExtensions[strings.ToLower(req.ExtensionName)] {
		set("extension_name", "Extension name is not valid. Allowed values are: Jr, Sr, II, III, IV, V, VI, VII, VIII, IX, X")
	}

	var birthdate time.Time
	if req.Birthdate != "" {
		parsed, err := time.Parse("2006-01-02", req.Birthdate)
		switch {
		case err != nil:
			set("birthdate", "Invalid birthdate format.")
		case users.AgeOn(parsed, m.now()) < minimumAge:
			set("birthdate", "You must be at least 18 years old (legal age only).")
		default:
			birthdate = parsed
		}
	}

	if req.Username != "" && !usernamePattern.MatchString(req.Username) {
		set("username", "Username can only contain letters, numbers, and underscores.")
	}
	if req.Password != "" {
		if err := password.CheckStrength(req.Password); err != nil {
			set("password", err.Error())
		}
	}

	questions := [3]string{req.SecurityQ1, req.SecurityQ2, req.SecurityQ3}
	answers := [3]string{req.SecurityA1, req.SecurityA2, req.SecurityA3}
	seen := map[string]bool{}
	for i := range questions {
		field := "security_a" + string(rune('1'+i))
		if !users.KnownQuestion(questions[i]) || answers[i] == "" {
			set(field, "Security Question "+string(rune('1'+i))+" and Answer are required.")
			continue
		}
		if password.TooLong(answers[i]) {
			set(field, "Security Answer "+string(rune('1'+i))+" must not exceed 72 bytes.")
			continue
		}
		if seen[questions[i]] {
			set("security_a1", "Each security question must be unique.")
		}
		seen[questions[i]] = true
	}
	return birthdate
}

func (m *Manager) buildUser(req *registerRequest, birthdate time.Time) (*users.User, error) {
	pwHash, err := m.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}
	answers := [3]string{req.SecurityA1, req.SecurityA2, req.SecurityA3}
	var hashes users.AnswerHashes
	for i, a := range answers {
		if hashes[i], err = m.hasher.Hash(a); err != nil {
			return nil, err
		}
	}

	return &users.User{
		IDNumber:       req.IDNumber,
		FirstName:      req.FirstName,
		MiddleName:     optional(req.MiddleInitial),
		LastName:       req.LastName,
		NameExtension:  optional(req.ExtensionName),
		Username:       req.Username,
		Email:          req.Email,
		PasswordHash:   pwHash,
		Birthdate:      birthdate,
		Age:            users.AgeOn(birthdate, m.now()),
		Address:        req.Address,
		Sex:            req.Sex,
		SecurityQ1:     req.SecurityQ1,
		SecurityA1Hash: hashes[0],
		SecurityQ2:     req.SecurityQ2,
		SecurityA2Hash: hashes[1],
		SecurityQ3:     req.SecurityQ3,
		SecurityA3Hash: hashes[2],
	}, nil
}

func (m *Manager) renderRegister(c *gin.Context, status int, errs, input map[string]string) {
	views.Render(c, status, "register.html", gin.H{
		"Title":     "Create an Account",
		"Errors":    errs,
		"Input":     input,
		"Slots":     []int{1, 2, 3},
		"Questions": users.QuestionCatalog,
	})
}

// bindingErrors は gin のバインドエラーをフォーム項目ごとのメッセージに変換します。
func bindingErrors(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs
	}
	for _, fe := range verrs {
		f, ok := formField[fe.Field()]
		if !ok {
			continue
		}
		switch fe.Tag() {
		case "required":
			errs[f.key] = f.label + " is required."
		case "email":
			errs[f.key] = "Invalid email format."
		case "max":
			errs[f.key] = f.label + " must not exceed " + fe.Param() + " characters."
		case "eqfield":
			errs[f.key] = "Passwords do not match."
		default:
			errs[f.key] = f.label + " is invalid."
		}
	}
	return errs
}

func validateName(name, label string) string {
	if name == "" {
		return ""
	}
	switch {
	case strings.ContainsAny(name, "0123456789"):
		return label + " must not contain numbers."
	case !nameCharsPattern.MatchString(name):
		return label + " contains a special character. Only letters, spaces, hyphens, and apostrophes are allowed."
	case strings.Contains(name, "  "):
		return label + " contains multiple spaces. Use single space between words."
	case !nameCapitalPattern.MatchString(name):
		return label + " must start with a capital letter for each word."
	}
	return ""
}

func fieldName(key string) string {
	for name, f := range formField {
		if f.key == key {
			return name
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
