package recovery

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/yourusername/liquorlink/internal/httplog"
	"github.com/yourusername/liquorlink/internal/password"
	"github.com/yourusername/liquorlink/internal/throttle"
	"github.com/yourusername/liquorlink/internal/users"
)

// 利用者に表示するメッセージ。回答の誤りはどの質問かを示さない。
const (
	MsgIdentifierRequired = "Please enter your username or ID number."
	MsgUserNotFound       = "User not found."
	MsgStartOver          = "User not found. Please start over."
	MsgAnswersRequired    = "Please answer all security questions."
	MsgAnswersMismatch    = "Your answers and re-enter answers do not match."
	MsgAnswersIncorrect   = "One or more of the provided answers were incorrect. Please try again."
	MsgTooManyAttempts    = "Too many attempts. Please try again later."
	MsgPasswordEmpty      = "New password cannot be empty."
	MsgPasswordTooShort   = "Password must be at least 8 characters long."
	MsgPasswordTooLong    = "Password must not exceed 72 bytes."
	MsgPasswordMismatch   = "Passwords do not match."
	MsgPasswordUnchanged  = "New password must be different from your current password."
	MsgDataError          = "A data error occurred."
)

// エラーマップのキー
const (
	FieldUsername        = "username"
	FieldPassword        = "password"
	FieldConfirmPassword = "confirm_password"
	FieldForm            = "form"
)

// CredentialStore は復旧フローが利用するユーザーストアです。
type CredentialStore interface {
	FindUser(ctx context.Context, identifier string) (*users.User, error)
	FindUserByID(ctx context.Context, id uint) (*users.User, error)
	SecurityHashes(ctx context.Context, id uint) (users.AnswerHashes, error)
	UpdatePassword(ctx context.Context, id uint, hash string) error
}

// Hasher はパスワードと回答のハッシュ化・検証を行います。
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(hash, plain string) bool
}

// AttemptLimiter は回答送信の回数を制限します。
type AttemptLimiter interface {
	Allow(ctx context.Context, subject string) error
	Reset(ctx context.Context, subject string) error
}

// Answers は第2段階で送信される3組の回答です。
type Answers struct {
	A1, A1Re string
	A2, A2Re string
	A3, A3Re string
}

func (a Answers) trimmed() Answers {
	return Answers{
		A1: strings.TrimSpace(a.A1), A1Re: strings.TrimSpace(a.A1Re),
		A2: strings.TrimSpace(a.A2), A2Re: strings.TrimSpace(a.A2Re),
		A3: strings.TrimSpace(a.A3), A3Re: strings.TrimSpace(a.A3Re),
	}
}

// Outcome は1リクエストの処理結果です。描画する段階・エラー・再表示する入力値を持ちます。
type Outcome struct {
	Stage  Stage
	Errors map[string]string
	Input  map[string]string
	// User は CHALLENGE の描画に使う対象ユーザーです。
	User *users.User
	// Denied は必要なセッショントークンが無く、処理を行わなかったことを示します。
	Denied bool
}

// Failed はエラーを伴う結果かどうかを返します。
func (o Outcome) Failed() bool {
	return len(o.Errors) > 0
}

// Machine は復旧フローの状態遷移を行います。
type Machine struct {
	store   CredentialStore
	hasher  Hasher
	limiter AttemptLimiter
	logger  *zap.Logger
}

// NewMachine は Machine を作成します。limiter が nil の場合は回数制限を行いません。
func NewMachine(store CredentialStore, hasher Hasher, limiter AttemptLimiter, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:   store,
		hasher:  hasher,
		limiter: limiter,
		logger:  logger,
	}
}

// Begin は復旧開始画面の状態を決めます。
// 直前のエラーが無い通常の訪問では、回答中のユーザー名を破棄して IDENTIFY から始めます。
func (m *Machine) Begin(ctx context.Context, sess Session) Outcome {
	st := LoadState(sess)
	errs := st.Errors
	st.Errors = nil
	if len(errs) == 0 {
		st.PendingUsername = ""
	}
	defer func() { st.Save(sess) }()

	if st.PendingUsername == "" {
		return Outcome{Stage: StageIdentify, Errors: errs}
	}

	user, err := m.store.FindUser(ctx, st.PendingUsername)
	if err != nil {
		if !errors.Is(err, users.ErrNotFound) {
			m.log(ctx).Error("recovery begin lookup failed", zap.Error(err))
			return Outcome{
				Stage:  StageIdentify,
				Errors: map[string]string{FieldForm: MsgDataError},
				Input:  map[string]string{FieldUsername: st.PendingUsername},
			}
		}
		st.PendingUsername = ""
		return Outcome{Stage: StageIdentify, Errors: map[string]string{FieldForm: MsgStartOver}}
	}
	return Outcome{Stage: StageChallenge, Errors: errs, User: user}
}

// SubmitIdentifier はユーザー名または ID 番号で対象ユーザーを探します。
// 見つからない場合はセッションを変更しません。
func (m *Machine) SubmitIdentifier(ctx context.Context, sess Session, identifier string) Outcome {
	identifier = strings.TrimSpace(identifier)
	input := map[string]string{FieldUsername: identifier}
	if identifier == "" {
		return Outcome{Stage: StageIdentify, Errors: map[string]string{FieldUsername: MsgIdentifierRequired}, Input: input}
	}

	user, err := m.store.FindUser(ctx, identifier)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return Outcome{Stage: StageIdentify, Errors: map[string]string{FieldUsername: MsgUserNotFound}, Input: input}
		}
		m.log(ctx).Error("recovery identifier lookup failed", zap.Error(err))
		return Outcome{Stage: StageIdentify, Errors: map[string]string{FieldForm: MsgDataError}, Input: input}
	}

	st := LoadState(sess)
	st.PendingUsername = user.Username
	st.AuthorizedUserID = 0
	st.Errors = nil
	st.Save(sess)

	m.logStage(ctx, StageChallenge, user.ID)
	return Outcome{Stage: StageChallenge, User: user}
}

// SubmitAnswers は3つの回答を検証します。
// 3問すべてが一致した場合に限り AUTHORIZED へ進み、ユーザー ID をセッションに記録します。
// 失敗時のエラーはセッションに保存され、次の Begin で表示されます。
func (m *Machine) SubmitAnswers(ctx context.Context, sess Session, answers Answers) Outcome {
	st := LoadState(sess)
	if st.PendingUsername == "" {
		return Outcome{Stage: StageIdentify, Denied: true}
	}

	fail := func(stage Stage, msg string) Outcome {
		errs := map[string]string{FieldForm: msg}
		st.Errors = errs
		st.Save(sess)
		return Outcome{Stage: stage, Errors: errs}
	}

	a := answers.trimmed()
	if a.A1 == "" || a.A2 == "" || a.A3 == "" {
		return fail(StageChallenge, MsgAnswersRequired)
	}
	if a.A1 != a.A1Re || a.A2 != a.A2Re || a.A3 != a.A3Re {
		return fail(StageChallenge, MsgAnswersMismatch)
	}

	user, err := m.store.FindUser(ctx, st.PendingUsername)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			st.PendingUsername = ""
			return fail(StageIdentify, MsgStartOver)
		}
		m.log(ctx).Error("recovery answer lookup failed", zap.Error(err))
		return fail(StageChallenge, MsgDataError)
	}

	subject := strconv.FormatUint(uint64(user.ID), 10)
	if m.limiter != nil {
		if err := m.limiter.Allow(ctx, subject); err != nil {
			if errors.Is(err, throttle.ErrLimited) {
				m.log(ctx).Warn("recovery answer attempts limited", zap.Uint("user_id", user.ID))
				return fail(StageChallenge, MsgTooManyAttempts)
			}
			m.log(ctx).Error("recovery attempt limiter failed", zap.Uint("user_id", user.ID), zap.Error(err))
			return fail(StageChallenge, MsgDataError)
		}
	}

	hashes, err := m.store.SecurityHashes(ctx, user.ID)
	if err != nil {
		m.log(ctx).Error("recovery reading answer hashes failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return fail(StageChallenge, MsgDataError)
	}

	// 3問とも必ず検証し、結果は最後にまとめて判定する
	ok1 := m.hasher.Verify(hashes[0], a.A1)
	ok2 := m.hasher.Verify(hashes[1], a.A2)
	ok3 := m.hasher.Verify(hashes[2], a.A3)
	if !(ok1 && ok2 && ok3) {
		m.log(ctx).Info("recovery answers rejected", zap.Uint("user_id", user.ID))
		return fail(StageChallenge, MsgAnswersIncorrect)
	}

	if m.limiter != nil {
		if err := m.limiter.Reset(ctx, subject); err != nil {
			m.log(ctx).Warn("recovery attempt limiter reset failed", zap.Uint("user_id", user.ID), zap.Error(err))
		}
	}

	st.PendingUsername = ""
	st.AuthorizedUserID = user.ID
	st.Errors = nil
	st.Save(sess)

	m.logStage(ctx, StageAuthorized, user.ID)
	return Outcome{Stage: StageAuthorized}
}

// ChangeForm は新しいパスワード入力画面を表示できるかを判定します。
func (m *Machine) ChangeForm(ctx context.Context, sess Session) Outcome {
	if LoadState(sess).AuthorizedUserID == 0 {
		return Outcome{Stage: StageIdentify, Denied: true}
	}
	return Outcome{Stage: StageAuthorized}
}

// SubmitNewPassword は認可済みユーザーのパスワードを更新します。
// 入力エラーや一時的な保存エラーでは認可を保持し、成功時と対象ユーザーが消えた場合は破棄します。
func (m *Machine) SubmitNewPassword(ctx context.Context, sess Session, newPassword, confirm string) Outcome {
	st := LoadState(sess)
	userID := st.AuthorizedUserID
	if userID == 0 {
		return Outcome{Stage: StageIdentify, Denied: true}
	}

	retry := func(field, msg string) Outcome {
		return Outcome{Stage: StageAuthorized, Errors: map[string]string{field: msg}}
	}
	startOver := func() Outcome {
		st.AuthorizedUserID = 0
		st.Errors = map[string]string{FieldForm: MsgStartOver}
		st.Save(sess)
		return Outcome{Stage: StageIdentify, Errors: st.Errors}
	}

	switch {
	case newPassword == "":
		return retry(FieldPassword, MsgPasswordEmpty)
	case len(newPassword) < password.MinLength:
		return retry(FieldPassword, MsgPasswordTooShort)
	case password.TooLong(newPassword):
		return retry(FieldPassword, MsgPasswordTooLong)
	case newPassword != confirm:
		return retry(FieldConfirmPassword, MsgPasswordMismatch)
	}

	user, err := m.store.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return startOver()
		}
		m.log(ctx).Error("recovery reading current password failed", zap.Uint("user_id", userID), zap.Error(err))
		return retry(FieldForm, MsgDataError)
	}
	if m.hasher.Verify(user.PasswordHash, newPassword) {
		return retry(FieldPassword, MsgPasswordUnchanged)
	}

	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		m.log(ctx).Error("recovery hashing new password failed", zap.Uint("user_id", userID), zap.Error(err))
		return retry(FieldForm, MsgDataError)
	}
	if err := m.store.UpdatePassword(ctx, userID, hash); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return startOver()
		}
		m.log(ctx).Error("recovery updating password failed", zap.Uint("user_id", userID), zap.Error(err))
		return retry(FieldForm, MsgDataError)
	}

	st.AuthorizedUserID = 0
	st.PendingUsername = ""
	st.Errors = nil
	st.Save(sess)

	m.logStage(ctx, StageComplete, userID)
	return Outcome{Stage: StageComplete}
}

// log はリクエスト ID 付きのロガーを返します。回答・パスワード・ハッシュはフィールドに含めない。
func (m *Machine) log(ctx context.Context) *zap.Logger {
	return m.logger.With(zap.String("request_id", httplog.RequestID(ctx)))
}

func (m *Machine) logStage(ctx context.Context, stage Stage, userID uint) {
	m.log(ctx).Info("recovery stage changed", zap.String("stage", string(stage)), zap.Uint("user_id", userID))
}
