// Package recovery は秘密の質問によるパスワード復旧の状態遷移を提供します。
//
// 復旧は IDENTIFY → CHALLENGE → AUTHORIZED → COMPLETE の順に進みます。
// 進行状況はリクエストごとにセッションから State として読み出し、処理後に書き戻します。
package recovery

import (
	"encoding/gob"
)

const (
	sessionKeyPendingUsername  = "recovery_pending_username"
	sessionKeyAuthorizedUserID = "recovery_reset_authorized_user_id"
	sessionKeyErrors           = "recovery_errors"
)

func init() {
	// cookie ストアは gob でエンコードするため、map 型を登録しておく
	gob.Register(map[string]string{})
}

// Stage は復旧フローの段階です。
type Stage string

const (
	StageIdentify   Stage = "identify"
	StageChallenge  Stage = "challenge"
	StageAuthorized Stage = "authorized"
	StageComplete   Stage = "complete"
)

// Session はブラウザセッション単位のキー/値ストアです。
// gin-contrib/sessions の sessions.Session はこのインターフェースを満たします。
type Session interface {
	Get(key interface{}) interface{}
	Set(key interface{}, val interface{})
	Delete(key interface{})
}

// State はセッションに保存される復旧の進行状況です。
type State struct {
	// PendingUsername は質問に回答中のユーザー名です。
	PendingUsername string
	// AuthorizedUserID は3問すべてに正解した場合にのみ設定され、1回だけ使えます。
	AuthorizedUserID uint
	// Errors は次回の表示で消費される入力エラーです。
	Errors map[string]string
}

// LoadState はセッションから State を読み出します。
func LoadState(s Session) State {
	var st State
	if v, ok := s.Get(sessionKeyPendingUsername).(string); ok {
		st.PendingUsername = v
	}
	st.AuthorizedUserID = readUserID(s.Get(sessionKeyAuthorizedUserID))
	if v, ok := s.Get(sessionKeyErrors).(map[string]string); ok && len(v) > 0 {
		st.Errors = v
	}
	return st
}

// Save は State をセッションへ書き戻します。空の項目はキーごと削除します。
func (st State) Save(s Session) {
	if st.PendingUsername != "" {
		s.Set(sessionKeyPendingUsername, st.PendingUsername)
	} else {
		s.Delete(sessionKeyPendingUsername)
	}

	if st.AuthorizedUserID != 0 {
		s.Set(sessionKeyAuthorizedUserID, st.AuthorizedUserID)
	} else {
		s.Delete(sessionKeyAuthorizedUserID)
	}

	if len(st.Errors) > 0 {
		s.Set(sessionKeyErrors, st.Errors)
	} else {
		s.Delete(sessionKeyErrors)
	}
}

func readUserID(v interface{}) uint {
	switch id := v.(type) {
	case uint:
		return id
	case uint64:
		return uint(id)
	case int:
		if id > 0 {
			return uint(id)
		}
	case int64:
		if id > 0 {
			return uint(id)
		}
	}
	return 0
}
