// Package password はパスワードおよび秘密の質問の回答のハッシュ化と検証を提供します。
package password

import (
	"errors"
	"strings"
	"unicode"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

// MinLength はパスワードの最小文字数です。
const MinLength = 8

// MaxLength は bcrypt が扱えるパスワードの最大バイト数です。
const MaxLength = 72

// ErrTooLong は MaxLength を超える平文をハッシュ化しようとした場合に返されます。
var ErrTooLong = errors.New("password exceeds 72 bytes")

// MinEntropyBits は登録時に要求するエントロピーの下限です。
const MinEntropyBits = 50

// Hasher は bcrypt によるハッシュ化を行います。
type Hasher struct {
	Cost int
}

// NewHasher は指定コストの Hasher を返します。範囲外のコストは既定値に置き換えます。
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{Cost: cost}
}

// Hash は平文をハッシュ化します。
func (h *Hasher) Hash(plain string) (string, error) {
	if TooLong(plain) {
		return "", ErrTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.Cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify は平文がハッシュと一致するかを返します。空のハッシュは常に不一致です。
func (h *Hasher) Verify(hash, plain string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// TooLong は平文が MaxLength バイトを超えるかを返します。
func TooLong(plain string) bool {
	return len(plain) > MaxLength
}

// CheckStrength は登録時のパスワード強度を検証し、問題があれば利用者向けのメッセージを返します。
func CheckStrength(plain string) error {
	if plain == "" {
		return errors.New("Password is required.")
	}
	if len(plain) < MinLength {
		return errors.New("Password must be at least 8 characters long.")
	}
	if TooLong(plain) {
		return errors.New("Password must not exceed 72 bytes.")
	}

	var lower, upper, digit, special bool
	for _, r := range plain {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}

	var missing []string
	if !lower {
		missing = append(missing, "at least one lowercase letter")
	}
	if !upper {
		missing = append(missing, "at least one uppercase letter")
	}
	if !digit {
		missing = append(missing, "at least one number")
	}
	if !special {
		missing = append(missing, "at least one special character")
	}
	if len(missing) > 0 {
		return errors.New("Password must contain " + strings.Join(missing, ", ") + ".")
	}

	if err := passwordvalidator.Validate(plain, MinEntropyBits); err != nil {
		return errors.New("Password is too easy to guess. Use a longer or less predictable password.")
	}
	return nil
}
