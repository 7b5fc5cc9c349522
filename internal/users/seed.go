package users

import (
	"context"
	"errors"
	"time"
)

// Hasher は平文をハッシュ化できる型が実装します。
type Hasher interface {
	Hash(plain string) (string, error)
}

// SeedDemoUser は開発用のデモユーザーを作成します。既に存在する場合は何もしません。
func SeedDemoUser(ctx context.Context, s *Store, hasher Hasher) error {
	if _, err := s.FindUser(ctx, "demo_bartender"); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	pw, err := hasher.Hash("Demo!Passw0rd")
	if err != nil {
		return err
	}
	answers := [3]string{"Rex", "Mrs. Smith", "Blue"}
	var hashes AnswerHashes
	for i, a := range answers {
		if hashes[i], err = hasher.Hash(a); err != nil {
			return err
		}
	}

	birth := time.Date(1990, time.January, 15, 0, 0, 0, 0, time.UTC)
	return s.Create(ctx, &User{
		IDNumber:       "0000-0001",
		FirstName:      "Demo",
		LastName:       "Bartender",
		Username:       "demo_bartender",
		Email:          "demo@liquorlink.local",
		PasswordHash:   pw,
		Birthdate:      birth,
		Age:            AgeOn(birth, time.Now()),
		Sex:            "Prefer not to say",
		SecurityQ1:     QuestionCatalog[1].Key,
		SecurityA1Hash: hashes[0],
		SecurityQ2:     QuestionCatalog[2].Key,
		SecurityA2Hash: hashes[1],
		SecurityQ3:     QuestionCatalog[0].Key,
		SecurityA3Hash: hashes[2],
	})
}

// AgeOn は誕生日から指定日時点の満年齢を計算します。
func AgeOn(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}
