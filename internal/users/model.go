// Package users はユーザー情報を保存するリレーショナルストアを提供します。
package users

import "time"

// User は users テーブルの1行を表します。
type User struct {
	ID            uint      `gorm:"primaryKey"`
	IDNumber      string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	FirstName     string    `gorm:"type:varchar(100);not null"`
	MiddleName    *string   `gorm:"type:varchar(10)"`
	LastName      string    `gorm:"type:varchar(100);not null"`
	NameExtension *string   `gorm:"type:varchar(10)"`
	Username      string    `gorm:"type:varchar(50);uniqueIndex;not null"`
	Email         string    `gorm:"type:varchar(100);uniqueIndex;not null"`
	PasswordHash  string    `gorm:"column:password;type:varchar(255);not null"`
	Birthdate     time.Time `gorm:"type:date;not null"`
	Age           int       `gorm:"not null"`
	Address       string    `gorm:"type:text"`
	Sex           string    `gorm:"type:varchar(20);not null"`

	SecurityQ1     string `gorm:"column:security_q1;type:text;not null"`
	SecurityA1Hash string `gorm:"column:security_a1_hash;type:varchar(255);not null"`
	SecurityQ2     string `gorm:"column:security_q2;type:text;not null"`
	SecurityA2Hash string `gorm:"column:security_a2_hash;type:varchar(255);not null"`
	SecurityQ3     string `gorm:"column:security_q3;type:text;not null"`
	SecurityA3Hash string `gorm:"column:security_a3_hash;type:varchar(255);not null"`

	FailedLoginAttempts int        `gorm:"not null;default:0"`
	LockoutUntil        *time.Time `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Questions は登録済みの3つの質問キーを順に返します。
func (u *User) Questions() [3]string {
	return [3]string{u.SecurityQ1, u.SecurityQ2, u.SecurityQ3}
}

// AnswerHashes は3つの回答ハッシュを返します。
type AnswerHashes [3]string

// Locked は指定時刻にアカウントがロック中かどうかを返します。
func (u *User) Locked(now time.Time) bool {
	return u.LockoutUntil != nil && now.Before(*u.LockoutUntil)
}

// Question は選択可能な秘密の質問です。
type Question struct {
	Key  string
	Text string
}

// QuestionCatalog は選択可能な秘密の質問の一覧です。
var QuestionCatalog = []Question{
	{Key: "best_friend_elementary", Text: "Who is your best friend in Elementary?"},
	{Key: "favorite_pet_name", Text: "What is the name of your favorite pet?"},
	{Key: "favorite_teacher_hs", Text: "Who is your favorite teacher in high school?"},
}

// QuestionText は質問キーの表示文を返します。未知のキーはそのまま返します。
func QuestionText(key string) string {
	for _, q := range QuestionCatalog {
		if q.Key == key {
			return q.Text
		}
	}
	return key
}

// KnownQuestion は質問キーがカタログに含まれるかを返します。
func KnownQuestion(key string) bool {
	for _, q := range QuestionCatalog {
		if q.Key == key {
			return true
		}
	}
	return false
}
