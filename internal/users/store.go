package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound は該当ユーザーが存在しない場合に返されます。
	ErrNotFound = errors.New("user not found")
	// ErrDuplicate は一意制約に違反した場合に返されます。
	ErrDuplicate = errors.New("user already exists")
)

// Open はドライバー名に応じてデータベースへ接続し、マイグレーションを実行します。
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate は users テーブルを作成・更新します。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{})
}

// Store は users テーブルへのアクセスをまとめた構造体です。
type Store struct {
	db *gorm.DB
}

// NewStore は Store を作成します。
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FindUser はユーザー名または ID 番号が一致するユーザーを返します。
func (s *Store) FindUser(ctx context.Context, identifier string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("username = ? OR id_number = ?", identifier, identifier).
		First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// FindUserByID は主キーでユーザーを返します。
func (s *Store) FindUserByID(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// SecurityHashes は秘密の質問の回答ハッシュ3件を返します。
func (s *Store) SecurityHashes(ctx context.Context, id uint) (AnswerHashes, error) {
	var user User
	err := s.db.WithContext(ctx).
		Select("id", "security_a1_hash", "security_a2_hash", "security_a3_hash").
		First(&user, id).Error
	if err != nil {
		return AnswerHashes{}, translate(err)
	}
	return AnswerHashes{user.SecurityA1Hash, user.SecurityA2Hash, user.SecurityA3Hash}, nil
}

// UpdatePassword はパスワードハッシュを1行の UPDATE で置き換えます。
func (s *Store) UpdatePassword(ctx context.Context, id uint, hash string) error {
	res := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Update("password", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DuplicateFields は既に使用されている ID 番号・ユーザー名・メールアドレスの項目名を返します。
func (s *Store) DuplicateFields(ctx context.Context, idNumber, username, email string) ([]string, error) {
	var existing []User
	err := s.db.WithContext(ctx).
		Select("id", "id_number", "username", "email").
		Where("id_number = ? OR username = ? OR email = ?", idNumber, username, email).
		Find(&existing).Error
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var fields []string
	add := func(field string) {
		if !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	for _, u := range existing {
		if u.IDNumber == idNumber {
			add("id_number")
		}
		if u.Username == username {
			add("username")
		}
		if u.Email == email {
			add("email")
		}
	}
	return fields, nil
}

// Create は新しいユーザーを保存します。
func (s *Store) Create(ctx context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("user is nil")
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return translate(err)
	}
	return nil
}

// LoginFailure はログイン失敗を記録した結果です。
type LoginFailure struct {
	Remaining   int
	LockedUntil *time.Time
}

// RecordLoginFailure は失敗回数を加算し、上限に達した場合はアカウントをロックします。
func (s *Store) RecordLoginFailure(ctx context.Context, id uint, maxAttempts int, lockFor time.Duration) (*LoginFailure, error) {
	var result LoginFailure
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).
			Where("id = ?", id).
			Update("failed_login_attempts", gorm.Expr("failed_login_attempts + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var user User
		if err := tx.Select("id", "failed_login_attempts").First(&user, id).Error; err != nil {
			return err
		}

		if user.FailedLoginAttempts < maxAttempts {
			result.Remaining = maxAttempts - user.FailedLoginAttempts
			return nil
		}

		until := time.Now().UTC().Add(lockFor)
		result.LockedUntil = &until
		return tx.Model(&User{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"failed_login_attempts": 0,
				"lockout_until":         until,
			}).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &result, nil
}

// ResetLoginFailures はログイン成功時にロック状態を解除します。
func (s *Store) ResetLoginFailures(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"failed_login_attempts": 0,
			"lockout_until":         nil,
		}).Error
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}
