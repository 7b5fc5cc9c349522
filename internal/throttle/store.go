// Package throttle は Redis を使った固定ウィンドウ方式の試行回数制限を提供します。
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "recovery:attempts:"
)

// ErrLimited はウィンドウ内の上限回数を超えた場合に返されます。
var ErrLimited = errors.New("too many attempts")

// Limiter は試行回数を Redis に保存します。
type Limiter struct {
	rdb         *redis.Client
	window      time.Duration
	maxAttempts int
}

// NewLimiter は Limiter を作成します。
func NewLimiter(rdb *redis.Client, maxAttempts int, window time.Duration) *Limiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Limiter{
		rdb:         rdb,
		window:      window,
		maxAttempts: maxAttempts,
	}
}

// Connect は URL から Redis クライアントを作成し、疎通を確認します。
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Allow は1回分の試行を記録し、上限を超えていれば ErrLimited を返します。
func (l *Limiter) Allow(ctx context.Context, subject string) error {
	key := attemptKey(subject)
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return err
		}
	}
	if count > int64(l.maxAttempts) {
		return ErrLimited
	}
	return nil
}

// Reset はカウンターを削除します。
func (l *Limiter) Reset(ctx context.Context, subject string) error {
	return l.rdb.Del(ctx, attemptKey(subject)).Err()
}

func attemptKey(subject string) string {
	return keyPrefix + subject
}
