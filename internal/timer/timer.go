package timer

import (
	"context"
	"time"
)

// TimerFunc 定时器到期执行函数
type TimerFunc func(ctx context.Context, key string) error

// Timer 延迟定时器定义
type Timer struct {
	ID        string    `json:"id"`        // 定时器唯一ID
	Key       string    `json:"key"`       // 操作对象标识 (如通话会话ID)
	Delay     int       `json:"delay"`     // 延迟秒数 (1-60)
	Fn        TimerFunc `json:"-"`         // 到期执行函数
	CreatedAt time.Time `json:"createdAt"` // 创建时间
}

// NewTimer 创建定时器
func NewTimer(id, key string, delay int, fn TimerFunc) *Timer {
	return &Timer{
		ID:        id,
		Key:       key,
		Delay:     delay,
		Fn:        fn,
		CreatedAt: time.Now(),
	}
}

// Fire 执行到期回调
func (t *Timer) Fire(ctx context.Context) error {
	if t.Fn == nil {
		return nil
	}
	return t.Fn(ctx, t.Key)
}
