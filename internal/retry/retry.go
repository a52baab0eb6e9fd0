// Package retry 提供显式的有限次重试策略
// 策略作为一等参数传入，便于脱离 I/O 单独测试
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy 定义重试策略
type Policy struct {
	MaxAttempts int           // 最大尝试次数 (<=0 时只执行一次)
	Delay       time.Duration // 首次失败后的等待时间
	Multiplier  float64       // 退避倍数，<=1 表示固定间隔
	MaxDelay    time.Duration // 单次等待上限，0 表示不限制
}

// Fixed 返回固定间隔的重试策略
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay, Multiplier: 1}
}

// ErrExhausted 表示所有尝试均已失败
var ErrExhausted = errors.New("retry attempts exhausted")

// Sleeper 抽象等待动作，测试中可替换
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext 是默认的可取消等待
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do 按策略执行 fn，直到成功、尝试耗尽或 ctx 取消
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	return DoWithSleeper(ctx, p, SleepContext, fn)
}

// DoWithSleeper 与 Do 相同，但允许注入等待实现
func DoWithSleeper(ctx context.Context, p Policy, sleep Sleeper, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Delay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, err)
		}
		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// DoWithResult 执行带返回值的重试
func DoWithResult[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(attempt int) error {
		r, err := fn(attempt)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
