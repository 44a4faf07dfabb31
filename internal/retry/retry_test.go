package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) *Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = attempts
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	return cfg
}

// TestDo_Success 测试第一次就成功的情况
func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		attempts++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

// TestDo_SuccessAfterRetries 测试重试后成功
func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("temporary error"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

// TestDo_MaxAttemptsReached 测试达到最大尝试次数
func TestDo_MaxAttemptsReached(t *testing.T) {
	attempts := 0
	cause := errors.New("persistent error")
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		attempts++
		return Retryable(cause)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max attempts")
	assert.ErrorIs(t, err, cause)
}

// TestDo_PlainErrorNotRetried 测试未标记的错误不会重试
func TestDo_PlainErrorNotRetried(t *testing.T) {
	attempts := 0
	cause := errors.New("fatal error")
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		attempts++
		return cause
	})
	assert.Equal(t, cause, err)
	assert.Equal(t, 1, attempts)
}

// TestDo_ContextCanceled 测试上下文取消
func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(10)
	cfg.InitialInterval = 50 * time.Millisecond
	cfg.Strategy = StrategyFixed
	attempts := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(ctx context.Context) error {
		attempts++
		return Retryable(errors.New("slow operation"))
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
	assert.Less(t, attempts, 10)
}

// TestIsRetryable 测试错误分类
func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("x")))
	assert.True(t, IsRetryable(Retryable(errors.New("x"))))
	assert.False(t, IsRetryable(Retryable(context.Canceled)))
	assert.Nil(t, Retryable(nil))
}

// TestNextInterval 测试各策略的等待时间
func TestNextInterval(t *testing.T) {
	cfg := &Config{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}

	cfg.Strategy = StrategyFixed
	assert.Equal(t, 100*time.Millisecond, nextInterval(cfg, 3))

	cfg.Strategy = StrategyLinear
	assert.Equal(t, 300*time.Millisecond, nextInterval(cfg, 3))

	cfg.Strategy = StrategyExponential
	assert.Equal(t, 400*time.Millisecond, nextInterval(cfg, 3))
	assert.Equal(t, time.Second, nextInterval(cfg, 8), "不超过最大间隔")
}

// TestDoWithResult 测试带返回值的重试
func TestDoWithResult(t *testing.T) {
	attempts := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", Retryable(errors.New("again"))
		}
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
}

// TestDo_OnRetryHook 测试重试回调
func TestDo_OnRetryHook(t *testing.T) {
	var seen []int
	cfg := fastConfig(3)
	cfg.Operation = "apksigner"
	cfg.OnRetry = func(operation string, attempt int) {
		assert.Equal(t, "apksigner", operation)
		seen = append(seen, attempt)
	}

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		return Retryable(errors.New("flaky"))
	})
	assert.Error(t, err)
	assert.Equal(t, []int{2, 3}, seen)
}
