package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Logger          *logrus.Logger
	// Operation 日志中的操作名
	Operation string
	// OnRetry 每次决定重试前调用，attempt 为即将开始的尝试序号
	OnRetry func(operation string, attempt int)
}

// DefaultConfig 默认配置：外部签名进程偶发失败时最多再试两次
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logger,
	}
}

// retryableError 标记错误可以重试
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable 标记 err 为可重试，nil 原样返回
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable 只有显式标记过的错误才会重试
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *retryableError
	return errors.As(err, &re)
}

// Func 可重试的操作
type Func func(ctx context.Context) error

// Do 执行操作，遇到可重试错误时按策略等待后重试
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				config.Logger.WithFields(logrus.Fields{
					"operation": config.Operation,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := nextInterval(config, attempt)
		config.Logger.WithFields(logrus.Fields{
			"operation":    config.Operation,
			"attempt":      attempt,
			"next_attempt": attempt + 1,
			"wait":         wait,
			"error":        err.Error(),
		}).Warn("Operation failed, retrying")
		if config.OnRetry != nil {
			config.OnRetry(config.Operation, attempt+1)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("max attempts (%d) reached: %w", attempts, lastErr)
}

// nextInterval 计算第 attempt 次失败后的等待时间
func nextInterval(config *Config, attempt int) time.Duration {
	var next time.Duration
	switch config.Strategy {
	case StrategyLinear:
		next = config.InitialInterval * time.Duration(attempt)
	case StrategyExponential:
		next = config.InitialInterval * time.Duration(1<<(attempt-1))
	default:
		next = config.InitialInterval
	}
	if config.MaxInterval > 0 && next > config.MaxInterval {
		next = config.MaxInterval
	}
	return next
}

// DoWithResult 带返回值的 Do
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
