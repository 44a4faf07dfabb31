// Package signing APK 签名：外部签名工具、内置 v1 签名以及签名材料管理
package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/sirupsen/logrus"
)

// ErrNoSigner 没有可用的签名实现
var ErrNoSigner = errors.New("no signer available")

// Strategy 签名策略
type Strategy string

const (
	// StrategyAuto 优先外部签名工具，找不到时使用内置 v1 签名
	StrategyAuto Strategy = "auto"
	// StrategyDelegated 只使用外部签名工具（apksigner / jarsigner）
	StrategyDelegated Strategy = "delegated"
	// StrategyBuiltin 只使用内置 v1 签名
	StrategyBuiltin Strategy = "builtin"
)

// ParseStrategy 解析配置中的签名策略，空值为 auto
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyAuto:
		return StrategyAuto, nil
	case StrategyDelegated:
		return StrategyDelegated, nil
	case StrategyBuiltin:
		return StrategyBuiltin, nil
	}
	return "", fmt.Errorf("unknown signing strategy %q", s)
}

// Signer 把 unsigned 签名后写到 signed
type Signer interface {
	Name() string
	Sign(ctx context.Context, unsigned, signed string) error
}

// Chain 依次尝试多个签名实现，前一个失败时换下一个，全部失败才返回错误
// ctx 取消时立即返回
type Chain struct {
	signers []Signer
	logger  *logrus.Logger
}

// NewChain 创建签名链
func NewChain(logger *logrus.Logger, signers ...Signer) *Chain {
	return &Chain{signers: signers, logger: logger}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.signers))
	for i, s := range c.signers {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

func (c *Chain) Sign(ctx context.Context, unsigned, signed string) error {
	var errs []error
	unavailable := 0
	for _, s := range c.signers {
		err := s.Sign(ctx, unsigned, signed)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
		if errors.Is(err, ErrNoSigner) {
			unavailable++
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		c.logger.WithFields(logrus.Fields{
			"signer": s.Name(),
			"reason": err.Error(),
		}).Warn("⚠️  Signer failed, falling back")
	}
	if unavailable == len(c.signers) {
		return ErrNoSigner
	}
	return errors.Join(errs...)
}

// Options 构造签名器的参数
type Options struct {
	Strategy Strategy
	Process  ProcessOptions
	// Archive 内置签名重建 APK 的参数，零值使用默认参数
	Archive archive.Options
}

// New 按策略构造签名器，签名材料由 store 提供
func New(logger *logrus.Logger, store *MaterialStore, opts Options) (Signer, error) {
	builtin := func() *V1Signer {
		v1 := NewV1Signer(logger, store)
		if opts.Archive.Alignment != 0 {
			v1 = v1.WithArchiveOptions(opts.Archive)
		}
		return v1
	}
	switch opts.Strategy {
	case StrategyBuiltin:
		return builtin(), nil
	case StrategyDelegated:
		return NewProcessSigner(logger, store, opts.Process), nil
	case StrategyAuto, "":
		return NewChain(logger, NewProcessSigner(logger, store, opts.Process), builtin()), nil
	}
	return nil, fmt.Errorf("unknown signing strategy %q", opts.Strategy)
}
