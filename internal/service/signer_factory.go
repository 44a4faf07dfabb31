package service

import (
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/patcher"
	"github.com/apk-analysis/apk-patcher-go/internal/retry"
	"github.com/apk-analysis/apk-patcher-go/internal/signing"
	"github.com/sirupsen/logrus"
)

// RetryConfig 从配置构造重试参数，onRetry 可以为 nil
func RetryConfig(cfg config.RetryConfig, logger *logrus.Logger, onRetry func(operation string, attempt int)) *retry.Config {
	rc := retry.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		rc.InitialInterval = time.Duration(cfg.InitialInterval) * time.Millisecond
	}
	if cfg.MaxInterval > 0 {
		rc.MaxInterval = time.Duration(cfg.MaxInterval) * time.Millisecond
	}
	if cfg.Strategy != "" {
		rc.Strategy = retry.Strategy(cfg.Strategy)
	}
	if logger != nil {
		rc.Logger = logger
	}
	rc.OnRetry = onRetry
	return rc
}

// ArchiveOptions 从配置构造重建参数
func ArchiveOptions(cfg config.ArchiveConfig) archive.Options {
	opts := archive.DefaultOptions()
	if cfg.Alignment > 0 {
		opts.Alignment = cfg.Alignment
	}
	if cfg.PageAlignment > 0 {
		opts.LibAlignment = cfg.PageAlignment
	}
	if cfg.CompressionLevel != 0 {
		opts.CompressionLevel = cfg.CompressionLevel
	}
	return opts
}

// NewSignerFactory 按配置返回签名器工厂
//
// 任务没有指定签名材料时：配置了 keystore_path 就使用该文件（缺失即报错），
// 否则使用 data_dir 下按需生成的调试证书。任务指定的路径同样不会自动生成。
func NewSignerFactory(logger *logrus.Logger, cfg *config.Config, retryCfg *retry.Config) (patcher.SignerFor, error) {
	strategy, err := signing.ParseStrategy(cfg.Signing.Strategy)
	if err != nil {
		return nil, err
	}
	opts := signing.Options{
		Strategy: strategy,
		Process: signing.ProcessOptions{
			ApksignerPath: cfg.Signing.ApksignerPath,
			JarsignerPath: cfg.Signing.JarsignerPath,
			Timeout:       cfg.Signing.SigningTimeout(),
			Retry:         retryCfg,
		},
		Archive: ArchiveOptions(cfg.Archive),
	}

	var defaultStore *signing.MaterialStore
	if cfg.Signing.KeystorePath != "" {
		defaultStore = signing.NewMaterialStore(logger, signing.StoreOptions{
			Path:     cfg.Signing.KeystorePath,
			Password: cfg.Signing.Password,
			Alias:    cfg.Signing.KeyAlias,
		})
	} else {
		defaultStore = signing.DefaultStore(logger, cfg.DataDir)
	}

	return func(materialPath string) (signing.Signer, error) {
		store := defaultStore
		if materialPath != "" && materialPath != defaultStore.Path() {
			store = signing.NewMaterialStore(logger, signing.StoreOptions{
				Path:     materialPath,
				Password: cfg.Signing.Password,
				Alias:    cfg.Signing.KeyAlias,
			})
		}
		return signing.New(logger, store, opts)
	}, nil
}

// NewOrchestrator 按配置创建编排器，verify_after 开启时签名后校验 v1 签名
func NewOrchestrator(logger *logrus.Logger, cfg *config.Config, signerFor patcher.SignerFor) *patcher.Orchestrator {
	opts := patcher.Options{
		WorkRoot:    cfg.Patch.WorkDir,
		Archive:     ArchiveOptions(cfg.Archive),
		KeepWorkDir: cfg.Patch.KeepWork,
	}
	if cfg.Signing.VerifyAfter {
		opts.Verify = func(signedPath string) error {
			_, err := signing.VerifyV1(signedPath)
			return err
		}
	}
	return patcher.New(logger, signerFor, opts)
}
