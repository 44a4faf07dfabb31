package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/retry"
	"github.com/sirupsen/logrus"
)

// ProcessOptions 外部签名工具参数
type ProcessOptions struct {
	// ApksignerPath 为空时在 PATH 中查找 apksigner
	ApksignerPath string
	// JarsignerPath 为空时在 PATH 中查找 jarsigner
	JarsignerPath string
	Timeout       time.Duration
	Retry         *retry.Config
}

// ProcessSigner 调用 apksigner（v1+v2），找不到或失败时退回 jarsigner（v1）
type ProcessSigner struct {
	store  *MaterialStore
	opts   ProcessOptions
	logger *logrus.Logger
	// lookPath 测试中替换
	lookPath func(string) (string, error)
}

// NewProcessSigner 创建外部签名器
func NewProcessSigner(logger *logrus.Logger, store *MaterialStore, opts ProcessOptions) *ProcessSigner {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &ProcessSigner{store: store, opts: opts, logger: logger, lookPath: exec.LookPath}
}

func (s *ProcessSigner) Name() string { return "delegated" }

// tool 解析出的签名工具
type tool struct {
	name string
	path string
}

// resolve 按优先级返回所有能找到的签名工具
func (s *ProcessSigner) resolve() ([]tool, error) {
	candidates := []tool{
		{name: "apksigner", path: s.opts.ApksignerPath},
		{name: "jarsigner", path: s.opts.JarsignerPath},
	}
	var found []tool
	for _, c := range candidates {
		p := c.path
		if p == "" {
			p = c.name
		}
		if resolved, err := s.lookPath(p); err == nil {
			found = append(found, tool{name: c.name, path: resolved})
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: neither apksigner nor jarsigner found", ErrNoSigner)
	}
	return found, nil
}

// Sign 依次尝试 apksigner、jarsigner，前一个失败时换下一个
func (s *ProcessSigner) Sign(ctx context.Context, unsigned, signed string) error {
	tools, err := s.resolve()
	if err != nil {
		return err
	}
	material, err := s.store.Load()
	if err != nil {
		return err
	}

	var errs []error
	for i := range tools {
		t := &tools[i]
		err := s.signWith(ctx, t, material, unsigned, signed)
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"tool":   t.name,
				"output": signed,
			}).Info("✅ APK signed")
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		errs = append(errs, err)
		if i < len(tools)-1 {
			s.logger.WithFields(logrus.Fields{
				"tool":  t.name,
				"error": err.Error(),
			}).Warn("⚠️  Signing tool failed, trying next")
		}
	}
	return errors.Join(errs...)
}

func (s *ProcessSigner) signWith(ctx context.Context, t *tool, material *Material, unsigned, signed string) error {
	var args []string
	switch t.name {
	case "apksigner":
		args = []string{
			"sign",
			"--ks", material.Path,
			"--ks-type", "PKCS12",
			"--ks-key-alias", material.Alias,
			"--ks-pass", "pass:" + material.Password,
			"--key-pass", "pass:" + material.Password,
			"--out", signed,
			unsigned,
		}
	default:
		// jarsigner 原地签名
		if err := copyFile(unsigned, signed); err != nil {
			return err
		}
		args = []string{
			"-keystore", material.Path,
			"-storetype", "PKCS12",
			"-storepass", material.Password,
			"-keypass", material.Password,
			"-sigalg", "SHA256withRSA",
			"-digestalg", "SHA-256",
			signed,
			material.Alias,
		}
	}

	cfg := retry.DefaultConfig()
	if s.opts.Retry != nil {
		*cfg = *s.opts.Retry
	}
	cfg.Operation = t.name

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		return s.run(ctx, t, args)
	})
	if err != nil {
		// 失败的工具可能留下半成品
		os.Remove(signed)
		return err
	}
	return nil
}

func (s *ProcessSigner) run(ctx context.Context, t *tool, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	s.logger.WithField("tool", t.path).Debug("Running signer")
	err := cmd.Run()
	if err == nil {
		return nil
	}

	msg := strings.TrimSpace(out.String())
	if ctx.Err() != nil {
		return fmt.Errorf("%s timed out: %w", t.name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// 非零退出可能是偶发的文件占用，交给重试
		return retry.Retryable(fmt.Errorf("%s exited with %d: %s", t.name, exitErr.ExitCode(), msg))
	}
	return fmt.Errorf("run %s: %w", t.name, err)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
