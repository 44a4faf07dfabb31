package signing

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
)

const (
	manifestName  = "META-INF/MANIFEST.MF"
	signatureName = "META-INF/CERT.SF"
	blockName     = "META-INF/CERT.RSA"
)

// V1Signer 进程内 JAR 签名（v1），不依赖外部工具
type V1Signer struct {
	store   *MaterialStore
	logger  *logrus.Logger
	rebuild archive.Options
}

// NewV1Signer 创建内置签名器
func NewV1Signer(logger *logrus.Logger, store *MaterialStore) *V1Signer {
	return &V1Signer{store: store, logger: logger, rebuild: archive.DefaultOptions()}
}

// WithArchiveOptions 写签名包时使用的重建参数
func (s *V1Signer) WithArchiveOptions(opts archive.Options) *V1Signer {
	s.rebuild = opts
	return s
}

func (s *V1Signer) Name() string { return "builtin-v1" }

// Sign 去掉旧签名文件，为其余条目生成 MANIFEST.MF / CERT.SF / CERT.RSA 并写到 signed
func (s *V1Signer) Sign(ctx context.Context, unsigned, signed string) error {
	material, err := s.store.Load()
	if err != nil {
		return err
	}

	entries, err := digestEntries(ctx, unsigned)
	if err != nil {
		return err
	}

	manifest, sections := buildManifest(entries)
	sf := buildSignatureFile(manifest, entries, sections)
	block, err := signPKCS7(sf, material.Key, material.Cert)
	if err != nil {
		return fmt.Errorf("sign signature file: %w", err)
	}

	opts := s.rebuild
	opts.Skip = archive.IsSignatureFile
	opts.Prepend = []archive.NewFile{
		{Name: manifestName, Data: manifest},
		{Name: signatureName, Data: sf},
		{Name: blockName, Data: block},
	}
	res, err := archive.Rebuild(unsigned, signed, nil, opts)
	if err != nil {
		return fmt.Errorf("write signed archive: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"entries":  len(entries),
		"stripped": res.Skipped,
		"serial":   material.Cert.SerialNumber.String(),
	}).Info("✅ APK signed (v1)")
	return nil
}

// digestEntries 计算所有非签名文件条目的 SHA-256，顺序与压缩包一致
func digestEntries(ctx context.Context, apkPath string) ([]manifestEntry, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	entries := make([]manifestEntry, 0, len(r.File))
	seen := make(map[string]bool, len(r.File))
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() || archive.IsSignatureFile(f.Name) || seen[f.Name] {
			continue
		}
		seen[f.Name] = true

		rc, err := archive.OpenContent(f)
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		h := sha256.New()
		_, err = io.Copy(h, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("digest entry %s: %w", f.Name, err)
		}
		entries = append(entries, manifestEntry{Name: f.Name, Digest: h.Sum(nil)})
	}
	return entries, nil
}
