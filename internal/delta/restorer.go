package delta

import (
	"fmt"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// Restorer 从差分文件还原被保护壳抹除的原生库
type Restorer struct {
	logger *logrus.Logger
}

// NewRestorer 创建还原器
func NewRestorer(logger *logrus.Logger) *Restorer {
	return &Restorer{logger: logger}
}

// RestoreFile 读取差分文件并应用到 original 上
func (r *Restorer) RestoreFile(original []byte, deltaPath string) ([]byte, error) {
	patch, err := os.ReadFile(deltaPath)
	if err != nil {
		return nil, fmt.Errorf("read delta: %w", err)
	}
	return r.Restore(original, patch)
}

// Restore 应用差分，失败时不返回部分结果
func (r *Restorer) Restore(original, patch []byte) ([]byte, error) {
	start := time.Now()
	restored, err := Apply(original, patch)
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{
		"old_size":   len(original),
		"new_size":   len(restored),
		"old_digest": digest.FromBytes(original).String(),
		"new_digest": digest.FromBytes(restored).String(),
		"duration":   time.Since(start).String(),
	}).Info("Binary delta applied")
	return restored, nil
}
