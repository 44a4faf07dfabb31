package nativepatch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
	"golang.org/x/arch/arm64/arm64asm"
)

var (
	ErrOutOfBounds      = errors.New("offset out of bounds")
	ErrExpectedMismatch = errors.New("original bytes mismatch")
)

// OffsetFailure 某个偏移未能写入的原因
type OffsetFailure struct {
	Offset int64
	Err    error
}

// Result 单个补丁的执行结果
type Result struct {
	Applied  int
	Failures []OffsetFailure
}

// Patcher 原生库偏移补丁器
type Patcher struct {
	logger *logrus.Logger
	strict bool
}

// NewPatcher 创建原生库补丁器
// strict 为 true 时，带有 Expect 字节的偏移在原始内容不匹配时跳过
func NewPatcher(logger *logrus.Logger, strict bool) *Patcher {
	return &Patcher{logger: logger, strict: strict}
}

// Apply 在 buf 上原地写入补丁，越界的偏移只记为失败
func (p *Patcher) Apply(buf []byte, arch Arch, offsets []domain.NativeOffset, effect domain.Effect) (*Result, error) {
	code, err := Encode(arch, effect)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	size := int64(len(buf))
	for _, off := range offsets {
		end := off.Offset + int64(len(code))
		if off.Offset < 0 || end > size {
			res.Failures = append(res.Failures, OffsetFailure{
				Offset: off.Offset,
				Err:    fmt.Errorf("%w: 0x%x+%d > 0x%x", ErrOutOfBounds, off.Offset, len(code), size),
			})
			continue
		}

		current := buf[off.Offset:end]
		if p.strict && len(off.Expect) > 0 && !bytes.HasPrefix(current, off.Expect) {
			res.Failures = append(res.Failures, OffsetFailure{
				Offset: off.Offset,
				Err: fmt.Errorf("%w at 0x%x: want %s, have %s", ErrExpectedMismatch, off.Offset,
					hex.EncodeToString(off.Expect), hex.EncodeToString(current[:min(len(off.Expect), len(current))])),
			})
			continue
		}

		if p.logger.IsLevelEnabled(logrus.DebugLevel) {
			p.logger.WithFields(logrus.Fields{
				"offset": fmt.Sprintf("0x%x", off.Offset),
				"before": Disassemble(arch, current),
				"after":  Disassemble(arch, code),
			}).Debug("Overwriting native instructions")
		}

		copy(current, code)
		res.Applied++
	}
	return res, nil
}

// ApplyPatch 把一个原生补丁应用在 buf 上
func (p *Patcher) ApplyPatch(buf []byte, patch domain.Patch) (*Result, error) {
	if patch.Kind != domain.PatchKindNative || patch.Native == nil {
		return nil, fmt.Errorf("%s is not a native patch", patch.Name)
	}
	return p.Apply(buf, ArchForEntry(patch.Native.TargetEntry), patch.Native.Offsets, patch.Native.Effect)
}

// Disassemble 仅用于调试日志，arm64 以外直接输出十六进制
func Disassemble(arch Arch, code []byte) string {
	if arch != ArchARM64 {
		return hex.EncodeToString(code)
	}
	var parts []string
	for i := 0; i+4 <= len(code); i += 4 {
		inst, err := arm64asm.Decode(code[i : i+4])
		if err != nil {
			parts = append(parts, "?"+hex.EncodeToString(code[i:i+4]))
			continue
		}
		parts = append(parts, inst.String())
	}
	return strings.Join(parts, "; ")
}
