package dexpatch

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds method body")
	ErrOutOfBounds     = errors.New("offset out of bounds")
)

// Dalvik 指令编码
var dexEncodings = map[domain.EffectKind][]byte{
	domain.EffectReturnTrue:  {0x12, 0x10, 0x0f, 0x00}, // const/4 v0, 1; return v0
	domain.EffectReturnFalse: {0x12, 0x00, 0x0f, 0x00}, // const/4 v0, 0; return v0
	domain.EffectReturnVoid:  {0x0e, 0x00},             // return-void
	domain.EffectNop:         {0x00, 0x00},             // nop
}

// Encode 返回补丁效果对应的 Dalvik 字节码
func Encode(effect domain.Effect) ([]byte, error) {
	if effect.Kind == domain.EffectCustom {
		if len(effect.CustomBytes) == 0 {
			return nil, errors.New("custom effect without bytes")
		}
		if len(effect.CustomBytes)%2 != 0 {
			return nil, fmt.Errorf("custom dex bytes must be whole 16-bit units, got %d bytes", len(effect.CustomBytes))
		}
		return append([]byte(nil), effect.CustomBytes...), nil
	}
	code, ok := dexEncodings[effect.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported dex effect %q", effect.Kind)
	}
	return append([]byte(nil), code...), nil
}

// Patcher DEX 方法补丁器
type Patcher struct {
	logger *logrus.Logger
}

// NewPatcher 创建 DEX 补丁器
func NewPatcher(logger *logrus.Logger) *Patcher {
	return &Patcher{logger: logger}
}

// PatchMethod 定位方法并覆盖其入口指令，成功后更新校验和
// 返回被改写的文件偏移
func (p *Patcher) PatchMethod(dex []byte, className, methodName, signature string, effect domain.Effect) (uint32, error) {
	code, err := Encode(effect)
	if err != nil {
		return 0, err
	}
	f, err := Parse(dex)
	if err != nil {
		return 0, err
	}
	m, err := f.FindMethod(className, methodName, signature)
	if err != nil {
		return 0, err
	}
	if uint64(len(code)) > uint64(m.InsnsSize)*2 {
		return 0, fmt.Errorf("%w: %d bytes into %d code units of %s", ErrPayloadTooLarge, len(code), m.InsnsSize, methodName)
	}
	if uint64(m.InsnsOff)+uint64(len(code)) > uint64(len(dex)) {
		return 0, fmt.Errorf("%w: insns at 0x%x", ErrOutOfBounds, m.InsnsOff)
	}

	target := dex[m.InsnsOff : m.InsnsOff+uint32(len(code))]
	p.logger.WithFields(logrus.Fields{
		"class":  ClassDescriptor(className),
		"method": methodName + m.Proto,
		"offset": fmt.Sprintf("0x%x", m.InsnsOff),
		"before": hex.EncodeToString(target),
		"after":  hex.EncodeToString(code),
	}).Debug("Overwriting dex method entry")

	copy(target, code)
	UpdateChecksums(dex)
	return m.InsnsOff, nil
}

// PatchRaw 在预计算的偏移处直接写入字节，然后更新校验和
func (p *Patcher) PatchRaw(dex []byte, offset int64, payload []byte) error {
	if _, err := Parse(dex); err != nil {
		return err
	}
	// 头部 0x00-0x20 是 magic/checksum/signature，写入会被覆盖
	if offset < 32 || offset+int64(len(payload)) > int64(len(dex)) {
		return fmt.Errorf("%w: 0x%x+%d (file size 0x%x)", ErrOutOfBounds, offset, len(payload), len(dex))
	}
	copy(dex[offset:], payload)
	UpdateChecksums(dex)
	return nil
}

// ApplyPatch 应用一个 DEX 补丁
func (p *Patcher) ApplyPatch(dex []byte, patch domain.Patch) error {
	if patch.Kind != domain.PatchKindDex || patch.Dex == nil {
		return fmt.Errorf("%s is not a dex patch", patch.Name)
	}
	d := patch.Dex
	if d.IsRaw() {
		return p.PatchRaw(dex, d.Offset, d.Bytes)
	}
	_, err := p.PatchMethod(dex, d.ClassName, d.MethodName, d.Signature, d.Effect)
	return err
}
