package nativepatch

import (
	"fmt"
	"strings"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
)

// Arch 原生库指令集
type Arch string

const (
	ArchARM64 Arch = "arm64-v8a"
	ArchARM   Arch = "armeabi-v7a"
)

// ArchForEntry 根据 APK 内的路径推断指令集，无法判断时按 arm64 处理
func ArchForEntry(entry string) Arch {
	if strings.Contains(entry, "/armeabi-v7a/") || strings.Contains(entry, "/armeabi/") {
		return ArchARM
	}
	return ArchARM64
}

// 小端序指令编码
var encodings = map[Arch]map[domain.EffectKind][]byte{
	ArchARM64: {
		domain.EffectReturnTrue:  {0x20, 0x00, 0x80, 0xD2, 0xC0, 0x03, 0x5F, 0xD6}, // mov x0, #1; ret
		domain.EffectReturnFalse: {0x00, 0x00, 0x80, 0xD2, 0xC0, 0x03, 0x5F, 0xD6}, // mov x0, #0; ret
		domain.EffectReturnVoid:  {0xC0, 0x03, 0x5F, 0xD6},                         // ret
		domain.EffectNop:         {0x1F, 0x20, 0x03, 0xD5},                         // nop
	},
	ArchARM: {
		domain.EffectReturnTrue:  {0x01, 0x00, 0xA0, 0xE3, 0x1E, 0xFF, 0x2F, 0xE1}, // mov r0, #1; bx lr
		domain.EffectReturnFalse: {0x00, 0x00, 0xA0, 0xE3, 0x1E, 0xFF, 0x2F, 0xE1}, // mov r0, #0; bx lr
		domain.EffectReturnVoid:  {0x1E, 0xFF, 0x2F, 0xE1},                         // bx lr
		domain.EffectNop:         {0x00, 0xF0, 0x20, 0xE3},                         // nop
	},
}

// Encode 返回补丁效果对应的机器码（返回副本，调用方可修改）
func Encode(arch Arch, effect domain.Effect) ([]byte, error) {
	if effect.Kind == domain.EffectCustom {
		if len(effect.CustomBytes) == 0 {
			return nil, fmt.Errorf("custom effect without bytes")
		}
		return append([]byte(nil), effect.CustomBytes...), nil
	}
	table, ok := encodings[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported arch %q", arch)
	}
	code, ok := table[effect.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported effect %q", effect.Kind)
	}
	return append([]byte(nil), code...), nil
}
