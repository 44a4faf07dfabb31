package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultNativeTarget 未指定目标时的原生库
	DefaultNativeTarget = "lib/arm64-v8a/libil2cpp.so"
	// DefaultDexTarget 未指定目标时的 DEX 文件
	DefaultDexTarget = "classes.dex"
)

// PatchKind 补丁类型
type PatchKind string

const (
	PatchKindNative PatchKind = "native" // 原生库偏移补丁
	PatchKindDex    PatchKind = "dex"    // DEX 方法补丁
)

// EffectKind 补丁效果
type EffectKind string

const (
	EffectReturnTrue  EffectKind = "return_true"
	EffectReturnFalse EffectKind = "return_false"
	EffectReturnVoid  EffectKind = "return_void"
	EffectNop         EffectKind = "nop"
	EffectCustom      EffectKind = "custom"
)

// ParseEffectKind 解析补丁效果名称（兼容大小写与驼峰写法）
func ParseEffectKind(s string) (EffectKind, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch norm {
	case "return_true", "returntrue", "true":
		return EffectReturnTrue, nil
	case "return_false", "returnfalse", "false":
		return EffectReturnFalse, nil
	case "return_void", "returnvoid", "void":
		return EffectReturnVoid, nil
	case "nop":
		return EffectNop, nil
	case "custom", "custom_bytes", "custombytes", "bytes":
		return EffectCustom, nil
	}
	return "", fmt.Errorf("unknown patch effect %q", s)
}

// Effect 补丁效果，CustomBytes 仅在 Kind 为 custom 时有效
type Effect struct {
	Kind        EffectKind `json:"kind"`
	CustomBytes []byte     `json:"custom_bytes,omitempty"`
}

// NativeOffset 原生库中的一个补丁位置
// Expect 为空时不校验原始字节
type NativeOffset struct {
	Offset int64  `json:"offset"`
	Expect []byte `json:"expect,omitempty"`
}

// NativePatch 原生库补丁字段
type NativePatch struct {
	TargetEntry string         `json:"target_entry"`
	Offsets     []NativeOffset `json:"offsets"`
	Effect      Effect         `json:"effect"`
}

// DexPatch DEX 补丁字段
// 两种形式二选一：类名+方法名查找，或者预计算的 Offset+Bytes 直接写入
type DexPatch struct {
	TargetEntry string `json:"target_entry"`
	ClassName   string `json:"class_name,omitempty"`
	MethodName  string `json:"method_name,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Effect      Effect `json:"effect"`

	Offset int64  `json:"offset,omitempty"`
	Bytes  []byte `json:"bytes,omitempty"`
}

// IsRaw 是否为直接偏移写入形式
func (d *DexPatch) IsRaw() bool {
	return len(d.Bytes) > 0
}

// Patch 单个补丁，Kind 决定 Native 与 Dex 哪一个有效
type Patch struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Kind        PatchKind    `json:"kind"`
	Native      *NativePatch `json:"native,omitempty"`
	Dex         *DexPatch    `json:"dex,omitempty"`
}

// NewNativePatch 创建原生库补丁
func NewNativePatch(name, description string, np NativePatch) Patch {
	return Patch{Name: name, Description: description, Kind: PatchKindNative, Native: &np}
}

// NewDexPatch 创建 DEX 补丁
func NewDexPatch(name, description string, dp DexPatch) Patch {
	return Patch{Name: name, Description: description, Kind: PatchKindDex, Dex: &dp}
}

var (
	ErrInvalidPatch = errors.New("invalid patch")
)

// Validate 校验补丁字段组合
func (p Patch) Validate() error {
	switch p.Kind {
	case PatchKindNative:
		if p.Native == nil || p.Dex != nil {
			return fmt.Errorf("%w: %s: native patch must carry only native fields", ErrInvalidPatch, p.Name)
		}
		if len(p.Native.Offsets) == 0 {
			return fmt.Errorf("%w: %s: no offsets", ErrInvalidPatch, p.Name)
		}
		for _, off := range p.Native.Offsets {
			if off.Offset < 0 {
				return fmt.Errorf("%w: %s: negative offset %d", ErrInvalidPatch, p.Name, off.Offset)
			}
		}
		return p.Native.Effect.validate(p.Name)
	case PatchKindDex:
		if p.Dex == nil || p.Native != nil {
			return fmt.Errorf("%w: %s: dex patch must carry only dex fields", ErrInvalidPatch, p.Name)
		}
		lookup := p.Dex.ClassName != "" || p.Dex.MethodName != ""
		if lookup == p.Dex.IsRaw() {
			return fmt.Errorf("%w: %s: dex patch needs either class+method or offset+bytes", ErrInvalidPatch, p.Name)
		}
		if lookup {
			if p.Dex.ClassName == "" || p.Dex.MethodName == "" {
				return fmt.Errorf("%w: %s: both class and method name are required", ErrInvalidPatch, p.Name)
			}
			return p.Dex.Effect.validate(p.Name)
		}
		if p.Dex.Offset < 0 {
			return fmt.Errorf("%w: %s: negative offset %d", ErrInvalidPatch, p.Name, p.Dex.Offset)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidPatch, p.Name, p.Kind)
}

func (e Effect) validate(name string) error {
	switch e.Kind {
	case EffectReturnTrue, EffectReturnFalse, EffectReturnVoid, EffectNop:
		return nil
	case EffectCustom:
		if len(e.CustomBytes) == 0 {
			return fmt.Errorf("%w: %s: custom effect without bytes", ErrInvalidPatch, name)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: unknown effect %q", ErrInvalidPatch, name, e.Kind)
}

// PatchSet 一组有序补丁
type PatchSet struct {
	Version string  `json:"version,omitempty"`
	App     string  `json:"app,omitempty"`
	Patches []Patch `json:"patches"`
}

// NativePatches 返回原生库补丁（保持原顺序）
func (s PatchSet) NativePatches() []Patch {
	return s.byKind(PatchKindNative)
}

// DexPatches 返回 DEX 补丁（保持原顺序）
func (s PatchSet) DexPatches() []Patch {
	return s.byKind(PatchKindDex)
}

func (s PatchSet) byKind(kind PatchKind) []Patch {
	var out []Patch
	for _, p := range s.Patches {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Mode 打补丁策略
type Mode string

const (
	ModeDirect  Mode = "direct"  // 直接修改字节
	ModeRebuild Mode = "rebuild" // 反编译重建（本引擎不支持）
)

// JobConfig 一次补丁任务的输入
type JobConfig struct {
	ID         string   `json:"id"`
	InputPath  string   `json:"input_path"`
	OutputPath string   `json:"output_path"`
	WorkDir    string   `json:"work_dir,omitempty"`
	Patches    PatchSet `json:"patches"`
	DeltaPath  string   `json:"delta_path,omitempty"`
	// DeltaTarget 差分还原的目标条目，为空时使用第一个原生补丁的目标
	DeltaTarget string `json:"delta_target,omitempty"`
	// SigningMaterial 为空表示使用（必要时生成）默认签名材料
	SigningMaterial string `json:"signing_material,omitempty"`
	Mode            Mode   `json:"mode"`
	Strict          bool   `json:"strict"`
	// RestoreCRC 重建后把所有条目的 CRC 字段写回原包的值，包括打过补丁的条目
	RestoreCRC bool `json:"restore_crc"`
	// BypassPairip 把清单中的 pairip Application 替换为 android.app.Application
	BypassPairip bool `json:"bypass_pairip"`
	SkipSign     bool `json:"skip_sign"`
}

// HasNativeWork 是否需要原生库阶段
func (c *JobConfig) HasNativeWork() bool {
	return c.DeltaPath != "" || len(c.Patches.NativePatches()) > 0
}

// HasDexWork 是否需要 DEX 阶段
func (c *JobConfig) HasDexWork() bool {
	return len(c.Patches.DexPatches()) > 0
}
