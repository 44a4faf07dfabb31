// Package catalog 按应用版本加载补丁描述文件与差分文件
package catalog

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	DefaultNativeTarget = domain.DefaultNativeTarget
	DefaultDexTarget    = domain.DefaultDexTarget
	GenericFile         = "patches.json"
	DeltaDir            = "bsdiff"
	DeltaExt            = ".bsdiff"
)

var ErrNotFound = errors.New("no patch catalog for version")

// hexInt 接受 JSON 数字或 "0x1A2B" 形式的字符串
type hexInt int64

func (h *hexInt) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*h = hexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("offset must be a number or hex string: %s", b)
	}
	// 字符串一律按十六进制解析，0x 前缀可选
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	v, err := strconv.ParseInt(t, 16, 64)
	if err != nil {
		return fmt.Errorf("bad offset %q", s)
	}
	*h = hexInt(v)
	return nil
}

// byteList 接受整数数组 [31, 32] 或十六进制串 "1f20 03d5"
type byteList []byte

func (l *byteList) UnmarshalJSON(b []byte) error {
	var ints []int
	if err := json.Unmarshal(b, &ints); err == nil {
		out := make([]byte, len(ints))
		for i, v := range ints {
			if v < -128 || v > 255 {
				return fmt.Errorf("byte value %d out of range", v)
			}
			out[i] = byte(v)
		}
		*l = out
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("bytes must be an array or hex string: %s", b)
	}
	out, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(s))
	if err != nil {
		return fmt.Errorf("bad hex bytes %q: %w", s, err)
	}
	*l = out
	return nil
}

// descriptor 补丁描述文件中的一项
type descriptor struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Enabled     *bool      `json:"enabled"`
	Patch       string     `json:"patch"`
	PatchType   string     `json:"patchType"`
	TargetFile  string     `json:"targetFile"`
	Offset      *hexInt    `json:"offset"`
	Offsets     []hexInt   `json:"offsets"`
	Expect      []byteList `json:"expect"`
	CustomBytes byteList   `json:"customBytes"`

	DexFile    string   `json:"dexFile"`
	ClassName  string   `json:"className"`
	MethodName string   `json:"methodName"`
	MethodSig  string   `json:"methodSig"`
	Bytes      byteList `json:"bytes"`
}

type document struct {
	Version string       `json:"version"`
	App     string       `json:"app"`
	Patches []descriptor `json:"patches"`
}

// Parse 解析补丁描述文件，enabled=false 的条目被丢弃
func Parse(data []byte) (*domain.PatchSet, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	set := &domain.PatchSet{Version: doc.Version, App: doc.App}
	for i, d := range doc.Patches {
		if d.Enabled != nil && !*d.Enabled {
			continue
		}
		p, err := d.toPatch()
		if err != nil {
			return nil, fmt.Errorf("patch #%d (%s): %w", i, d.Name, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		set.Patches = append(set.Patches, p)
	}
	return set, nil
}

// effect 解析补丁效果，没有写效果时使用 fallback（为空则报错）
func (d descriptor) effect(fallback domain.EffectKind) (domain.Effect, error) {
	name := d.Patch
	if name == "" {
		name = d.PatchType
	}
	if name == "" && len(d.CustomBytes) > 0 {
		name = string(domain.EffectCustom)
	}
	if name == "" {
		name = string(fallback)
	}
	kind, err := domain.ParseEffectKind(name)
	if err != nil {
		return domain.Effect{}, err
	}
	eff := domain.Effect{Kind: kind}
	if kind == domain.EffectCustom {
		eff.CustomBytes = []byte(d.CustomBytes)
	}
	return eff, nil
}

func (d descriptor) toPatch() (domain.Patch, error) {
	switch strings.ToLower(d.Type) {
	case "native", "":
		// 原生补丁只写了名字和偏移时按 return_true 处理
		eff, err := d.effect(domain.EffectReturnTrue)
		if err != nil {
			return domain.Patch{}, err
		}
		raw := d.Offsets
		if d.Offset != nil {
			raw = append([]hexInt{*d.Offset}, raw...)
		}
		if len(d.Expect) > 1 && len(d.Expect) != len(raw) {
			return domain.Patch{}, fmt.Errorf("expect has %d entries for %d offsets", len(d.Expect), len(raw))
		}
		offsets := make([]domain.NativeOffset, len(raw))
		for i, off := range raw {
			offsets[i] = domain.NativeOffset{Offset: int64(off)}
			switch len(d.Expect) {
			case 0:
			case 1:
				offsets[i].Expect = d.Expect[0]
			default:
				offsets[i].Expect = d.Expect[i]
			}
		}
		target := d.TargetFile
		if target == "" {
			target = DefaultNativeTarget
		}
		return domain.NewNativePatch(d.Name, d.Description, domain.NativePatch{
			TargetEntry: target,
			Offsets:     offsets,
			Effect:      eff,
		}), nil

	case "dex":
		target := d.DexFile
		if target == "" {
			target = DefaultDexTarget
		}
		dp := domain.DexPatch{
			TargetEntry: target,
			ClassName:   d.ClassName,
			MethodName:  d.MethodName,
			Signature:   d.MethodSig,
		}
		if len(d.Bytes) > 0 {
			if d.Offset == nil {
				return domain.Patch{}, errors.New("raw dex patch needs an offset")
			}
			dp.Offset = int64(*d.Offset)
			dp.Bytes = d.Bytes
		} else {
			eff, err := d.effect("")
			if err != nil {
				return domain.Patch{}, err
			}
			dp.Effect = eff
		}
		return domain.NewDexPatch(d.Name, d.Description, dp), nil
	}
	return domain.Patch{}, fmt.Errorf("unknown patch type %q", d.Type)
}

// ParseFile 读取并解析补丁描述文件
func ParseFile(path string) (*domain.PatchSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Catalog 补丁目录：<dir>/<version>.json 与 <dir>/bsdiff/<version>.bsdiff
type Catalog struct {
	dir    string
	logger *logrus.Logger
}

// New 创建补丁目录
func New(logger *logrus.Logger, dir string) *Catalog {
	return &Catalog{dir: dir, logger: logger}
}

// Dir 目录路径
func (c *Catalog) Dir() string {
	return c.dir
}

// Path 版本对应的补丁描述文件路径
func (c *Catalog) Path(version string) string {
	return filepath.Join(c.dir, version+".json")
}

// DeltaPath 版本对应的差分文件路径
func (c *Catalog) DeltaPath(version string) string {
	return filepath.Join(c.dir, DeltaDir, version+DeltaExt)
}

// Delta 版本有差分文件时返回其路径
func (c *Catalog) Delta(version string) (string, bool) {
	p := c.DeltaPath(version)
	if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
		return p, true
	}
	return "", false
}

// Load 加载版本对应的补丁，依次尝试 <version>.json、patches_<version>.json、patches.json
func (c *Catalog) Load(version string) (*domain.PatchSet, error) {
	candidates := []string{
		c.Path(version),
		filepath.Join(c.dir, "patches_"+version+".json"),
		filepath.Join(c.dir, GenericFile),
	}
	for _, p := range candidates {
		set, err := ParseFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if set.Version == "" {
			set.Version = version
		}
		c.logger.WithFields(logrus.Fields{
			"version": version,
			"file":    filepath.Base(p),
			"patches": len(set.Patches),
		}).Info("Loaded patch catalog")
		return set, nil
	}
	return nil, fmt.Errorf("%w %s in %s", ErrNotFound, version, c.dir)
}

// Versions 列出目录中所有版本化的补丁描述文件
func (c *Catalog) Versions() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || name == GenericFile {
			continue
		}
		v := strings.TrimSuffix(strings.TrimPrefix(name, "patches_"), ".json")
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}
