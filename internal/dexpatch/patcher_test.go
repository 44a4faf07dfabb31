package dexpatch

import (
	"bytes"
	"io"
	"testing"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var body = []byte{0x12, 0x20, 0x12, 0x30, 0x90, 0x00, 0x02, 0x03, 0x0f, 0x00}

func newTestPatcher() *Patcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return NewPatcher(logger)
}

func twoClassDex() ([]byte, []testutil.CodeLocation) {
	return testutil.BuildDex([]testutil.DexClass{
		{
			Descriptor:   "Lcom/example/A;",
			StaticFields: 2,
			Direct:       []testutil.DexMethod{{Name: "<init>", Code: body}},
			Virtual:      []testutil.DexMethod{{Name: "isPremium", Code: body}, {Name: "other", Code: body}},
		},
		{
			Descriptor: "Lcom/example/B;",
			Direct:     []testutil.DexMethod{{Name: "helper", Code: body}},
			Virtual:    []testutil.DexMethod{{Name: "isPremium", Code: body}, {Name: "abstractOne"}},
		},
	})
}

// TestParse_Header 测试头部解析
func TestParse_Header(t *testing.T) {
	dex, _ := twoClassDex()
	f, err := Parse(dex)
	require.NoError(t, err)
	assert.Equal(t, "035", f.Version())
	assert.Equal(t, uint32(2), f.Header.ClassDefsSize)
	assert.True(t, VerifyChecksums(dex), "生成的测试 DEX 校验和应正确")
}

// TestParse_BadHeader 测试非法头部
func TestParse_BadHeader(t *testing.T) {
	_, err := Parse([]byte("dex\n035"))
	assert.ErrorIs(t, err, ErrBadHeader)

	dex, _ := twoClassDex()
	bad := append([]byte(nil), dex...)
	copy(bad, "zip\n")
	_, err = Parse(bad)
	assert.ErrorIs(t, err, ErrBadHeader)

	bad = append([]byte(nil), dex...)
	bad[0x60] = 0xFF // class_defs_size
	bad[0x61] = 0xFF
	_, err = Parse(bad)
	assert.ErrorIs(t, err, ErrBadHeader)
}

// TestFindMethod_TwoClasses 测试同名方法只修改目标类
func TestFindMethod_TwoClasses(t *testing.T) {
	dex, locs := twoClassDex()
	a, ok := testutil.Find(locs, "Lcom/example/A;", "isPremium")
	require.True(t, ok)
	b, ok := testutil.Find(locs, "Lcom/example/B;", "isPremium")
	require.True(t, ok)
	origB := append([]byte(nil), dex[b.Offset:b.Offset+b.Size]...)

	off, err := newTestPatcher().PatchMethod(dex, "com.example.A", "isPremium", "", domain.Effect{Kind: domain.EffectReturnTrue})
	require.NoError(t, err)
	assert.Equal(t, uint32(a.Offset), off)
	assert.Equal(t, []byte{0x12, 0x10, 0x0f, 0x00}, dex[a.Offset:a.Offset+4])
	assert.Equal(t, body[4:], dex[a.Offset+4:a.Offset+a.Size], "超出补丁长度的指令保持不变")
	assert.Equal(t, origB, dex[b.Offset:b.Offset+b.Size], "B.isPremium 不应被修改")
}

// TestFindMethod_VirtualIndexReset 测试 virtual 方法索引重新累计
func TestFindMethod_VirtualIndexReset(t *testing.T) {
	dex, locs := twoClassDex()
	f, err := Parse(dex)
	require.NoError(t, err)

	m, err := f.FindMethod("Lcom/example/A;", "other", "()Z")
	require.NoError(t, err)
	loc, _ := testutil.Find(locs, "Lcom/example/A;", "other")
	assert.Equal(t, uint32(loc.Offset), m.InsnsOff)
	assert.Equal(t, uint32(len(body)/2), m.InsnsSize)
	assert.Equal(t, "()Z", m.Proto)

	m, err = f.FindMethod("com/example/B", "helper", "")
	require.NoError(t, err)
	loc, _ = testutil.Find(locs, "Lcom/example/B;", "helper")
	assert.Equal(t, uint32(loc.Offset), m.InsnsOff)
}

// TestFindMethod_Errors 测试各种查找失败
func TestFindMethod_Errors(t *testing.T) {
	dex, _ := twoClassDex()
	f, err := Parse(dex)
	require.NoError(t, err)

	_, err = f.FindMethod("Lcom/example/C;", "isPremium", "")
	assert.ErrorIs(t, err, ErrClassNotFound)

	_, err = f.FindMethod("Lcom/example/A;", "missing", "")
	assert.ErrorIs(t, err, ErrMethodNotFound)

	_, err = f.FindMethod("Lcom/example/A;", "isPremium", "(I)V")
	assert.ErrorIs(t, err, ErrMethodNotFound, "签名不匹配")

	_, err = f.FindMethod("Lcom/example/B;", "abstractOne", "")
	assert.ErrorIs(t, err, ErrNoCode)
}

// TestChecksum_Idempotent 测试补丁后校验和可重算且幂等
func TestChecksum_Idempotent(t *testing.T) {
	dex, _ := twoClassDex()
	require.NoError(t, newTestPatcher().ApplyPatch(dex, domain.NewDexPatch("p", "", domain.DexPatch{
		ClassName: "Lcom/example/B;", MethodName: "helper", Effect: domain.Effect{Kind: domain.EffectReturnVoid},
	})))
	assert.True(t, VerifyChecksums(dex))

	once := append([]byte(nil), dex...)
	UpdateChecksums(dex)
	assert.Equal(t, once, dex, "重复计算校验和结果不变")
}

// TestPatchRaw 测试直接偏移写入
func TestPatchRaw(t *testing.T) {
	dex, locs := twoClassDex()
	loc, _ := testutil.Find(locs, "Lcom/example/A;", "<init>")
	p := newTestPatcher()

	require.NoError(t, p.PatchRaw(dex, int64(loc.Offset), []byte{0x0e, 0x00}))
	assert.Equal(t, []byte{0x0e, 0x00}, dex[loc.Offset:loc.Offset+2])
	assert.True(t, VerifyChecksums(dex))

	before := append([]byte(nil), dex...)
	err := p.PatchRaw(dex, int64(len(dex)-1), []byte{1, 2})
	assert.ErrorIs(t, err, ErrOutOfBounds)
	err = p.PatchRaw(dex, 8, []byte{1, 2})
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.True(t, bytes.Equal(before, dex), "失败的补丁不应修改文件")
}

// TestPatchMethod_PayloadTooLarge 测试补丁长度超过方法体
func TestPatchMethod_PayloadTooLarge(t *testing.T) {
	dex, _ := testutil.BuildDex([]testutil.DexClass{{
		Descriptor: "LShort;",
		Direct:     []testutil.DexMethod{{Name: "tiny", Code: []byte{0x0e, 0x00}}},
	}})
	_, err := newTestPatcher().PatchMethod(dex, "LShort;", "tiny", "", domain.Effect{Kind: domain.EffectReturnTrue})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = newTestPatcher().PatchMethod(dex, "LShort;", "tiny", "", domain.Effect{Kind: domain.EffectReturnVoid})
	assert.NoError(t, err)
}

// TestDecodeMUTF8 测试 modified UTF-8 解码
func TestDecodeMUTF8(t *testing.T) {
	s, err := decodeMUTF8([]byte("abc\x00"), 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	// U+00E9 两字节，U+4E2D 三字节
	s, err = decodeMUTF8([]byte{0xC3, 0xA9, 0xE4, 0xB8, 0xAD, 0x00}, 2)
	require.NoError(t, err)
	assert.Equal(t, "é中", s)

	// 补充平面字符以代理对形式编码：U+1F600 = D83D DE00
	s, err = decodeMUTF8([]byte{0xED, 0xA0, 0xBD, 0xED, 0xB8, 0x80}, 2)
	require.NoError(t, err)
	assert.Equal(t, "\U0001F600", s)

	// 嵌入的 NUL 使用 C0 80
	s, err = decodeMUTF8([]byte{0xC0, 0x80}, 1)
	require.NoError(t, err)
	assert.Equal(t, "\x00", s)

	_, err = decodeMUTF8([]byte{0xE4, 0xB8}, 1)
	assert.Error(t, err)
}

// TestReadULEB128 测试 uleb128 读取
func TestReadULEB128(t *testing.T) {
	v, pos := readULEB128([]byte{0xE5, 0x8E, 0x26}, 0)
	assert.Equal(t, uint32(624485), v)
	assert.Equal(t, 3, pos)

	_, pos = readULEB128([]byte{0x80, 0x80}, 0)
	assert.Equal(t, -1, pos)

	_, pos = readULEB128([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}, 0)
	assert.Equal(t, -1, pos)
}
