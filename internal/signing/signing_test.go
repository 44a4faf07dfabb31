package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/apk-analysis/apk-patcher-go/internal/retry"
	"github.com/apk-analysis/apk-patcher-go/internal/testutil"
	"github.com/digitorus/pkcs7"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func unsignedAPK(t *testing.T) string {
	p := filepath.Join(t.TempDir(), "unsigned.apk")
	testutil.WriteAPK(t, p, []testutil.Entry{
		{Name: "AndroidManifest.xml", Data: bytes.Repeat([]byte("axml"), 40)},
		{Name: "classes.dex", Data: bytes.Repeat([]byte{0x64, 0x65, 0x78}, 100)},
		{Name: "lib/arm64-v8a/libgame.so", Data: bytes.Repeat([]byte{0x1F}, 4096)},
		{Name: "resources.arsc", Data: bytes.Repeat([]byte{2}, 77)},
		{Name: "META-INF/MANIFEST.MF", Data: []byte("Manifest-Version: 1.0\r\n\r\n")},
		{Name: "META-INF/OLD.SF", Data: []byte("stale")},
		{Name: "META-INF/OLD.RSA", Data: []byte{0x30}},
		{Name: "META-INF/services/x.y.Z", Data: []byte("impl")},
	})
	return p
}

// TestMaterialStore_ReuseSerial 测试第二次加载复用同一份证书
func TestMaterialStore_ReuseSerial(t *testing.T) {
	store := DefaultStore(quietLogger(), t.TempDir())

	first, err := store.Load()
	require.NoError(t, err)
	_, err = os.Stat(store.Path())
	require.NoError(t, err, "生成后应持久化")

	second, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, first.Cert.SerialNumber, second.Cert.SerialNumber)
	assert.True(t, first.Key.Equal(second.Key))
}

// TestMaterialStore_Certificate 测试证书字段
func TestMaterialStore_Certificate(t *testing.T) {
	store := DefaultStore(quietLogger(), t.TempDir())
	m, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, "Android Debug", m.Cert.Subject.CommonName)
	assert.Equal(t, []string{"Android"}, m.Cert.Subject.Organization)
	assert.Equal(t, []string{"US"}, m.Cert.Subject.Country)
	assert.True(t, m.Cert.NotBefore.Before(time.Now()), "有效期从过去开始")
	assert.Greater(t, m.Cert.NotAfter.Sub(m.Cert.NotBefore), 24*365*24*time.Hour)
	assert.Equal(t, DefaultAlias, m.Alias)
	assert.Equal(t, 2048, m.Key.N.BitLen())
}

// TestMaterialStore_CorruptRegenerated 测试无法读取的默认材料会重新生成
func TestMaterialStore_CorruptRegenerated(t *testing.T) {
	dir := t.TempDir()
	store := DefaultStore(quietLogger(), dir)
	require.NoError(t, os.WriteFile(store.Path(), []byte("not a pkcs12 file"), 0o600))

	m, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, m.Cert)

	again, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, m.Cert.SerialNumber, again.Cert.SerialNumber)
}

// TestMaterialStore_ConfiguredMissing 测试显式指定但不存在的材料是致命错误
func TestMaterialStore_ConfiguredMissing(t *testing.T) {
	p := filepath.Join(t.TempDir(), "release.p12")
	store := NewMaterialStore(quietLogger(), StoreOptions{Path: p, Password: "secret"})

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrMaterialUnavailable)
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr), "不得自动生成")
}

// TestMaterialStore_WrongPassword 测试密码错误
func TestMaterialStore_WrongPassword(t *testing.T) {
	dir := t.TempDir()
	_, err := DefaultStore(quietLogger(), dir).Load()
	require.NoError(t, err)

	store := NewMaterialStore(quietLogger(), StoreOptions{Path: filepath.Join(dir, DefaultFileName), Password: "wrong"})
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrMaterialUnavailable)
}

// TestV1Signer_SignAndVerify 测试内置签名结果可以通过校验
func TestV1Signer_SignAndVerify(t *testing.T) {
	store := DefaultStore(quietLogger(), t.TempDir())
	src := unsignedAPK(t)
	dst := filepath.Join(t.TempDir(), "signed.apk")

	require.NoError(t, NewV1Signer(quietLogger(), store).Sign(context.Background(), src, dst))

	cert, err := VerifyV1(dst)
	require.NoError(t, err)
	m, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, m.Cert.SerialNumber, cert.SerialNumber)

	files := testutil.ReadAPK(t, dst)
	assert.NotContains(t, files, "META-INF/OLD.SF")
	assert.NotContains(t, files, "META-INF/OLD.RSA")
	assert.Contains(t, files, "META-INF/services/x.y.Z")
	assert.Equal(t, zip.Store, files["lib/arm64-v8a/libgame.so"].Method)
	assert.Equal(t, zip.Store, files["resources.arsc"].Method)

	sf := testutil.ReadEntry(t, files[signatureName])
	assert.NotContains(t, string(sf), "X-Android-APK-Signed")

	p7, err := pkcs7.Parse(testutil.ReadEntry(t, files[blockName]))
	require.NoError(t, err)
	p7.Content = sf
	assert.NoError(t, p7.Verify())

	mf := string(testutil.ReadEntry(t, files[manifestName]))
	assert.Contains(t, mf, "Name: classes.dex\r\nSHA-256-Digest: "+b64sha256(bytes.Repeat([]byte{0x64, 0x65, 0x78}, 100)))
	assert.NotContains(t, mf, "Name: META-INF/OLD.SF")
}

// TestSignPKCS7_Detached 测试签名块不携带内容且使用 SHA-256
func TestSignPKCS7_Detached(t *testing.T) {
	m, err := DefaultStore(quietLogger(), t.TempDir()).Load()
	require.NoError(t, err)
	content := []byte("Signature-Version: 1.0\r\n\r\n")

	block, err := signPKCS7(content, m.Key, m.Cert)
	require.NoError(t, err)

	p7, err := pkcs7.Parse(block)
	require.NoError(t, err)
	assert.Empty(t, p7.Content)
	require.Len(t, p7.Signers, 1)
	assert.True(t, p7.Signers[0].DigestAlgorithm.Algorithm.Equal(pkcs7.OIDDigestAlgorithmSHA256))

	p7.Content = content
	assert.NoError(t, p7.Verify())
	p7.Content = []byte("other")
	assert.Error(t, p7.Verify())
}

// TestVerifyV1_Tampered 测试签名后修改条目会被发现
func TestVerifyV1_Tampered(t *testing.T) {
	store := DefaultStore(quietLogger(), t.TempDir())
	signed := filepath.Join(t.TempDir(), "signed.apk")
	require.NoError(t, NewV1Signer(quietLogger(), store).Sign(context.Background(), unsignedAPK(t), signed))

	tampered := filepath.Join(t.TempDir(), "tampered.apk")
	_, err := archive.Rebuild(signed, tampered, map[string][]byte{"classes.dex": []byte("evil")}, archive.DefaultOptions())
	require.NoError(t, err)

	_, err = VerifyV1(tampered)
	assert.ErrorIs(t, err, ErrVerification)

	_, err = VerifyV1(unsignedAPK(t))
	assert.ErrorIs(t, err, ErrVerification)
}

// TestWriteAttr_Wrap 测试长属性折行
func TestWriteAttr_Wrap(t *testing.T) {
	name := "assets/" + strings.Repeat("very-long-directory-name/", 8) + "file.bin"
	var buf bytes.Buffer
	writeAttr(&buf, "Name", name)

	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), maxLineLen)
	}
	buf.WriteString("\r\n")
	secs := parseManifest(buf.Bytes())
	require.Len(t, secs, 1)
	assert.Equal(t, name, secs[0].attrs["Name"])
}

type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) Name() string { return m.Called().String(0) }

func (m *mockSigner) Sign(ctx context.Context, unsigned, signed string) error {
	return m.Called(ctx, unsigned, signed).Error(0)
}

// TestChain_Fallback 测试外部工具不可用时退回下一个签名器
func TestChain_Fallback(t *testing.T) {
	first := &mockSigner{}
	first.On("Name").Return("delegated")
	first.On("Sign", mock.Anything, "in", "out").Return(ErrNoSigner)
	second := &mockSigner{}
	second.On("Name").Return("builtin-v1")
	second.On("Sign", mock.Anything, "in", "out").Return(nil)

	chain := NewChain(quietLogger(), first, second)
	assert.NoError(t, chain.Sign(context.Background(), "in", "out"))
	assert.Equal(t, "delegated,builtin-v1", chain.Name())
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

// TestChain_FailureFallsThrough 测试前一个签名器失败时换下一个
func TestChain_FailureFallsThrough(t *testing.T) {
	boom := errors.New("apksigner exited with 1")
	first := &mockSigner{}
	first.On("Name").Return("delegated")
	first.On("Sign", mock.Anything, "in", "out").Return(boom)
	second := &mockSigner{}
	second.On("Name").Return("builtin-v1")
	second.On("Sign", mock.Anything, "in", "out").Return(nil)

	assert.NoError(t, NewChain(quietLogger(), first, second).Sign(context.Background(), "in", "out"))
	second.AssertExpectations(t)
}

// TestChain_AllFail 测试全部失败时每个原因都保留
func TestChain_AllFail(t *testing.T) {
	boom := errors.New("bad keystore")
	first := &mockSigner{}
	first.On("Name").Return("delegated")
	first.On("Sign", mock.Anything, "in", "out").Return(boom)
	second := &mockSigner{}
	second.On("Name").Return("builtin-v1")
	second.On("Sign", mock.Anything, "in", "out").Return(ErrNoSigner)

	err := NewChain(quietLogger(), first, second).Sign(context.Background(), "in", "out")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "delegated")
}

// TestChain_CancelStops 测试 ctx 取消后不再尝试后面的签名器
func TestChain_CancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	first := &mockSigner{}
	first.On("Name").Return("delegated")
	first.On("Sign", mock.Anything, "in", "out").Return(context.Canceled)
	second := &mockSigner{}

	err := NewChain(quietLogger(), first, second).Sign(ctx, "in", "out")
	assert.ErrorIs(t, err, context.Canceled)
	second.AssertNotCalled(t, "Sign", mock.Anything, mock.Anything, mock.Anything)
}

// fakeTool 写一个按 exit 退出的假签名工具
func fakeTool(t *testing.T, name string, exit int) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
	p := filepath.Join(t.TempDir(), name)
	script := fmt.Sprintf("#!/bin/sh\necho %s >&2\nexit %d\n", name, exit)
	require.NoError(t, os.WriteFile(p, []byte(script), 0o755))
	return p
}

func oneAttempt() *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 1
	return cfg
}

// TestProcessSigner_ApksignerFailsUsesJarsigner 测试 apksigner 失败后退回 jarsigner
func TestProcessSigner_ApksignerFailsUsesJarsigner(t *testing.T) {
	s := NewProcessSigner(quietLogger(), DefaultStore(quietLogger(), t.TempDir()), ProcessOptions{
		ApksignerPath: fakeTool(t, "apksigner", 1),
		JarsignerPath: fakeTool(t, "jarsigner", 0),
		Retry:         oneAttempt(),
	})

	dst := filepath.Join(t.TempDir(), "signed.apk")
	require.NoError(t, s.Sign(context.Background(), unsignedAPK(t), dst))
	// 假 jarsigner 不改文件，输出就是复制过去的输入
	assert.FileExists(t, dst)
}

// TestProcessSigner_AllToolsFail 测试两个工具都失败
func TestProcessSigner_AllToolsFail(t *testing.T) {
	s := NewProcessSigner(quietLogger(), DefaultStore(quietLogger(), t.TempDir()), ProcessOptions{
		ApksignerPath: fakeTool(t, "apksigner", 1),
		JarsignerPath: fakeTool(t, "jarsigner", 2),
		Retry:         oneAttempt(),
	})

	dst := filepath.Join(t.TempDir(), "signed.apk")
	err := s.Sign(context.Background(), unsignedAPK(t), dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apksigner exited with 1")
	assert.Contains(t, err.Error(), "jarsigner exited with 2")
	assert.NoFileExists(t, dst)
}

// TestAutoStrategy_BrokenToolFallsBackToBuiltin 测试 auto 策略在外部工具出错时用内置签名
func TestAutoStrategy_BrokenToolFallsBackToBuiltin(t *testing.T) {
	store := DefaultStore(quietLogger(), t.TempDir())
	signer, err := New(quietLogger(), store, Options{
		Strategy: StrategyAuto,
		Process: ProcessOptions{
			ApksignerPath: fakeTool(t, "apksigner", 1),
			JarsignerPath: filepath.Join(t.TempDir(), "missing-jarsigner"),
			Retry:         oneAttempt(),
		},
	})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "signed.apk")
	require.NoError(t, signer.Sign(context.Background(), unsignedAPK(t), dst))
	_, err = VerifyV1(dst)
	assert.NoError(t, err)
}

// TestProcessSigner_NoTool 测试找不到外部工具
func TestProcessSigner_NoTool(t *testing.T) {
	s := NewProcessSigner(quietLogger(), DefaultStore(quietLogger(), t.TempDir()), ProcessOptions{})
	s.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	err := s.Sign(context.Background(), "in.apk", "out.apk")
	assert.ErrorIs(t, err, ErrNoSigner)
}

// TestAutoStrategy_FallsBackToBuiltin 测试 auto 策略在没有外部工具时用内置签名
func TestAutoStrategy_FallsBackToBuiltin(t *testing.T) {
	store := DefaultStore(quietLogger(), t.TempDir())
	signer, err := New(quietLogger(), store, Options{
		Strategy: StrategyAuto,
		Process: ProcessOptions{
			ApksignerPath: filepath.Join(t.TempDir(), "missing-apksigner"),
			JarsignerPath: filepath.Join(t.TempDir(), "missing-jarsigner"),
		},
	})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "signed.apk")
	require.NoError(t, signer.Sign(context.Background(), unsignedAPK(t), dst))
	_, err = VerifyV1(dst)
	assert.NoError(t, err)
}

// TestParseStrategy 测试策略解析
func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", StrategyAuto, false},
		{"AUTO", StrategyAuto, false},
		{"delegated", StrategyDelegated, false},
		{" builtin ", StrategyBuiltin, false},
		{"v3", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
