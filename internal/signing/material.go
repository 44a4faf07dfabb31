package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	DefaultAlias    = "androiddebugkey"
	DefaultPassword = "android"
	DefaultFileName = "apkpatch-debug.p12"

	keyBits  = 2048
	validity = 25 * 365 * 24 * time.Hour
	backdate = 24 * time.Hour
)

// ErrMaterialUnavailable 指定的签名材料不存在或无法读取
var ErrMaterialUnavailable = errors.New("signing material unavailable")

// Material 一份签名材料：私钥 + 证书链
type Material struct {
	Key   *rsa.PrivateKey
	Cert  *x509.Certificate
	Chain []*x509.Certificate
	// Path 对应的 PKCS#12 文件，交给外部签名工具使用
	Path     string
	Alias    string
	Password string
}

// StoreOptions 签名材料存储参数
type StoreOptions struct {
	// Path PKCS#12 文件路径
	Path     string
	Password string
	Alias    string
	// Generate 为 true 时文件缺失或损坏会重新生成；为 false 时视为致命错误
	Generate bool
}

// MaterialStore 签名材料的持久化存储
// 不存在则创建，存在则加载，已有文件从不原地修改
type MaterialStore struct {
	opts   StoreOptions
	logger *logrus.Logger
	now    func() time.Time
}

// NewMaterialStore 创建存储
func NewMaterialStore(logger *logrus.Logger, opts StoreOptions) *MaterialStore {
	if opts.Password == "" {
		opts.Password = DefaultPassword
	}
	if opts.Alias == "" {
		opts.Alias = DefaultAlias
	}
	return &MaterialStore{opts: opts, logger: logger, now: time.Now}
}

// DefaultStore 位于 dir 下、按需生成的默认调试签名材料
func DefaultStore(logger *logrus.Logger, dir string) *MaterialStore {
	return NewMaterialStore(logger, StoreOptions{
		Path:     filepath.Join(dir, DefaultFileName),
		Generate: true,
	})
}

// Path 存储文件路径
func (s *MaterialStore) Path() string {
	return s.opts.Path
}

// Load 加载签名材料，必要时生成
func (s *MaterialStore) Load() (*Material, error) {
	m, err := s.read()
	if err == nil {
		return m, nil
	}

	if !s.opts.Generate {
		return nil, fmt.Errorf("%w: %s: %v", ErrMaterialUnavailable, s.opts.Path, err)
	}

	if !errors.Is(err, os.ErrNotExist) {
		s.logger.WithFields(logrus.Fields{
			"path":  s.opts.Path,
			"error": err.Error(),
		}).Warn("⚠️  Signing material unreadable, regenerating")
	}

	m, err = s.generate()
	if err != nil {
		return nil, fmt.Errorf("generate signing material: %w", err)
	}
	if err := s.persist(m); err != nil {
		return nil, fmt.Errorf("persist signing material: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"path":   s.opts.Path,
		"serial": m.Cert.SerialNumber.String(),
	}).Info("✅ Generated new signing material")
	return m, nil
}

func (s *MaterialStore) read() (*Material, error) {
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return nil, err
	}
	key, cert, chain, err := pkcs12.DecodeChain(data, s.opts.Password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return &Material{
		Key:      rsaKey,
		Cert:     cert,
		Chain:    chain,
		Path:     s.opts.Path,
		Alias:    s.opts.Alias,
		Password: s.opts.Password,
	}, nil
}

// generate 生成自签名证书，有效期从一天前开始
func (s *MaterialStore) generate() (*Material, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, err
	}

	notBefore := s.now().Add(-backdate).UTC()
	subject := pkix.Name{
		CommonName:   "Android Debug",
		Organization: []string{"Android"},
		Country:      []string{"US"},
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Material{
		Key:      key,
		Cert:     cert,
		Path:     s.opts.Path,
		Alias:    s.opts.Alias,
		Password: s.opts.Password,
	}, nil
}

// persist 写临时文件后 rename，并发生成时后写者覆盖先写者
func (s *MaterialStore) persist(m *Material) error {
	data, err := pkcs12.Modern.Encode(m.Key, m.Cert, m.Chain, s.opts.Password)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.opts.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".material-*.p12")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.opts.Path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
