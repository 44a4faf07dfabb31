package signing

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/digitorus/pkcs7"
)

// signPKCS7 对 content 生成分离式 PKCS#7 SignedData（SHA-256，带认证属性），即 CERT.RSA 的内容
func signPKCS7(content []byte, key *rsa.PrivateKey, cert *x509.Certificate) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("init signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("add signer: %w", err)
	}
	// .SF 单独存放在 APK 中，签名块里不带内容
	sd.Detach()
	return sd.Finish()
}
