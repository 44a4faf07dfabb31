package signing

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/digitorus/pkcs7"
	"github.com/klauspost/compress/zip"
)

// ErrVerification v1 签名校验失败
var ErrVerification = errors.New("v1 signature verification failed")

// VerifyV1 校验 APK 的 v1 签名：签名块覆盖 .SF，.SF 覆盖清单，清单覆盖每个条目
// 返回签名证书
func VerifyV1(apkPath string) (*x509.Certificate, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	var sfName string
	for _, f := range r.File {
		files[f.Name] = f
		if sfName == "" && path.Dir(f.Name) == "META-INF" && strings.HasSuffix(f.Name, ".SF") {
			sfName = f.Name
		}
	}
	if sfName == "" {
		return nil, fmt.Errorf("%w: no signature file", ErrVerification)
	}

	sf, err := readAll(files[sfName])
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(sfName, ".SF")
	var block []byte
	for _, ext := range []string{".RSA", ".EC", ".DSA"} {
		if f, ok := files[base+ext]; ok {
			if block, err = readAll(f); err != nil {
				return nil, err
			}
			break
		}
	}
	if block == nil {
		return nil, fmt.Errorf("%w: no signature block for %s", ErrVerification, sfName)
	}

	p7, err := pkcs7.Parse(block)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signature block: %v", ErrVerification, err)
	}
	p7.Content = sf
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("%w: expected exactly one signer", ErrVerification)
	}

	mf, ok := files[manifestName]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrVerification, manifestName)
	}
	manifest, err := readAll(mf)
	if err != nil {
		return nil, err
	}
	if err := verifySignatureFile(sf, manifest); err != nil {
		return nil, err
	}
	if err := verifyManifest(manifest, r.File); err != nil {
		return nil, err
	}
	return signer, nil
}

func verifySignatureFile(sf, manifest []byte) error {
	sfSections := parseManifest(sf)
	if len(sfSections) == 0 {
		return fmt.Errorf("%w: empty signature file", ErrVerification)
	}
	if want := sfSections[0].attrs[digestAttr+"-Manifest"]; want != b64sha256(manifest) {
		return fmt.Errorf("%w: manifest digest mismatch", ErrVerification)
	}

	mfSections := make(map[string][]byte)
	for _, sec := range entrySections(manifest) {
		mfSections[sec.attrs["Name"]] = sec.raw
	}
	for _, sec := range sfSections[1:] {
		name := sec.attrs["Name"]
		raw, ok := mfSections[name]
		if !ok || sec.attrs[digestAttr] != b64sha256(raw) {
			return fmt.Errorf("%w: manifest section for %s does not match", ErrVerification, name)
		}
	}
	return nil
}

func verifyManifest(manifest []byte, files []*zip.File) error {
	digests := make(map[string]string)
	for _, sec := range entrySections(manifest) {
		digests[sec.attrs["Name"]] = sec.attrs[digestAttr]
	}
	for _, f := range files {
		if f.FileInfo().IsDir() || archive.IsSignatureFile(f.Name) {
			continue
		}
		want, ok := digests[f.Name]
		if !ok {
			return fmt.Errorf("%w: %s not covered by manifest", ErrVerification, f.Name)
		}
		data, err := readAll(f)
		if err != nil {
			return err
		}
		if want != b64sha256(data) {
			return fmt.Errorf("%w: digest mismatch for %s", ErrVerification, f.Name)
		}
	}
	return nil
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := archive.OpenContent(f)
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
