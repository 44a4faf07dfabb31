// Package archive 负责 APK 的解包与重建
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	ResourceTable    = "resources.arsc"
	NativeLibSuffix  = ".so"
	DefaultAlignment = 4
	PageAlignment    = 4096
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrUnsafePath    = errors.New("unsafe entry path")
)

var signatureFile = regexp.MustCompile(`^META-INF/([^/]*\.(DSA|RSA|SF|EC)|MANIFEST\.MF)$`)

// IsSignatureFile 是否为 v1 签名相关文件
func IsSignatureFile(name string) bool {
	return signatureFile.MatchString(name)
}

// MustStore 运行时直接 mmap 的条目必须不压缩
func MustStore(name string) bool {
	return strings.HasSuffix(name, NativeLibSuffix) || name == ResourceTable
}

// Entry APK 中的一个条目
type Entry struct {
	Name             string
	Method           uint16
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
}

// IsStored 是否为不压缩存储
func (e Entry) IsStored() bool {
	return e.Method == zip.Store
}

// List 列出 APK 中的所有文件条目（跳过目录）
func List(apkPath string) ([]Entry, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, entryOf(f))
	}
	return entries, nil
}

func entryOf(f *zip.File) Entry {
	return Entry{
		Name:             f.Name,
		Method:           f.Method,
		CRC32:            f.CRC32,
		CompressedSize:   f.CompressedSize64,
		UncompressedSize: f.UncompressedSize64,
	}
}

// ReadEntry 读取单个条目的内容
func ReadEntry(apkPath, name string) ([]byte, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name == name {
			return readFile(f)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
}

// OpenContent 按压缩方式解出条目内容，不校验头部记录的 CRC
// 恢复过 CRC 的条目头部值与内容不一致，zip.File.Open 读到结尾会返回 ErrChecksum
func OpenContent(f *zip.File) (io.ReadCloser, error) {
	switch f.Method {
	case zip.Store:
		raw, err := f.OpenRaw()
		if err != nil {
			return nil, err
		}
		return io.NopCloser(raw), nil
	case zip.Deflate:
		raw, err := f.OpenRaw()
		if err != nil {
			return nil, err
		}
		return flate.NewReader(raw), nil
	default:
		return f.Open()
	}
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := OpenContent(f)
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
	}
	return data, nil
}

// Extracted 解包结果：条目名 -> 解包后的本地路径
type Extracted struct {
	Dir     string
	Entries []Entry
	Paths   map[string]string
}

// Has 是否包含条目
func (x *Extracted) Has(name string) bool {
	_, ok := x.Paths[name]
	return ok
}

// Read 读取解包后的条目内容
func (x *Extracted) Read(name string) ([]byte, error) {
	p, ok := x.Paths[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return os.ReadFile(p)
}

// Extract 把所有文件条目解包到 dir，目录条目跳过
func Extract(apkPath, dir string) (*Extracted, error) {
	r, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	x := &Extracted{Dir: dir, Paths: make(map[string]string, len(r.File))}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest, err := safeJoin(dir, f.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		if err := extractFile(f, dest); err != nil {
			return nil, err
		}
		x.Entries = append(x.Entries, entryOf(f))
		x.Paths[f.Name] = dest
	}
	return x, nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// safeJoin 防止 ../ 形式的条目写到解包目录之外
func safeJoin(dir, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	dest := filepath.Join(dir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(dir, dest)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return dest, nil
}
