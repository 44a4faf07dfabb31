package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	// zipalign -p 使用的对齐扩展字段
	alignExtraID  = 0xD935
	alignExtraMin = 6

	localHeaderLen = 30
	flagDataDesc   = 0x8
	// 1980-01-01 00:00:00 的 DOS 日期
	dosEpochDate = 0x21
)

// NewFile 重建时额外写入的条目
type NewFile struct {
	Name string
	Data []byte
}

// Options 重建参数
type Options struct {
	// Alignment 不压缩条目的数据对齐字节数
	Alignment int
	// LibAlignment .so 条目的对齐字节数（页对齐）
	LibAlignment int
	// CompressionLevel deflate 压缩级别
	CompressionLevel int
	// KeepStored 原本不压缩的条目保持不压缩
	KeepStored bool
	// ForceStore 额外强制不压缩的条目
	ForceStore []string
	// Skip 返回 true 的条目不写入新包
	Skip func(name string) bool
	// Prepend 写在所有原条目之前的新条目
	Prepend []NewFile
	// TempDir 临时文件目录，为空时使用输出文件所在目录
	TempDir string
}

// DefaultOptions 默认重建参数
func DefaultOptions() Options {
	return Options{
		Alignment:        DefaultAlignment,
		LibAlignment:     PageAlignment,
		CompressionLevel: flate.DefaultCompression,
		KeepStored:       true,
	}
}

// Result 重建统计
type Result struct {
	Entries  int
	Stored   int
	Deflated int
	Replaced int
	Copied   int
	Skipped  int
}

// Rebuild 把 src 的条目流式写入 dst，overrides 中的条目替换为新内容
// 输出先写到临时文件，成功后再移动到 dst
func Rebuild(src, dst string, overrides map[string][]byte, opts Options) (*Result, error) {
	if opts.Alignment <= 0 {
		opts.Alignment = DefaultAlignment
	}
	if opts.LibAlignment <= 0 {
		opts.LibAlignment = opts.Alignment
	}

	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	present := make(map[string]bool, len(r.File))
	for _, f := range r.File {
		present[f.Name] = true
	}
	var missing []string
	for name := range overrides {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %v", ErrEntryNotFound, missing)
	}

	tmpDir := opts.TempDir
	if tmpDir == "" {
		tmpDir = filepath.Dir(dst)
	}
	tmp, err := os.CreateTemp(tmpDir, ".apkpatch-*.apk")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	b := &builder{zw: zip.NewWriter(tmp), opts: opts, force: make(map[string]bool), res: &Result{}}
	for _, name := range opts.ForceStore {
		b.force[name] = true
	}

	err = b.run(r.File, overrides)
	if err == nil {
		err = b.zw.Close()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := MoveFile(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	return b.res, nil
}

type builder struct {
	zw     *zip.Writer
	opts   Options
	force  map[string]bool
	offset int64
	res    *Result
}

func (b *builder) run(files []*zip.File, overrides map[string][]byte) error {
	for _, nf := range b.opts.Prepend {
		h := &zip.FileHeader{Name: nf.Name, ModifiedDate: dosEpochDate, CreatorVersion: 20, ReaderVersion: 20}
		if err := b.encode(h, nf.Data, MustStore(nf.Name)); err != nil {
			return err
		}
	}

	for _, f := range files {
		if b.opts.Skip != nil && b.opts.Skip(f.Name) {
			b.res.Skipped++
			continue
		}

		h := f.FileHeader
		h.Flags &^= flagDataDesc

		if f.FileInfo().IsDir() {
			h.Method = zip.Store
			h.CRC32, h.CompressedSize64, h.UncompressedSize64 = 0, 0, 0
			h.Extra = stripAlignment(h.Extra)
			if err := b.write(&h, bytes.NewReader(nil)); err != nil {
				return err
			}
			continue
		}

		store := MustStore(f.Name) || b.force[f.Name] || (b.opts.KeepStored && f.Method == zip.Store)
		data, replaced := overrides[f.Name]

		if !replaced && ((store && f.Method == zip.Store) || (!store && f.Method == zip.Deflate)) {
			raw, err := f.OpenRaw()
			if err != nil {
				return fmt.Errorf("open raw %s: %w", f.Name, err)
			}
			if err := b.write(&h, raw); err != nil {
				return err
			}
			b.res.Copied++
			continue
		}

		if !replaced {
			var err error
			if data, err = readFile(f); err != nil {
				return err
			}
		} else {
			b.res.Replaced++
		}
		if err := b.encode(&h, data, store); err != nil {
			return err
		}
	}
	return nil
}

// encode 计算 CRC 并按需压缩，然后写入
func (b *builder) encode(h *zip.FileHeader, data []byte, store bool) error {
	h.Flags &^= flagDataDesc
	h.CRC32 = crc32.ChecksumIEEE(data)
	h.UncompressedSize64 = uint64(len(data))

	body := data
	if store {
		h.Method = zip.Store
	} else {
		h.Method = zip.Deflate
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, b.opts.CompressionLevel)
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
		if err := fw.Close(); err != nil {
			return err
		}
		body = buf.Bytes()
	}
	h.CompressedSize64 = uint64(len(body))
	return b.write(h, bytes.NewReader(body))
}

// write 写入本地头和数据；不压缩条目通过扩展字段对齐数据起始位置
func (b *builder) write(h *zip.FileHeader, body io.Reader) error {
	isDir := len(h.Name) > 0 && h.Name[len(h.Name)-1] == '/'
	if h.Method == zip.Store && !isDir {
		align := b.opts.Alignment
		if filepath.Ext(h.Name) == NativeLibSuffix {
			align = b.opts.LibAlignment
		}
		headerEnd := b.offset + localHeaderLen + int64(len(h.Name))
		h.Extra = alignmentExtra(stripAlignment(h.Extra), headerEnd, align)
		b.res.Stored++
	} else if h.Method == zip.Deflate {
		b.res.Deflated++
	}

	w, err := b.zw.CreateRaw(h)
	if err != nil {
		return fmt.Errorf("create %s: %w", h.Name, err)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return fmt.Errorf("write %s: %w", h.Name, err)
	}
	if uint64(n) != h.CompressedSize64 {
		return fmt.Errorf("write %s: wrote %d bytes, header says %d", h.Name, n, h.CompressedSize64)
	}
	b.offset += localHeaderLen + int64(len(h.Name)) + int64(len(h.Extra)) + n
	b.res.Entries++
	return nil
}

// stripAlignment 去掉已有的对齐字段，格式错误的扩展区整体丢弃
func stripAlignment(extra []byte) []byte {
	var out []byte
	for len(extra) > 0 {
		if len(extra) < 4 {
			return nil
		}
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if 4+size > len(extra) {
			return nil
		}
		if id != alignExtraID {
			out = append(out, extra[:4+size]...)
		}
		extra = extra[4+size:]
	}
	return out
}

func alignmentExtra(base []byte, headerEnd int64, align int) []byte {
	if align <= 1 {
		return base
	}
	start := headerEnd + int64(len(base)) + alignExtraMin
	pad := (int64(align) - start%int64(align)) % int64(align)

	field := make([]byte, alignExtraMin+pad)
	binary.LittleEndian.PutUint16(field[0:], alignExtraID)
	binary.LittleEndian.PutUint16(field[2:], uint16(2+pad))
	binary.LittleEndian.PutUint16(field[4:], uint16(align))
	return append(append([]byte(nil), base...), field...)
}
