package delta

import (
	"bytes"
	"fmt"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
)

// Format 生成差分的文件格式
type Format string

const (
	FormatBSDIFF40 Format = "bsdiff40"
	FormatBSDF2    Format = "bsdf2"
)

// DiffOptions 差分生成参数，Algorithm 仅对 BSDF2 生效
type DiffOptions struct {
	Format    Format
	Algorithm Algorithm
}

// Diff 生成 old -> new 的差分
// 按相同偏移逐字节做差：适用于保护壳只抹掉代码、不改布局的情况，
// 相同区域在 diff 块里是连续的 0，压缩后很小
func Diff(old, new []byte, opts DiffOptions) ([]byte, error) {
	if opts.Format == "" {
		opts.Format = FormatBSDIFF40
	}

	common := min(len(old), len(new))
	diff := make([]byte, common)
	for i := 0; i < common; i++ {
		diff[i] = new[i] - old[i]
	}
	extra := new[common:]

	ctrl := make([]byte, 24)
	offtout(int64(common), ctrl[0:])
	offtout(int64(len(extra)), ctrl[8:])
	offtout(0, ctrl[16:])

	var algs [3]Algorithm
	var magic []byte
	switch opts.Format {
	case FormatBSDIFF40:
		algs = [3]Algorithm{AlgBzip2, AlgBzip2, AlgBzip2}
		magic = []byte(magicBSDIFF40)
	case FormatBSDF2:
		algs = [3]Algorithm{opts.Algorithm, opts.Algorithm, opts.Algorithm}
		magic = append([]byte(magicBSDF2), byte(opts.Algorithm), byte(opts.Algorithm), byte(opts.Algorithm))
	default:
		return nil, fmt.Errorf("unknown delta format %q", opts.Format)
	}

	blocks := make([][]byte, 3)
	for i, raw := range [][]byte{ctrl, diff, extra} {
		c, err := compress(algs[i], raw)
		if err != nil {
			return nil, fmt.Errorf("compress block %d: %w", i, err)
		}
		blocks[i] = c
	}

	out := make([]byte, headerLen, headerLen+len(blocks[0])+len(blocks[1])+len(blocks[2]))
	copy(out, magic)
	offtout(int64(len(blocks[0])), out[8:])
	offtout(int64(len(blocks[1])), out[16:])
	offtout(int64(len(new)), out[24:])
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out, nil
}

func compress(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgRaw:
		return append([]byte(nil), data...), nil
	case AlgBzip2:
		var buf bytes.Buffer
		w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm %d", alg)
}
