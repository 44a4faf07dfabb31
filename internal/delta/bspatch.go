// Package delta 实现 bsdiff 格式的二进制差分还原
package delta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
)

//	BSDIFF40 文件格式：
//		0	8	"BSDIFF40"（BSDF2 为 "BSDF2" + 三个块各自的压缩算法）
//		8	8	X = 压缩后 control 块长度
//		16	8	Y = 压缩后 diff 块长度
//		24	8	新文件长度
//		32	X	control 块：若干 (add, copy, seek) 三元组
//		32+X	Y	diff 块
//		32+X+Y	...	extra 块
const (
	magicBSDIFF40 = "BSDIFF40"
	magicBSDF2    = "BSDF2"
	headerLen     = 32

	maxNewSize = 1 << 31
)

// Algorithm BSDF2 中每个块的压缩算法
type Algorithm byte

const (
	AlgRaw   Algorithm = 0
	AlgBzip2 Algorithm = 1
	AlgZstd  Algorithm = 2
)

var ErrCorruptPatch = errors.New("corrupt delta")

type header struct {
	algs    [3]Algorithm
	ctrlLen int64
	diffLen int64
	newSize int64
}

func parseHeader(patch []byte) (*header, error) {
	if len(patch) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrCorruptPatch, len(patch))
	}
	h := &header{}
	switch {
	case string(patch[:8]) == magicBSDIFF40:
		h.algs = [3]Algorithm{AlgBzip2, AlgBzip2, AlgBzip2}
	case string(patch[:5]) == magicBSDF2:
		h.algs = [3]Algorithm{Algorithm(patch[5]), Algorithm(patch[6]), Algorithm(patch[7])}
	default:
		return nil, fmt.Errorf("%w: unknown magic %q", ErrCorruptPatch, patch[:8])
	}
	h.ctrlLen = offtin(patch[8:])
	h.diffLen = offtin(patch[16:])
	h.newSize = offtin(patch[24:])
	if h.ctrlLen < 0 || h.diffLen < 0 || h.newSize < 0 || h.newSize > maxNewSize {
		return nil, fmt.Errorf("%w: bad lengths ctrl=%d diff=%d new=%d", ErrCorruptPatch, h.ctrlLen, h.diffLen, h.newSize)
	}
	if headerLen+h.ctrlLen+h.diffLen > int64(len(patch)) {
		return nil, fmt.Errorf("%w: blocks exceed patch size", ErrCorruptPatch)
	}
	return h, nil
}

// Apply 用差分把 old 还原为新文件
func Apply(old, patch []byte) ([]byte, error) {
	h, err := parseHeader(patch)
	if err != nil {
		return nil, err
	}

	ctrlStart := int64(headerLen)
	diffStart := ctrlStart + h.ctrlLen
	extraStart := diffStart + h.diffLen

	ctrl, err := decompress(h.algs[0], patch[ctrlStart:diffStart])
	if err != nil {
		return nil, fmt.Errorf("%w: control block: %v", ErrCorruptPatch, err)
	}
	diff, err := decompress(h.algs[1], patch[diffStart:extraStart])
	if err != nil {
		return nil, fmt.Errorf("%w: diff block: %v", ErrCorruptPatch, err)
	}
	extra, err := decompress(h.algs[2], patch[extraStart:])
	if err != nil {
		return nil, fmt.Errorf("%w: extra block: %v", ErrCorruptPatch, err)
	}

	out := make([]byte, h.newSize)
	var oldPos, newPos, diffPos, extraPos, ctrlPos int64
	for newPos < h.newSize {
		if ctrlPos+24 > int64(len(ctrl)) {
			return nil, fmt.Errorf("%w: control block ended at new offset %d", ErrCorruptPatch, newPos)
		}
		add := offtin(ctrl[ctrlPos:])
		cp := offtin(ctrl[ctrlPos+8:])
		seek := offtin(ctrl[ctrlPos+16:])
		ctrlPos += 24

		// 用减法比较，避免超大长度相加溢出
		if add < 0 || cp < 0 || add > h.newSize-newPos || add > int64(len(diff))-diffPos {
			return nil, fmt.Errorf("%w: bad add length %d at new offset %d", ErrCorruptPatch, add, newPos)
		}
		for i := int64(0); i < add; i++ {
			b := diff[diffPos+i]
			if o := oldPos + i; o >= 0 && o < int64(len(old)) {
				b += old[o]
			}
			out[newPos+i] = b
		}
		newPos += add
		oldPos += add
		diffPos += add

		if cp > h.newSize-newPos || cp > int64(len(extra))-extraPos {
			return nil, fmt.Errorf("%w: bad copy length %d at new offset %d", ErrCorruptPatch, cp, newPos)
		}
		copy(out[newPos:], extra[extraPos:extraPos+cp])
		newPos += cp
		extraPos += cp
		oldPos += seek
	}
	return out, nil
}

func decompress(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgRaw:
		return data, nil
	case AlgBzip2:
		if len(data) == 0 {
			return nil, nil
		}
		r, err := bzip2.NewReader(bytes.NewReader(data), nil)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case AlgZstd:
		if len(data) == 0 {
			return nil, nil
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}
	return nil, fmt.Errorf("unsupported compression algorithm %d", alg)
}

// offtin 读取符号-数值表示的 int64
func offtin(buf []byte) int64 {
	y := binary.LittleEndian.Uint64(buf)
	v := int64(y & 0x7FFFFFFFFFFFFFFF)
	if y&(1<<63) != 0 {
		return -v
	}
	return v
}

func offtout(x int64, buf []byte) {
	var y uint64
	if x < 0 {
		y = uint64(-x) | 1<<63
	} else {
		y = uint64(x)
	}
	binary.LittleEndian.PutUint64(buf, y)
}
