package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	sigLocal   = 0x04034b50
	sigCentral = 0x02014b50
	sigEOCD    = 0x06054b50

	eocdLen       = 22
	maxCommentLen = 0xFFFF
	centralLen    = 46
)

var ErrNoCentralDirectory = errors.New("end of central directory not found")

// RestoreCRC 把本地头和中央目录中的 CRC 字段改写为 original 中记录的值，keep 中的条目保持不变
// 修改过内容的条目也会改写，之后只能用 OpenContent 读取；返回实际改写的条目数
func RestoreCRC(apkPath string, original map[string]uint32, keep map[string]bool) (int, error) {
	f, err := os.OpenFile(apkPath, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	cdOff, cdSize, count, err := findCentralDirectory(f, st.Size())
	if err != nil {
		return 0, err
	}

	cd := make([]byte, cdSize)
	if _, err := f.ReadAt(cd, cdOff); err != nil {
		return 0, fmt.Errorf("read central directory: %w", err)
	}

	restored := 0
	pos := 0
	for i := 0; i < count; i++ {
		if pos+centralLen > len(cd) || binary.LittleEndian.Uint32(cd[pos:]) != sigCentral {
			return restored, fmt.Errorf("bad central directory record %d at 0x%x", i, cdOff+int64(pos))
		}
		nameLen := int(binary.LittleEndian.Uint16(cd[pos+28:]))
		extraLen := int(binary.LittleEndian.Uint16(cd[pos+30:]))
		commentLen := int(binary.LittleEndian.Uint16(cd[pos+32:]))
		localOff := int64(binary.LittleEndian.Uint32(cd[pos+42:]))
		if pos+centralLen+nameLen > len(cd) {
			return restored, fmt.Errorf("central directory record %d truncated", i)
		}
		name := string(cd[pos+centralLen : pos+centralLen+nameLen])

		want, ok := original[name]
		if ok && !keep[name] && binary.LittleEndian.Uint32(cd[pos+16:]) != want {
			var sig [4]byte
			if _, err := f.ReadAt(sig[:], localOff); err != nil || binary.LittleEndian.Uint32(sig[:]) != sigLocal {
				return restored, fmt.Errorf("bad local header for %s at 0x%x", name, localOff)
			}
			var crc [4]byte
			binary.LittleEndian.PutUint32(crc[:], want)
			if _, err := f.WriteAt(crc[:], localOff+14); err != nil {
				return restored, err
			}
			if _, err := f.WriteAt(crc[:], cdOff+int64(pos)+16); err != nil {
				return restored, err
			}
			restored++
		}
		pos += centralLen + nameLen + extraLen + commentLen
	}
	return restored, f.Sync()
}

func findCentralDirectory(f *os.File, size int64) (off int64, length int64, count int, err error) {
	if size < eocdLen {
		return 0, 0, 0, ErrNoCentralDirectory
	}
	tail := int64(eocdLen + maxCommentLen)
	if tail > size {
		tail = size
	}
	buf := make([]byte, tail)
	if _, err := f.ReadAt(buf, size-tail); err != nil {
		return 0, 0, 0, err
	}
	sig := binary.LittleEndian.AppendUint32(nil, sigEOCD)
	i := bytes.LastIndex(buf, sig)
	if i < 0 || i+eocdLen > len(buf) {
		return 0, 0, 0, ErrNoCentralDirectory
	}
	eocd := buf[i:]
	count = int(binary.LittleEndian.Uint16(eocd[10:]))
	length = int64(binary.LittleEndian.Uint32(eocd[12:]))
	off = int64(binary.LittleEndian.Uint32(eocd[16:]))
	if off == 0xFFFFFFFF || off+length > size {
		return 0, 0, 0, fmt.Errorf("unsupported or corrupt central directory (offset 0x%x)", off)
	}
	return off, length, count, nil
}
