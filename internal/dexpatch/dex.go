package dexpatch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

const (
	headerSize   = 0x70
	endianTag    = 0x12345678
	classDefSize = 32
	methodIDSize = 8
	protoIDSize  = 12
	codeItemHead = 16 // registers/ins/outs/tries/debug_info_off/insns_size
)

var (
	ErrBadHeader      = errors.New("bad dex header")
	ErrMalformed      = errors.New("malformed dex")
	ErrClassNotFound  = errors.New("class not found")
	ErrMethodNotFound = errors.New("method not found")
	ErrNoCode         = errors.New("method has no code")
)

// Header DEX 文件头
type Header struct {
	Magic         [8]byte
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIdsSize uint32
	StringIdsOff  uint32
	TypeIdsSize   uint32
	TypeIdsOff    uint32
	ProtoIdsSize  uint32
	ProtoIdsOff   uint32
	FieldIdsSize  uint32
	FieldIdsOff   uint32
	MethodIdsSize uint32
	MethodIdsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

// File 只读的 DEX 结构视图，data 由调用方持有
type File struct {
	data    []byte
	Header  Header
	strings map[uint32]string
}

// Parse 解析 DEX 头部并检查各个表的范围
func Parse(data []byte) (*File, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrBadHeader, len(data))
	}

	f := &File{data: data, strings: make(map[uint32]string)}
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &f.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	h := &f.Header
	if !bytes.Equal(h.Magic[:4], []byte("dex\n")) || h.Magic[7] != 0 {
		return nil, fmt.Errorf("%w: invalid magic %q", ErrBadHeader, h.Magic[:])
	}
	if h.EndianTag != endianTag {
		return nil, fmt.Errorf("%w: unsupported endian tag 0x%x", ErrBadHeader, h.EndianTag)
	}

	tables := []struct {
		name     string
		off, cnt uint32
		item     uint64
	}{
		{"string_ids", h.StringIdsOff, h.StringIdsSize, 4},
		{"type_ids", h.TypeIdsOff, h.TypeIdsSize, 4},
		{"proto_ids", h.ProtoIdsOff, h.ProtoIdsSize, protoIDSize},
		{"method_ids", h.MethodIdsOff, h.MethodIdsSize, methodIDSize},
		{"class_defs", h.ClassDefsOff, h.ClassDefsSize, classDefSize},
	}
	for _, t := range tables {
		if uint64(t.off)+uint64(t.cnt)*t.item > uint64(len(data)) {
			return nil, fmt.Errorf("%w: %s table exceeds file (off=0x%x count=%d)", ErrBadHeader, t.name, t.off, t.cnt)
		}
	}
	return f, nil
}

// Version 返回 magic 中的版本号，例如 "035"
func (f *File) Version() string {
	return string(f.Header.Magic[4:7])
}

func (f *File) u16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(f.data[off:])
}

func (f *File) u32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(f.data[off:])
}

// String 读取 string_ids[idx] 指向的字符串
func (f *File) String(idx uint32) (string, error) {
	if s, ok := f.strings[idx]; ok {
		return s, nil
	}
	if idx >= f.Header.StringIdsSize {
		return "", fmt.Errorf("%w: string index %d out of range", ErrMalformed, idx)
	}
	dataOff := f.u32(f.Header.StringIdsOff + idx*4)
	if int(dataOff) >= len(f.data) {
		return "", fmt.Errorf("%w: string data offset 0x%x out of range", ErrMalformed, dataOff)
	}
	units, pos := readULEB128(f.data, int(dataOff))
	if pos < 0 {
		return "", fmt.Errorf("%w: bad string length at 0x%x", ErrMalformed, dataOff)
	}
	s, err := decodeMUTF8(f.data[pos:], int(units))
	if err != nil {
		return "", fmt.Errorf("%w: string %d: %v", ErrMalformed, idx, err)
	}
	f.strings[idx] = s
	return s, nil
}

// TypeDescriptor 读取 type_ids[idx] 的描述符
func (f *File) TypeDescriptor(idx uint32) (string, error) {
	if idx >= f.Header.TypeIdsSize {
		return "", fmt.Errorf("%w: type index %d out of range", ErrMalformed, idx)
	}
	return f.String(f.u32(f.Header.TypeIdsOff + idx*4))
}

// FindType 按描述符查找类型索引
func (f *File) FindType(descriptor string) (uint32, bool) {
	for i := uint32(0); i < f.Header.TypeIdsSize; i++ {
		s, err := f.TypeDescriptor(i)
		if err == nil && s == descriptor {
			return i, true
		}
	}
	return 0, false
}

// MethodID method_id_item
type MethodID struct {
	ClassIdx uint16
	ProtoIdx uint16
	NameIdx  uint32
}

func (f *File) methodID(idx uint32) (MethodID, error) {
	if idx >= f.Header.MethodIdsSize {
		return MethodID{}, fmt.Errorf("%w: method index %d out of range", ErrMalformed, idx)
	}
	off := f.Header.MethodIdsOff + idx*methodIDSize
	return MethodID{
		ClassIdx: f.u16(off),
		ProtoIdx: f.u16(off + 2),
		NameIdx:  f.u32(off + 4),
	}, nil
}

// ProtoDescriptor 拼出 "(参数)返回值" 形式的方法签名
func (f *File) ProtoDescriptor(idx uint32) (string, error) {
	if idx >= f.Header.ProtoIdsSize {
		return "", fmt.Errorf("%w: proto index %d out of range", ErrMalformed, idx)
	}
	off := f.Header.ProtoIdsOff + idx*protoIDSize
	ret, err := f.TypeDescriptor(f.u32(off + 4))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteByte('(')
	if paramsOff := f.u32(off + 8); paramsOff != 0 {
		if uint64(paramsOff)+4 > uint64(len(f.data)) {
			return "", fmt.Errorf("%w: type_list offset 0x%x out of range", ErrMalformed, paramsOff)
		}
		n := f.u32(paramsOff)
		if uint64(paramsOff)+4+uint64(n)*2 > uint64(len(f.data)) {
			return "", fmt.Errorf("%w: type_list at 0x%x truncated", ErrMalformed, paramsOff)
		}
		for i := uint32(0); i < n; i++ {
			p, err := f.TypeDescriptor(uint32(f.u16(paramsOff + 4 + i*2)))
			if err != nil {
				return "", err
			}
			sb.WriteString(p)
		}
	}
	sb.WriteByte(')')
	sb.WriteString(ret)
	return sb.String(), nil
}

// Method 定位到的方法
type Method struct {
	Index       uint32
	Name        string
	Proto       string
	AccessFlags uint32
	CodeOff     uint32
	// InsnsOff 指令流在文件中的偏移
	InsnsOff uint32
	// InsnsSize 指令流长度（16 位字）
	InsnsSize uint32
}

// ClassDataOff 查找类定义并返回其 class_data_off
func (f *File) ClassDataOff(typeIdx uint32) (uint32, error) {
	for i := uint32(0); i < f.Header.ClassDefsSize; i++ {
		off := f.Header.ClassDefsOff + i*classDefSize
		if f.u32(off) == typeIdx {
			return f.u32(off + 24), nil
		}
	}
	return 0, ErrClassNotFound
}

// Methods 遍历类的 direct 与 virtual 方法
func (f *File) Methods(classDataOff uint32) ([]Method, error) {
	if classDataOff == 0 {
		return nil, nil
	}
	pos := int(classDataOff)
	var counts [4]uint32
	for i := range counts {
		counts[i], pos = readULEB128(f.data, pos)
		if pos < 0 {
			return nil, fmt.Errorf("%w: class_data header at 0x%x", ErrMalformed, classDataOff)
		}
	}

	// 静态字段 + 实例字段，每项两个 uleb128
	for i := uint32(0); i < (counts[0]+counts[1])*2; i++ {
		if _, pos = readULEB128(f.data, pos); pos < 0 {
			return nil, fmt.Errorf("%w: field list at 0x%x", ErrMalformed, classDataOff)
		}
	}

	var methods []Method
	for list := 2; list < 4; list++ {
		// method_idx_diff 在 virtual_methods 开头重新累计
		var idx uint32
		for j := uint32(0); j < counts[list]; j++ {
			var diff, flags, codeOff uint32
			if diff, pos = readULEB128(f.data, pos); pos < 0 {
				return nil, fmt.Errorf("%w: method list at 0x%x", ErrMalformed, classDataOff)
			}
			if flags, pos = readULEB128(f.data, pos); pos < 0 {
				return nil, fmt.Errorf("%w: method list at 0x%x", ErrMalformed, classDataOff)
			}
			if codeOff, pos = readULEB128(f.data, pos); pos < 0 {
				return nil, fmt.Errorf("%w: method list at 0x%x", ErrMalformed, classDataOff)
			}
			idx += diff

			mid, err := f.methodID(idx)
			if err != nil {
				return nil, err
			}
			name, err := f.String(mid.NameIdx)
			if err != nil {
				return nil, err
			}
			m := Method{Index: idx, Name: name, AccessFlags: flags, CodeOff: codeOff}
			if proto, err := f.ProtoDescriptor(uint32(mid.ProtoIdx)); err == nil {
				m.Proto = proto
			}
			if codeOff != 0 {
				if uint64(codeOff)+codeItemHead > uint64(len(f.data)) {
					return nil, fmt.Errorf("%w: code_item 0x%x out of range", ErrMalformed, codeOff)
				}
				m.InsnsOff = codeOff + codeItemHead
				m.InsnsSize = f.u32(codeOff + 12)
			}
			methods = append(methods, m)
		}
	}
	return methods, nil
}

// FindMethod 按类名和方法名（可选签名）定位方法
// 签名为空时返回第一个同名且有代码的方法
func (f *File) FindMethod(className, methodName, signature string) (*Method, error) {
	descriptor := ClassDescriptor(className)
	typeIdx, ok := f.FindType(descriptor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, descriptor)
	}
	classDataOff, err := f.ClassDataOff(typeIdx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no class_def", err, descriptor)
	}
	methods, err := f.Methods(classDataOff)
	if err != nil {
		return nil, err
	}

	var abstract bool
	for i := range methods {
		m := &methods[i]
		if m.Name != methodName {
			continue
		}
		if signature != "" && m.Proto != signature {
			continue
		}
		if m.CodeOff == 0 {
			abstract = true
			continue
		}
		return m, nil
	}
	if abstract {
		return nil, fmt.Errorf("%w: %s->%s", ErrNoCode, descriptor, methodName)
	}
	return nil, fmt.Errorf("%w: %s->%s%s", ErrMethodNotFound, descriptor, methodName, signature)
}

// ClassDescriptor 把 com.foo.Bar 或 com/foo/Bar 规范成 Lcom/foo/Bar;
func ClassDescriptor(name string) string {
	if strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";") {
		return name
	}
	return "L" + strings.ReplaceAll(name, ".", "/") + ";"
}

// readULEB128 返回值和新位置，出错时位置为 -1
func readULEB128(data []byte, pos int) (uint32, int) {
	var result uint32
	var shift uint
	for {
		if pos < 0 || pos >= len(data) {
			return 0, -1
		}
		b := data[pos]
		pos++
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 28 {
			return 0, -1
		}
	}
	return result, pos
}

// decodeMUTF8 解码 modified UTF-8，units 为 UTF-16 码元个数
func decodeMUTF8(b []byte, units int) (string, error) {
	out := make([]uint16, 0, units)
	i := 0
	for len(out) < units {
		if i >= len(b) {
			return "", errors.New("truncated string")
		}
		c := b[i]
		switch {
		case c == 0:
			return "", errors.New("unexpected terminator")
		case c < 0x80:
			out = append(out, uint16(c))
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(b) {
				return "", errors.New("truncated 2-byte sequence")
			}
			out = append(out, uint16(c&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(b) {
				return "", errors.New("truncated 3-byte sequence")
			}
			out = append(out, uint16(c&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		default:
			return "", fmt.Errorf("invalid byte 0x%02x", c)
		}
	}
	return string(utf16.Decode(out)), nil
}
