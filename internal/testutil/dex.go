// Package testutil 构造测试用的 DEX 与 APK
package testutil

import (
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"
	"sort"
)

// DexMethod 测试方法，Code 为空表示抽象方法
type DexMethod struct {
	Name string
	Code []byte
}

// DexClass 测试类
type DexClass struct {
	Descriptor   string
	StaticFields int
	Direct       []DexMethod
	Virtual      []DexMethod
}

// CodeLocation 方法指令流在生成文件中的位置
type CodeLocation struct {
	Class  string
	Method string
	Offset int
	Size   int
}

// BuildDex 生成一个最小可解析的 DEX 文件，所有方法的原型都是 ()Z
func BuildDex(classes []DexClass) ([]byte, []CodeLocation) {
	// 字符串表
	strSet := map[string]bool{"Z": true}
	for _, c := range classes {
		strSet[c.Descriptor] = true
		for _, m := range append(append([]DexMethod{}, c.Direct...), c.Virtual...) {
			strSet[m.Name] = true
		}
	}
	strs := make([]string, 0, len(strSet))
	for s := range strSet {
		strs = append(strs, s)
	}
	sort.Strings(strs)
	strIdx := make(map[string]uint32, len(strs))
	for i, s := range strs {
		strIdx[s] = uint32(i)
	}

	// 类型表：所有类 + Z
	types := []string{"Z"}
	for _, c := range classes {
		types = append(types, c.Descriptor)
	}
	typeIdx := make(map[string]uint32, len(types))
	for i, s := range types {
		typeIdx[s] = uint32(i)
	}

	type mref struct {
		class string
		m     DexMethod
	}
	var methods []mref
	for _, c := range classes {
		for _, m := range c.Direct {
			methods = append(methods, mref{c.Descriptor, m})
		}
		for _, m := range c.Virtual {
			methods = append(methods, mref{c.Descriptor, m})
		}
	}

	const hdr = 0x70
	stringIdsOff := hdr
	typeIdsOff := stringIdsOff + 4*len(strs)
	protoIdsOff := typeIdsOff + 4*len(types)
	methodIdsOff := protoIdsOff + 12
	classDefsOff := methodIdsOff + 8*len(methods)
	dataOff := classDefsOff + 32*len(classes)

	buf := make([]byte, dataOff)
	le := binary.LittleEndian

	// string data
	for i, s := range strs {
		le.PutUint32(buf[stringIdsOff+4*i:], uint32(len(buf)))
		buf = appendULEB(buf, uint32(len(s)))
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	for i, s := range types {
		le.PutUint32(buf[typeIdsOff+4*i:], strIdx[s])
	}
	le.PutUint32(buf[protoIdsOff:], strIdx["Z"])
	le.PutUint32(buf[protoIdsOff+4:], typeIdx["Z"])
	for i, m := range methods {
		off := methodIdsOff + 8*i
		le.PutUint16(buf[off:], uint16(typeIdx[m.class]))
		le.PutUint16(buf[off+2:], 0)
		le.PutUint32(buf[off+4:], strIdx[m.m.Name])
	}

	// code items
	var locs []CodeLocation
	codeOffs := make([]uint32, len(methods))
	for i, m := range methods {
		if len(m.m.Code) == 0 {
			continue
		}
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
		codeOffs[i] = uint32(len(buf))
		item := make([]byte, 16)
		le.PutUint16(item[0:], 1)
		le.PutUint32(item[12:], uint32(len(m.m.Code)/2))
		buf = append(buf, item...)
		locs = append(locs, CodeLocation{Class: m.class, Method: m.m.Name, Offset: len(buf), Size: len(m.m.Code)})
		buf = append(buf, m.m.Code...)
	}

	// class data
	midx := 0
	for ci, c := range classes {
		classDataOff := uint32(len(buf))
		buf = appendULEB(buf, uint32(c.StaticFields))
		buf = appendULEB(buf, 0)
		buf = appendULEB(buf, uint32(len(c.Direct)))
		buf = appendULEB(buf, uint32(len(c.Virtual)))
		for f := 0; f < c.StaticFields; f++ {
			buf = appendULEB(buf, 1)
			buf = appendULEB(buf, 0x8)
		}
		for _, list := range [][]DexMethod{c.Direct, c.Virtual} {
			prev := -1
			for range list {
				diff := midx
				if prev >= 0 {
					diff = midx - prev
				}
				buf = appendULEB(buf, uint32(diff))
				buf = appendULEB(buf, 0x1)
				buf = appendULEB(buf, codeOffs[midx])
				prev = midx
				midx++
			}
		}
		off := classDefsOff + 32*ci
		le.PutUint32(buf[off:], typeIdx[c.Descriptor])
		le.PutUint32(buf[off+4:], 0x1)
		le.PutUint32(buf[off+8:], 0xFFFFFFFF)
		le.PutUint32(buf[off+16:], 0xFFFFFFFF)
		le.PutUint32(buf[off+24:], classDataOff)
	}

	copy(buf[0:8], "dex\n035\x00")
	le.PutUint32(buf[32:], uint32(len(buf)))
	le.PutUint32(buf[36:], hdr)
	le.PutUint32(buf[40:], 0x12345678)
	le.PutUint32(buf[56:], uint32(len(strs)))
	le.PutUint32(buf[60:], uint32(stringIdsOff))
	le.PutUint32(buf[64:], uint32(len(types)))
	le.PutUint32(buf[68:], uint32(typeIdsOff))
	le.PutUint32(buf[72:], 1)
	le.PutUint32(buf[76:], uint32(protoIdsOff))
	le.PutUint32(buf[88:], uint32(len(methods)))
	le.PutUint32(buf[92:], uint32(methodIdsOff))
	le.PutUint32(buf[96:], uint32(len(classes)))
	le.PutUint32(buf[100:], uint32(classDefsOff))
	le.PutUint32(buf[104:], uint32(len(buf)-dataOff))
	le.PutUint32(buf[108:], uint32(dataOff))

	sig := sha1.Sum(buf[32:])
	copy(buf[12:32], sig[:])
	le.PutUint32(buf[8:], adler32.Checksum(buf[12:]))
	return buf, locs
}

// Find 按类和方法名查找代码位置
func Find(locs []CodeLocation, class, method string) (CodeLocation, bool) {
	for _, l := range locs {
		if l.Class == class && l.Method == method {
			return l, true
		}
	}
	return CodeLocation{}, false
}

func appendULEB(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}
